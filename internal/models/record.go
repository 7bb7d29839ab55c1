// internal/models/record.go
package models

const (
	AffectionMin          = 0
	AffectionMax          = 100
	AffectionInitial      = 50
	GoodEndingThreshold   = 70
	NormalEndingThreshold = 40
)

// ClampAffection 好感度始终落在 [0,100]
func ClampAffection(v int) int {
	if v < AffectionMin {
		return AffectionMin
	}
	if v > AffectionMax {
		return AffectionMax
	}
	return v
}

// ApplyAffection 应用变化并钳制；先收窄 delta，避免极端值相加溢出
func ApplyAffection(current, delta int) int {
	const span = AffectionMax - AffectionMin
	delta = max(-span, min(delta, span))
	return ClampAffection(ClampAffection(current) + delta)
}

// EndingType 结局类型
type EndingType string

const (
	EndingGood   EndingType = "good"
	EndingNormal EndingType = "normal"
	EndingBad    EndingType = "bad"
)

// DetermineEndingType 根据最终好感度判定结局
func DetermineEndingType(affection int) EndingType {
	switch {
	case affection >= GoodEndingThreshold:
		return EndingGood
	case affection >= NormalEndingThreshold:
		return EndingNormal
	default:
		return EndingBad
	}
}

// Rank 排序权重
func (e EndingType) Rank() int {
	switch e {
	case EndingGood:
		return 3
	case EndingNormal:
		return 2
	case EndingBad:
		return 1
	}
	return 0
}

// EndingDescription 结局展示名
func EndingDescription(e EndingType) string {
	switch e {
	case EndingGood:
		return "🌸 完美结局"
	case EndingNormal:
		return "🌙 普通结局"
	default:
		return "💔 遗憾结局"
	}
}

// GameRecord 通关记录，只追加不修改
type GameRecord struct {
	ID             string     `json:"id"`
	ScriptID       string     `json:"scriptId"`
	ScriptName     string     `json:"scriptName"`
	CharacterName  string     `json:"characterName"`
	EndingType     EndingType `json:"endingType"`
	FinalAffection int        `json:"finalAffection"`
	TurnsPlayed    int        `json:"turnsPlayed"`
	CompletedAt    int64      `json:"completedAt"`
}

// RecordStats 通关统计
type RecordStats struct {
	TotalCompletions int `json:"totalCompletions"`
	GoodEndings      int `json:"goodEndings"`
	NormalEndings    int `json:"normalEndings"`
	BadEndings       int `json:"badEndings"`
	UniqueScripts    int `json:"uniqueScripts"`
}
