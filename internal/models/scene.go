// internal/models/scene.go
package models

// CharacterExpression 角色立绘表情
type CharacterExpression string

const (
	ExpressionNeutral   CharacterExpression = "neutral"
	ExpressionHappy     CharacterExpression = "happy"
	ExpressionSad       CharacterExpression = "sad"
	ExpressionAngry     CharacterExpression = "angry"
	ExpressionBlush     CharacterExpression = "blush"
	ExpressionSurprised CharacterExpression = "surprised"
	ExpressionShy       CharacterExpression = "shy"
	ExpressionFear      CharacterExpression = "fear"
)

// BackgroundType 场景背景
type BackgroundType string

const (
	// 现代校园
	BackgroundSchoolRooftop    BackgroundType = "school_rooftop"
	BackgroundClassroom        BackgroundType = "classroom"
	BackgroundSchoolGate       BackgroundType = "school_gate"
	BackgroundSchoolCorridor   BackgroundType = "school_corridor"
	BackgroundLibrary          BackgroundType = "library"
	BackgroundStreetSunset     BackgroundType = "street_sunset"
	BackgroundRiverside        BackgroundType = "riverside"
	BackgroundConvenienceStore BackgroundType = "convenience_store"
	BackgroundCafe             BackgroundType = "cafe"
	BackgroundParkNight        BackgroundType = "park_night"
	BackgroundTrainStation     BackgroundType = "train_station"
	BackgroundBedroom          BackgroundType = "bedroom"

	// 奇幻王国
	BackgroundPalaceHall      BackgroundType = "palace_hall"
	BackgroundPalaceGarden    BackgroundType = "palace_garden"
	BackgroundPalaceBalcony   BackgroundType = "palace_balcony"
	BackgroundCastleCorridor  BackgroundType = "castle_corridor"
	BackgroundRoyalBedroom    BackgroundType = "royal_bedroom"
	BackgroundTrainingGround  BackgroundType = "training_ground"
	BackgroundAbandonedGarden BackgroundType = "abandoned_garden"
)

// BgmMood 背景音乐氛围
type BgmMood string

const (
	BgmDaily      BgmMood = "daily"
	BgmHappy      BgmMood = "happy"
	BgmSad        BgmMood = "sad"
	BgmTense      BgmMood = "tense"
	BgmRomantic   BgmMood = "romantic"
	BgmMysterious BgmMood = "mysterious"
)

// Sentiment 选项情感倾向，用于引导下一分支的语气
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// NormalizeSentiment 未知值一律视为 neutral
func NormalizeSentiment(s string) Sentiment {
	switch Sentiment(s) {
	case SentimentPositive, SentimentNegative:
		return Sentiment(s)
	default:
		return SentimentNeutral
	}
}

const (
	// NarratorName 旁白
	NarratorName = "旁白"
	// PlayerName 玩家自称
	PlayerName = "你"
)

// GameChoice 玩家可选的选项
type GameChoice struct {
	Text      string    `json:"text"`
	Sentiment Sentiment `json:"sentiment"`
}

// SceneData 一次显示的最小单位
type SceneData struct {
	Narrative       string              `json:"narrative"`
	Speaker         string              `json:"speaker"`
	Dialogue        string              `json:"dialogue"`
	Expression      CharacterExpression `json:"expression"`
	Background      BackgroundType      `json:"background"`
	Bgm             BgmMood             `json:"bgm"`
	Choices         []GameChoice        `json:"choices"`
	AffectionChange int                 `json:"affectionChange"`
	IsGameOver      bool                `json:"isGameOver"`

	// CG 插图
	IsCG    bool   `json:"isCG,omitempty"`
	CGImage string `json:"cgImage,omitempty"`

	// 历史回跳坐标，仅剧本模式产生
	HistoryChapterIndex  *int `json:"historyChapterIndex,omitempty"`
	HistoryDialogueIndex *int `json:"historyDialogueIndex,omitempty"`
}

// Clone 深拷贝，保证写入历史后不被外部修改
func (s SceneData) Clone() SceneData {
	out := s
	if s.Choices != nil {
		out.Choices = append([]GameChoice(nil), s.Choices...)
	}
	if s.HistoryChapterIndex != nil {
		v := *s.HistoryChapterIndex
		out.HistoryChapterIndex = &v
	}
	if s.HistoryDialogueIndex != nil {
		v := *s.HistoryDialogueIndex
		out.HistoryDialogueIndex = &v
	}
	return out
}

// HasHistoryCoordinates 是否带有回跳坐标
func (s SceneData) HasHistoryCoordinates() bool {
	return s.HistoryChapterIndex != nil && s.HistoryDialogueIndex != nil
}

// WithHistoryCoordinates 返回带坐标的副本
func (s SceneData) WithHistoryCoordinates(chapter, dialogue int) SceneData {
	out := s.Clone()
	out.HistoryChapterIndex = &chapter
	out.HistoryDialogueIndex = &dialogue
	return out
}

// DialogueNode 批次中的一轮对话
type DialogueNode struct {
	Speaker    string              `json:"speaker"`
	Dialogue   string              `json:"dialogue"`
	Expression CharacterExpression `json:"expression"`
	Background BackgroundType      `json:"background,omitempty"`
	Bgm        BgmMood             `json:"bgm,omitempty"`
	Narrative  string              `json:"narrative,omitempty"`
}

// BatchSceneData 一次生成的一整幕剧情
type BatchSceneData struct {
	Narrative        string         `json:"narrative"`
	Background       BackgroundType `json:"background"`
	Bgm              BgmMood        `json:"bgm"`
	DialogueSequence []DialogueNode `json:"dialogueSequence"`
	AffectionChange  int            `json:"affectionChange"`
	IsGameOver       bool           `json:"isGameOver"`
	Choices          []GameChoice   `json:"choices"`
}

// Clone 深拷贝
func (b *BatchSceneData) Clone() *BatchSceneData {
	if b == nil {
		return nil
	}
	out := *b
	if b.DialogueSequence != nil {
		out.DialogueSequence = append([]DialogueNode(nil), b.DialogueSequence...)
	}
	if b.Choices != nil {
		out.Choices = append([]GameChoice(nil), b.Choices...)
	}
	return &out
}

// HasChoices 是否带有后续选项
func (b *BatchSceneData) HasChoices() bool {
	return b != nil && len(b.Choices) > 0
}
