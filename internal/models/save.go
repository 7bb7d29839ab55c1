// internal/models/save.go
package models

import "fmt"

// SaveSlotCount 每个剧本的存档槽数量
const SaveSlotCount = 3

// PlaybackMode 播放模式
type PlaybackMode string

const (
	ModeGenerated PlaybackMode = "generated"
	ModeScript    PlaybackMode = "script"
)

// SaveData 存档快照，写入后只读
type SaveData struct {
	ID            string              `json:"id"`
	ScriptID      string              `json:"scriptId"`
	ScriptName    string              `json:"scriptName"`
	SlotIndex     int                 `json:"slotIndex"`
	Mode          PlaybackMode        `json:"mode"`
	ChapterIndex  int                 `json:"chapterIndex"`
	DialogueIndex int                 `json:"dialogueIndex"`
	Affection     int                 `json:"affection"`
	Turn          int                 `json:"turn"`
	Timestamp     int64               `json:"timestamp"`
	CharacterName string              `json:"characterName"`
	Expression    CharacterExpression `json:"expression"`
	Background    BackgroundType      `json:"background"`
	Bgm           BgmMood             `json:"bgm"`
	PreviewText   string              `json:"previewText"`
	ThumbnailBg   string              `json:"thumbnailBg,omitempty"`

	// 生成模式下无法按坐标恢复，保存当前画面
	Scene *SceneData `json:"scene,omitempty"`
	// 生成模式下当前一幕的完整内容，DialogueIndex 为其中的位置
	Batch *BatchSceneData `json:"batch,omitempty"`
}

// SaveID 存档ID
func SaveID(scriptID string, slot int) string {
	return fmt.Sprintf("%s_%d", scriptID, slot)
}

// SaveSlot 存档槽
type SaveSlot struct {
	SlotIndex int       `json:"slotIndex"`
	SaveData  *SaveData `json:"saveData"`
}

// ScriptSaveInfo 某剧本的全部存档槽
type ScriptSaveInfo struct {
	ScriptID       string     `json:"scriptId"`
	Slots          []SaveSlot `json:"slots"`
	LastPlayedSlot int        `json:"lastPlayedSlot"`
}

// NewScriptSaveInfo 创建空槽位
func NewScriptSaveInfo(scriptID string) *ScriptSaveInfo {
	slots := make([]SaveSlot, SaveSlotCount)
	for i := range slots {
		slots[i] = SaveSlot{SlotIndex: i}
	}
	return &ScriptSaveInfo{ScriptID: scriptID, Slots: slots, LastPlayedSlot: -1}
}

// LastPlayed 最近游玩位置
type LastPlayed struct {
	ScriptID  string `json:"scriptId"`
	SlotIndex int    `json:"slotIndex"`
	Timestamp int64  `json:"timestamp"`
}
