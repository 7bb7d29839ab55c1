// internal/services/playback.go
package services

import (
	"github.com/Corphon/GalNovelEngine/internal/models"
)

// playback 会话当前的播放源，一次会话只选定一种
type playback interface {
	Mode() models.PlaybackMode
	Current() (models.SceneData, bool)
	// Advance 前进一句；SignalChapterExhausted 表示本幕或本章已播完
	Advance() (models.SceneData, AdvanceSignal)
	// Choices 播完后应展示的选项
	Choices() []models.GameChoice
	// Position 存档坐标
	Position() (chapter, dialogue int)
	Reset()
}

// batchPlayback 生成模式：一幕接一幕
type batchPlayback struct {
	queue *DialogueQueue
}

func newBatchPlayback() *batchPlayback {
	return &batchPlayback{queue: NewDialogueQueue()}
}

func (b *batchPlayback) Mode() models.PlaybackMode { return models.ModeGenerated }

func (b *batchPlayback) Current() (models.SceneData, bool) { return b.queue.Current() }

func (b *batchPlayback) Advance() (models.SceneData, AdvanceSignal) {
	scene, ok := b.queue.Advance()
	if !ok {
		return models.SceneData{}, SignalChapterExhausted
	}
	return scene, SignalScene
}

func (b *batchPlayback) Choices() []models.GameChoice { return b.queue.Choices() }

func (b *batchPlayback) Position() (int, int) { return 0, b.queue.Index() }

func (b *batchPlayback) Reset() { b.queue.Reset() }

// load 载入新的一幕
func (b *batchPlayback) load(batch *models.BatchSceneData) (models.SceneData, bool) {
	return b.queue.Load(batch)
}

func (b *batchPlayback) batch() *models.BatchSceneData { return b.queue.Batch() }

// scriptPlayback 剧本模式
type scriptPlayback struct {
	player *ScriptPlayer
}

func newScriptPlayback() *scriptPlayback {
	return &scriptPlayback{player: NewScriptPlayer()}
}

func (s *scriptPlayback) Mode() models.PlaybackMode { return models.ModeScript }

func (s *scriptPlayback) Current() (models.SceneData, bool) { return s.player.Current() }

func (s *scriptPlayback) Advance() (models.SceneData, AdvanceSignal) { return s.player.Advance() }

func (s *scriptPlayback) Choices() []models.GameChoice {
	ch, ok := s.player.CurrentChapter()
	if !ok {
		return nil
	}
	return ch.GameChoices()
}

func (s *scriptPlayback) Position() (int, int) {
	return s.player.ChapterIndex(), s.player.DialogueIndex()
}

func (s *scriptPlayback) Reset() { s.player.Reset() }

// choicesPending 停在本章最后一句且本章有选项
func (s *scriptPlayback) choicesPending() bool {
	return s.player.AtChapterEnd() && len(s.Choices()) > 0
}
