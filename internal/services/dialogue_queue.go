// internal/services/dialogue_queue.go
package services

import (
	"github.com/Corphon/GalNovelEngine/internal/models"
)

// DialogueQueue 顺序播放一幕生成剧情
// 到达序列末尾是一幕的正常终点，由调用方展示选项
type DialogueQueue struct {
	batch *models.BatchSceneData
	index int
}

// NewDialogueQueue 创建空队列
func NewDialogueQueue() *DialogueQueue {
	return &DialogueQueue{}
}

// Load 载入一幕并返回第一句；序列为空时返回 false
func (q *DialogueQueue) Load(batch *models.BatchSceneData) (models.SceneData, bool) {
	q.batch = batch.Clone()
	q.index = 0
	if q.Len() == 0 {
		return models.SceneData{}, false
	}
	return q.sceneAt(0), true
}

// Advance 前进一句；已是最后一句时返回 false
func (q *DialogueQueue) Advance() (models.SceneData, bool) {
	if q.index+1 >= q.Len() {
		return models.SceneData{}, false
	}
	q.index++
	return q.sceneAt(q.index), true
}

// Seek 直接跳到第 i 句，用于读档恢复
func (q *DialogueQueue) Seek(i int) (models.SceneData, bool) {
	if i < 0 || i >= q.Len() {
		return models.SceneData{}, false
	}
	q.index = i
	return q.sceneAt(i), true
}

// IsExhausted 当前是否为最后一句
func (q *DialogueQueue) IsExhausted() bool {
	return q.Len() > 0 && q.index == q.Len()-1
}

// Current 当前显示的场景
func (q *DialogueQueue) Current() (models.SceneData, bool) {
	if q.Len() == 0 {
		return models.SceneData{}, false
	}
	return q.sceneAt(q.index), true
}

// Choices 本幕结束后的选项
func (q *DialogueQueue) Choices() []models.GameChoice {
	if q.batch == nil {
		return nil
	}
	return append([]models.GameChoice(nil), q.batch.Choices...)
}

// Batch 当前一幕的副本
func (q *DialogueQueue) Batch() *models.BatchSceneData {
	return q.batch.Clone()
}

func (q *DialogueQueue) Index() int { return q.index }

func (q *DialogueQueue) Len() int {
	if q.batch == nil {
		return 0
	}
	return len(q.batch.DialogueSequence)
}

// Reset 回到初始状态
func (q *DialogueQueue) Reset() {
	q.batch = nil
	q.index = 0
}

// sceneAt 节点缺失的字段回落到本幕的初始设定
func (q *DialogueQueue) sceneAt(i int) models.SceneData {
	node := q.batch.DialogueSequence[i]

	scene := models.SceneData{
		Narrative:  node.Narrative,
		Speaker:    node.Speaker,
		Dialogue:   node.Dialogue,
		Expression: node.Expression,
		Background: node.Background,
		Bgm:        node.Bgm,
		Choices:    []models.GameChoice{},
	}
	if scene.Narrative == "" && i == 0 {
		scene.Narrative = q.batch.Narrative
	}
	if scene.Background == "" {
		scene.Background = q.batch.Background
	}
	if scene.Bgm == "" {
		scene.Bgm = q.batch.Bgm
	}
	if scene.Expression == "" {
		scene.Expression = models.ExpressionNeutral
	}
	return scene
}
