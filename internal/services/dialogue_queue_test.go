package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/GalNovelEngine/internal/models"
)

func threeNodeBatch() *models.BatchSceneData {
	return &models.BatchSceneData{
		Narrative:  "午后的天台，风很大。",
		Background: models.BackgroundSchoolRooftop,
		Bgm:        models.BgmDaily,
		DialogueSequence: []models.DialogueNode{
			{Speaker: "雯曦", Dialogue: "你怎么又来了？", Expression: models.ExpressionAngry},
			{Speaker: "你", Dialogue: "想见你。", Expression: ""},
			{Speaker: "雯曦", Dialogue: "笨、笨蛋！", Expression: models.ExpressionBlush, Bgm: models.BgmRomantic},
		},
		Choices: []models.GameChoice{
			{Text: "递上便当", Sentiment: models.SentimentPositive},
			{Text: "转身离开", Sentiment: models.SentimentNegative},
		},
	}
}

func TestDialogueQueuePlaysWholeAct(t *testing.T) {
	q := NewDialogueQueue()

	first, ok := q.Load(threeNodeBatch())
	require.True(t, ok)
	assert.Equal(t, "你怎么又来了？", first.Dialogue)
	assert.Equal(t, "午后的天台，风很大。", first.Narrative)
	assert.Equal(t, models.BackgroundSchoolRooftop, first.Background)
	assert.Empty(t, first.Choices)
	assert.False(t, q.IsExhausted())

	second, ok := q.Advance()
	require.True(t, ok)
	assert.Equal(t, "想见你。", second.Dialogue)
	assert.Empty(t, second.Narrative)
	assert.Equal(t, models.ExpressionNeutral, second.Expression)
	assert.Equal(t, models.BgmDaily, second.Bgm)
	assert.False(t, q.IsExhausted())

	third, ok := q.Advance()
	require.True(t, ok)
	assert.Equal(t, "笨、笨蛋！", third.Dialogue)
	assert.Equal(t, models.BgmRomantic, third.Bgm)
	assert.True(t, q.IsExhausted())

	_, ok = q.Advance()
	assert.False(t, ok)
	assert.Equal(t, 2, q.Index())

	choices := q.Choices()
	require.Len(t, choices, 2)
	assert.Equal(t, "递上便当", choices[0].Text)
	assert.Equal(t, "转身离开", choices[1].Text)
}

func TestDialogueQueueExhaustsOnLastAdvance(t *testing.T) {
	for _, n := range []int{1, 2, 5, 17} {
		batch := &models.BatchSceneData{Background: models.BackgroundCafe, Bgm: models.BgmHappy}
		for i := 0; i < n; i++ {
			batch.DialogueSequence = append(batch.DialogueSequence, models.DialogueNode{Speaker: "A", Dialogue: "…"})
		}

		q := NewDialogueQueue()
		_, ok := q.Load(batch)
		require.True(t, ok)
		for i := 0; i < n-1; i++ {
			assert.False(t, q.IsExhausted(), "n=%d i=%d", n, i)
			_, ok := q.Advance()
			require.True(t, ok)
		}
		assert.True(t, q.IsExhausted(), "n=%d", n)
	}
}

func TestDialogueQueueDoesNotShareInput(t *testing.T) {
	batch := threeNodeBatch()
	q := NewDialogueQueue()
	q.Load(batch)

	batch.DialogueSequence[0].Dialogue = "被改写"
	batch.Choices[0].Text = "被改写"

	cur, ok := q.Current()
	require.True(t, ok)
	assert.Equal(t, "你怎么又来了？", cur.Dialogue)
	assert.Equal(t, "递上便当", q.Choices()[0].Text)
}

func TestDialogueQueueEmptyAndReset(t *testing.T) {
	q := NewDialogueQueue()
	_, ok := q.Load(&models.BatchSceneData{IsGameOver: true})
	assert.False(t, ok)
	assert.False(t, q.IsExhausted())
	_, ok = q.Advance()
	assert.False(t, ok)

	q.Load(threeNodeBatch())
	q.Advance()
	q.Reset()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Index())
	assert.Nil(t, q.Batch())
	_, ok = q.Current()
	assert.False(t, ok)
}
