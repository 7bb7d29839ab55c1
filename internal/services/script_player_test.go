package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/models"
)

func twoChapterScript() *models.FullScript {
	return &models.FullScript{
		ID:    "test_script",
		Title: "测试剧本",
		Chapters: []models.ScriptChapter{
			{
				ID:         "A",
				Title:      "相遇",
				Background: "PALACE_GARDEN",
				Bgm:        "peaceful",
				Dialogues: []models.ScriptDialogue{
					{Speaker: models.NarratorName, Text: "花园里开满了蔷薇。"},
					{Speaker: "艾琳娜", Text: "你是新来的骑士？", Expression: "SURPRISED"},
					{Type: "cg", CG: "cg_garden", Text: "她回头的瞬间。"},
				},
				Choices: []models.ScriptChoice{
					{Text: "x", Sentiment: models.SentimentNegative, AffectionChange: -5},
					{Text: "y", Sentiment: models.SentimentPositive, AffectionChange: 10},
				},
			},
			{
				ID:         "B",
				Title:      "结局",
				Background: "palace_balcony",
				Bgm:        "dramatic",
				Dialogues: []models.ScriptDialogue{
					{Speaker: "艾琳娜", Text: "谢谢你一直在。", Expression: "happy"},
				},
				Ending: &models.ScriptEnding{Type: "good", Title: "誓约", Description: "月下的誓约"},
			},
		},
	}
}

func TestScriptPlayerChoiceLeadsToEndingChapter(t *testing.T) {
	p := NewScriptPlayer()
	first, err := p.Start(twoChapterScript(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, models.NarratorName, first.Speaker)
	assert.Equal(t, "花园里开满了蔷薇。", first.Narrative)
	assert.Empty(t, first.Dialogue)
	assert.Equal(t, models.BackgroundPalaceGarden, first.Background)
	assert.Equal(t, models.BgmDaily, first.Bgm)
	assert.Equal(t, 0, *first.HistoryChapterIndex)
	assert.Equal(t, 0, *first.HistoryDialogueIndex)

	second, sig := p.Advance()
	assert.Equal(t, SignalScene, sig)
	assert.Equal(t, models.ExpressionSurprised, second.Expression)
	assert.Equal(t, "你是新来的骑士？", second.Dialogue)
	assert.Empty(t, second.Choices)

	third, sig := p.Advance()
	assert.Equal(t, SignalChoicesReady, sig)
	assert.True(t, third.IsCG)
	assert.Equal(t, "cg_garden", third.CGImage)
	assert.Equal(t, models.NarratorName, third.Speaker)
	require.Len(t, third.Choices, 2)
	assert.Equal(t, "y", third.Choices[1].Text)

	_, sig = p.Advance()
	assert.Equal(t, SignalChapterExhausted, sig)

	outcome, err := p.SelectChoice(1)
	require.NoError(t, err)
	assert.Equal(t, 10, outcome.AffectionDelta)
	assert.False(t, outcome.StoryCompleted)
	assert.True(t, outcome.IsEndingChapter)
	require.NotNil(t, outcome.Ending)
	assert.Equal(t, "誓约", outcome.Ending.Title)
	assert.Equal(t, 1, outcome.ChapterIndex)
	assert.Equal(t, "谢谢你一直在。", outcome.Scene.Dialogue)
	assert.Equal(t, models.BgmTense, outcome.Scene.Bgm)
	assert.Equal(t, models.BackgroundPalaceBalcony, outcome.Scene.Background)
	assert.Equal(t, 1, p.ChapterIndex())
	assert.Equal(t, 0, p.DialogueIndex())
}

func TestScriptPlayerBranchingIsLinear(t *testing.T) {
	for choice, delta := range []int{-5, 10} {
		p := NewScriptPlayer()
		_, err := p.Start(twoChapterScript(), 0, 2)
		require.NoError(t, err)

		outcome, err := p.SelectChoice(choice)
		require.NoError(t, err)
		assert.Equal(t, delta, outcome.AffectionDelta)
		assert.Equal(t, 1, outcome.ChapterIndex)
	}
}

func TestScriptPlayerStoryCompletion(t *testing.T) {
	p := NewScriptPlayer()
	_, err := p.Start(twoChapterScript(), 1, 0)
	require.NoError(t, err)

	_, sig := p.Advance()
	assert.Equal(t, SignalChapterExhausted, sig)

	outcome, err := p.SelectChoice(0)
	require.NoError(t, err)
	assert.True(t, outcome.StoryCompleted)
	assert.Equal(t, 0, outcome.AffectionDelta)
	assert.True(t, outcome.Scene.IsGameOver)
	assert.Equal(t, models.BgmRomantic, outcome.Scene.Bgm)
	assert.Equal(t, "感谢您的游玩。", outcome.Scene.Dialogue)
}

func TestScriptPlayerStartBounds(t *testing.T) {
	p := NewScriptPlayer()

	_, err := p.Start(twoChapterScript(), 5, 0)
	assert.True(t, apperrors.IsValidationError(err))

	_, err = p.Start(twoChapterScript(), 1, 3)
	assert.True(t, apperrors.IsValidationError(err))

	assert.Panics(t, func() { _, _ = p.Start(twoChapterScript(), -1, 0) })

	_, err = p.SelectChoice(0)
	assert.Error(t, err)

	_, err = p.Start(twoChapterScript(), 0, 0)
	require.NoError(t, err)
	_, err = p.SelectChoice(7)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestMappings(t *testing.T) {
	assert.Equal(t, models.ExpressionBlush, MapExpression("BLUSH"))
	assert.Equal(t, models.ExpressionNeutral, MapExpression("smirk"))
	assert.Equal(t, models.BackgroundSchoolRooftop, MapBackground("SCHOOL_ROOFTOP"))
	assert.Equal(t, models.BackgroundPalaceGarden, MapBackground("moon_base"))
	assert.Equal(t, models.BgmSad, MapBgm("melancholy"))
	assert.Equal(t, models.BgmTense, MapBgm("intense"))
	assert.Equal(t, models.BgmMysterious, MapBgm("mysterious"))
	assert.Equal(t, models.BgmDaily, MapBgm("jazz"))
}

func TestChapterScenesOnlyLastLineCarriesChoices(t *testing.T) {
	scenes := ChapterScenes(twoChapterScript(), 0)
	require.Len(t, scenes, 3)
	assert.Empty(t, scenes[0].Choices)
	assert.Empty(t, scenes[1].Choices)
	assert.Len(t, scenes[2].Choices, 2)
	for i, s := range scenes {
		assert.Equal(t, i, *s.HistoryDialogueIndex)
	}
	assert.Nil(t, ChapterScenes(twoChapterScript(), 9))
}
