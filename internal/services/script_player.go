// internal/services/script_player.go
package services

import (
	"fmt"
	"strings"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/models"
)

// AdvanceSignal 剧本前进结果
type AdvanceSignal int

const (
	// SignalScene 普通的下一句
	SignalScene AdvanceSignal = iota
	// SignalChoicesReady 下一句是本章最后一句且带有选项
	SignalChoicesReady
	// SignalChapterExhausted 本章已无更多台词
	SignalChapterExhausted
)

// 故事结束时合成的收尾画面
const (
	closingNarrative = "故事在此画上了句点..."
	closingDialogue  = "感谢您的游玩。"
)

var expressionMap = map[string]models.CharacterExpression{
	"NEUTRAL":   models.ExpressionNeutral,
	"HAPPY":     models.ExpressionHappy,
	"SAD":       models.ExpressionSad,
	"ANGRY":     models.ExpressionAngry,
	"BLUSH":     models.ExpressionBlush,
	"SURPRISED": models.ExpressionSurprised,
	"SHY":       models.ExpressionShy,
	"FEAR":      models.ExpressionFear,
}

var backgroundSet = map[models.BackgroundType]bool{
	models.BackgroundSchoolRooftop: true, models.BackgroundClassroom: true, models.BackgroundSchoolGate: true,
	models.BackgroundSchoolCorridor: true, models.BackgroundLibrary: true, models.BackgroundStreetSunset: true,
	models.BackgroundRiverside: true, models.BackgroundConvenienceStore: true, models.BackgroundCafe: true,
	models.BackgroundParkNight: true, models.BackgroundTrainStation: true, models.BackgroundBedroom: true,
	models.BackgroundPalaceHall: true, models.BackgroundPalaceGarden: true, models.BackgroundPalaceBalcony: true,
	models.BackgroundCastleCorridor: true, models.BackgroundRoyalBedroom: true, models.BackgroundTrainingGround: true,
	models.BackgroundAbandonedGarden: true,
}

var bgmMap = map[string]models.BgmMood{
	"romantic":   models.BgmRomantic,
	"peaceful":   models.BgmDaily,
	"daily":      models.BgmDaily,
	"melancholy": models.BgmSad,
	"sad":        models.BgmSad,
	"dramatic":   models.BgmTense,
	"intense":    models.BgmTense,
	"tense":      models.BgmTense,
	"mysterious": models.BgmMysterious,
	"happy":      models.BgmHappy,
}

// MapExpression 剧本表情字符串映射，未知为 neutral
func MapExpression(s string) models.CharacterExpression {
	if e, ok := expressionMap[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return e
	}
	return models.ExpressionNeutral
}

// MapBackground 剧本背景字符串映射，未知为 palace_garden
func MapBackground(s string) models.BackgroundType {
	bg := models.BackgroundType(strings.ToLower(strings.TrimSpace(s)))
	if backgroundSet[bg] {
		return bg
	}
	return models.BackgroundPalaceGarden
}

// MapBgm 剧本 BGM 字符串映射，未知为 daily
func MapBgm(s string) models.BgmMood {
	if m, ok := bgmMap[strings.ToLower(strings.TrimSpace(s))]; ok {
		return m
	}
	return models.BgmDaily
}

// ChapterScenes 把一章展开为平铺的场景列表；只有最后一句携带本章选项
func ChapterScenes(script *models.FullScript, chapterIndex int) []models.SceneData {
	if script == nil || chapterIndex < 0 || chapterIndex >= len(script.Chapters) {
		return nil
	}
	chapter := script.Chapters[chapterIndex]
	background := MapBackground(chapter.Background)
	bgm := MapBgm(chapter.Bgm)

	scenes := make([]models.SceneData, 0, len(chapter.Dialogues))
	for i, line := range chapter.Dialogues {
		choices := []models.GameChoice{}
		if i == len(chapter.Dialogues)-1 {
			if cs := chapter.GameChoices(); cs != nil {
				choices = cs
			}
		}
		scene := lineToScene(line, background, bgm, choices)
		scenes = append(scenes, scene.WithHistoryCoordinates(chapterIndex, i))
	}
	return scenes
}

func lineToScene(line models.ScriptDialogue, background models.BackgroundType, bgm models.BgmMood, choices []models.GameChoice) models.SceneData {
	scene := models.SceneData{
		Expression: MapExpression(line.Expression),
		Background: background,
		Bgm:        bgm,
		Choices:    choices,
	}

	switch {
	case line.IsCG():
		scene.IsCG = true
		scene.CGImage = line.CG
		scene.Narrative = line.Text
		scene.Speaker = line.Speaker
		if scene.Speaker == "" {
			scene.Speaker = models.NarratorName
		}
	case line.Speaker == models.NarratorName || line.Type == "narrative":
		scene.Narrative = line.Text
		scene.Speaker = models.NarratorName
	default:
		scene.Speaker = line.Speaker
		scene.Dialogue = line.Text
	}
	return scene
}

// ClosingScene 故事完结时的收尾画面
func ClosingScene() models.SceneData {
	return models.SceneData{
		Narrative:  closingNarrative,
		Speaker:    models.NarratorName,
		Dialogue:   closingDialogue,
		Expression: models.ExpressionHappy,
		Background: models.BackgroundPalaceGarden,
		Bgm:        models.BgmRomantic,
		Choices:    []models.GameChoice{},
		IsGameOver: true,
	}
}

// ChoiceOutcome 选择后的结果
type ChoiceOutcome struct {
	AffectionDelta int
	// StoryCompleted 没有下一章
	StoryCompleted bool
	Scene          models.SceneData
	// IsEndingChapter 新章节携带结局描述
	IsEndingChapter bool
	Ending          *models.ScriptEnding
	ChapterIndex    int
}

// ScriptPlayer 预置剧本的章节遍历
type ScriptPlayer struct {
	script       *models.FullScript
	chapterIndex int
	scenes       []models.SceneData
	position     int
}

// NewScriptPlayer 创建播放器
func NewScriptPlayer() *ScriptPlayer {
	return &ScriptPlayer{}
}

// Start 从指定章节与台词开始；负数下标属于调用方错误
func (p *ScriptPlayer) Start(script *models.FullScript, chapterIndex, dialogueIndex int) (models.SceneData, error) {
	if chapterIndex < 0 || dialogueIndex < 0 {
		panic(fmt.Sprintf("script player: negative position chapter=%d dialogue=%d", chapterIndex, dialogueIndex))
	}
	if script == nil {
		return models.SceneData{}, apperrors.NewValidationError("剧本为空", nil)
	}
	if chapterIndex >= len(script.Chapters) {
		return models.SceneData{}, apperrors.NewValidationError(
			fmt.Sprintf("章节下标越界: %d/%d", chapterIndex, len(script.Chapters)), nil)
	}

	scenes := ChapterScenes(script, chapterIndex)
	if dialogueIndex >= len(scenes) {
		return models.SceneData{}, apperrors.NewValidationError(
			fmt.Sprintf("台词下标越界: %d/%d", dialogueIndex, len(scenes)), nil)
	}

	p.script = script
	p.chapterIndex = chapterIndex
	p.scenes = scenes
	p.position = dialogueIndex
	return p.scenes[p.position].Clone(), nil
}

// Advance 前进一句
func (p *ScriptPlayer) Advance() (models.SceneData, AdvanceSignal) {
	if p.position+1 >= len(p.scenes) {
		return models.SceneData{}, SignalChapterExhausted
	}
	p.position++
	scene := p.scenes[p.position].Clone()
	if p.position == len(p.scenes)-1 && len(scene.Choices) > 0 {
		return scene, SignalChoicesReady
	}
	return scene, SignalScene
}

// SelectChoice 记录好感度变化并进入下一章；分支目前总是线性的
func (p *ScriptPlayer) SelectChoice(choiceIndex int) (ChoiceOutcome, error) {
	if p.script == nil {
		return ChoiceOutcome{}, apperrors.NewValidationError("剧本尚未开始", nil)
	}
	chapter := p.script.Chapters[p.chapterIndex]
	if len(chapter.Choices) > 0 && (choiceIndex < 0 || choiceIndex >= len(chapter.Choices)) {
		return ChoiceOutcome{}, apperrors.NewValidationError(fmt.Sprintf("选项下标越界: %d", choiceIndex), nil)
	}

	outcome := ChoiceOutcome{AffectionDelta: p.ChoiceAffection(choiceIndex)}

	next := p.chapterIndex + 1
	if next >= len(p.script.Chapters) {
		outcome.StoryCompleted = true
		outcome.Scene = ClosingScene()
		outcome.ChapterIndex = p.chapterIndex
		return outcome, nil
	}

	scene, err := p.Start(p.script, next, 0)
	if err != nil {
		return ChoiceOutcome{}, err
	}
	outcome.Scene = scene
	outcome.ChapterIndex = next
	outcome.IsEndingChapter = p.IsEndingChapter(next)
	outcome.Ending = p.script.Chapters[next].Ending
	return outcome, nil
}

// ChoiceAffection 当前章节选项的好感度变化，无效下标为 0
func (p *ScriptPlayer) ChoiceAffection(choiceIndex int) int {
	if p.script == nil {
		return 0
	}
	choices := p.script.Chapters[p.chapterIndex].Choices
	if choiceIndex < 0 || choiceIndex >= len(choices) {
		return 0
	}
	return choices[choiceIndex].AffectionChange
}

// IsEndingChapter 指定章节是否为结局章节
func (p *ScriptPlayer) IsEndingChapter(chapterIndex int) bool {
	if p.script == nil || chapterIndex < 0 || chapterIndex >= len(p.script.Chapters) {
		return false
	}
	return p.script.Chapters[chapterIndex].IsEnding()
}

// Current 当前场景
func (p *ScriptPlayer) Current() (models.SceneData, bool) {
	if p.position >= len(p.scenes) {
		return models.SceneData{}, false
	}
	return p.scenes[p.position].Clone(), true
}

// CurrentChapter 当前章节
func (p *ScriptPlayer) CurrentChapter() (models.ScriptChapter, bool) {
	if p.script == nil {
		return models.ScriptChapter{}, false
	}
	return p.script.Chapters[p.chapterIndex], true
}

// AtChapterEnd 是否停在本章最后一句
func (p *ScriptPlayer) AtChapterEnd() bool {
	return len(p.scenes) > 0 && p.position == len(p.scenes)-1
}

func (p *ScriptPlayer) ChapterIndex() int          { return p.chapterIndex }
func (p *ScriptPlayer) DialogueIndex() int         { return p.position }
func (p *ScriptPlayer) Script() *models.FullScript { return p.script }
func (p *ScriptPlayer) TotalChapters() int {
	if p.script == nil {
		return 0
	}
	return len(p.script.Chapters)
}

// Reset 清空
func (p *ScriptPlayer) Reset() {
	*p = ScriptPlayer{}
}
