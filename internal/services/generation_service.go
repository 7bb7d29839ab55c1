// internal/services/generation_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/llm"
	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/utils"
)

// GenerationContext 生成时的剧本与进度上下文
type GenerationContext struct {
	ScriptID      string
	Character     models.CharacterConfig
	Setting       string
	PlotFramework string
	Affection     int
	Turn          int
	// PreviousNarrative 上一幕的开场，帮助分支衔接
	PreviousNarrative string
}

// NewGenerationContext 由剧本库条目构造上下文
func NewGenerationContext(tpl models.ScriptTemplate, affection, turn int) GenerationContext {
	return GenerationContext{
		ScriptID:      tpl.ID,
		Character:     tpl.Character,
		Setting:       tpl.Setting,
		PlotFramework: tpl.PlotFramework,
		Affection:     affection,
		Turn:          turn,
	}
}

// NarrativeGenerator 剧情生成后端
type NarrativeGenerator interface {
	GenerateInitialBatch(ctx context.Context, gc GenerationContext) (*models.BatchSceneData, error)
	GenerateBranch(ctx context.Context, gc GenerationContext, choiceText string, sentiment models.Sentiment) (*models.BatchSceneData, error)
	GeneratePlotOutline(ctx context.Context, prompt string) (string, error)
}

const (
	genKindAct    = "act"
	genKindBranch = "branch"
	genKindPlot   = "plot"

	defaultSpeaker  = "???"
	defaultDialogue = "..."
)

// GenerationOptions 生成参数
type GenerationOptions struct {
	Timeout   time.Duration
	MaxTokens int
	Logger    *zap.Logger
	Metrics   *utils.EngineMetrics
	// Usage 为空时不统计用量
	Usage UsageRecorder
}

// UsageRecorder 记录每次成功请求消耗的 token
type UsageRecorder interface {
	RecordUsage(kind string, tokens int)
}

// GenerationService 基于 LLM 提供者的剧情生成
type GenerationService struct {
	provider llm.Provider
	opts     GenerationOptions
	logger   *zap.Logger
	metrics  *utils.EngineMetrics
}

// NewGenerationService 创建生成服务
func NewGenerationService(provider llm.Provider, opts GenerationOptions) *GenerationService {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &GenerationService{
		provider: provider,
		opts:     opts,
		logger:   utils.OrNop(opts.Logger).Named("generation"),
		metrics:  opts.Metrics,
	}
}

func (s *GenerationService) GenerateInitialBatch(ctx context.Context, gc GenerationContext) (*models.BatchSceneData, error) {
	user := fmt.Sprintf("开始游戏。这是第一幕，请生成开场场景与 %d 到 %d 轮对话的 JSON。", 15, 25)
	return s.generateBatch(ctx, genKindAct, gc, user)
}

func (s *GenerationService) GenerateBranch(ctx context.Context, gc GenerationContext, choiceText string, sentiment models.Sentiment) (*models.BatchSceneData, error) {
	user := fmt.Sprintf("玩家选择了：\"%s\"（情感倾向：%s）。根据这个选择继续故事，生成下一幕的 JSON。",
		choiceText, models.NormalizeSentiment(string(sentiment)))
	if gc.PreviousNarrative != "" {
		user = fmt.Sprintf("上一幕开场：%s\n%s", gc.PreviousNarrative, user)
	}
	return s.generateBatch(ctx, genKindBranch, gc, user)
}

func (s *GenerationService) GeneratePlotOutline(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := time.Now()
	s.metrics.GenerationStarted(genKindPlot)
	resp, err := s.provider.CompleteText(ctx, llm.CompletionRequest{
		SystemPrompt: "你是一位擅长恋爱视觉小说的编剧。",
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens:    s.opts.MaxTokens,
	})
	s.metrics.GenerationFinished(genKindPlot, time.Since(start).Seconds(), err)
	if err != nil {
		return "", apperrors.NewGenerationError("剧情框架生成失败", err)
	}
	s.recordUsage(genKindPlot, resp)
	text := strings.TrimSpace(stripCodeFence(resp.Text))
	if text == "" {
		return "", apperrors.NewGenerationError("剧情框架为空", nil)
	}
	return text, nil
}

func (s *GenerationService) generateBatch(ctx context.Context, kind string, gc GenerationContext, user string) (*models.BatchSceneData, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := time.Now()
	s.metrics.GenerationStarted(kind)
	resp, err := s.provider.CompleteText(ctx, llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(gc),
		Messages:     []llm.Message{{Role: "user", Content: user}},
		MaxTokens:    s.opts.MaxTokens,
		JSONMode:     true,
	})
	if err != nil {
		s.metrics.GenerationFinished(kind, time.Since(start).Seconds(), err)
		s.logger.Warn("生成请求失败", zap.String("kind", kind), zap.String("script_id", gc.ScriptID), zap.Error(err))
		return nil, apperrors.NewGenerationError("剧情生成失败", err)
	}

	s.recordUsage(kind, resp)

	batch, err := ParseBatchResponse(resp.Text)
	s.metrics.GenerationFinished(kind, time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Warn("生成结果解析失败", zap.String("kind", kind), zap.Error(err))
		return nil, apperrors.NewGenerationError("剧情解析失败", err)
	}

	s.logger.Debug("生成完成",
		zap.String("kind", kind),
		zap.String("script_id", gc.ScriptID),
		zap.Int("nodes", len(batch.DialogueSequence)),
		zap.Int("choices", len(batch.Choices)),
		zap.Duration("elapsed", time.Since(start)))
	return batch, nil
}

func (s *GenerationService) recordUsage(kind string, resp *llm.CompletionResponse) {
	if s.opts.Usage != nil && resp != nil {
		s.opts.Usage.RecordUsage(kind, resp.PromptTokens+resp.OutputTokens)
	}
}

func buildSystemPrompt(gc GenerationContext) string {
	name := gc.Character.Name
	if name == "" {
		name = "女主角"
	}
	var b strings.Builder
	b.WriteString("你是一个日式视觉小说（Galgame）的引擎。\n")
	fmt.Fprintf(&b, "女主角是\"%s\"。性格：%s。外貌：%s。与玩家的关系：%s。\n",
		name, gc.Character.Personality, gc.Character.Appearance, gc.Character.Relationship)
	if gc.Setting != "" {
		fmt.Fprintf(&b, "故事背景：%s\n", gc.Setting)
	}
	if gc.PlotFramework != "" {
		fmt.Fprintf(&b, "剧情框架：%s\n", gc.PlotFramework)
	}
	fmt.Fprintf(&b, "当前好感度：%d/100，已进行 %d 回合。\n", gc.Affection, gc.Turn)
	b.WriteString(`
所有文本使用简体中文，JSON 键保持英文。输出严格的 JSON 对象：
{"narrative": "...", "background": "...", "bgm": "...",
 "dialogueSequence": [{"speaker": "...", "dialogue": "...", "expression": "..."}],
 "affectionChange": 0, "isGameOver": false,
 "choices": [{"text": "...", "sentiment": "positive|neutral|negative"}]}
`)
	fmt.Fprintf(&b, "speaker 只能是\"%s\"、\"%s\"或\"%s\"。\n", name, models.PlayerName, models.NarratorName)
	b.WriteString("可用表情：neutral, happy, sad, angry, blush, surprised, shy, fear\n")
	b.WriteString("可用 BGM：daily, happy, sad, tense, romantic, mysterious\n")
	b.WriteString("affectionChange 为 -5 到 +5 的整数；提供 2-3 个选项；故事自然结束时 isGameOver 为 true。\n")
	return b.String()
}

var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

func stripCodeFence(text string) string {
	if m := codeFence.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

// 宽松的后端输出结构
type rawChoice struct {
	Text      string `json:"text"`
	Sentiment string `json:"sentiment"`
	Value     *int   `json:"value"`
	Next      *struct {
		AffectionChange *int `json:"affectionChange"`
	} `json:"next"`
}

type rawBatch struct {
	Narrative        string                `json:"narrative"`
	Speaker          string                `json:"speaker"`
	Dialogue         string                `json:"dialogue"`
	Expression       string                `json:"expression"`
	Background       string                `json:"background"`
	Bgm              string                `json:"bgm"`
	DialogueSequence []models.DialogueNode `json:"dialogueSequence"`
	Characters       []models.DialogueNode `json:"characters"`
	AffectionChange  int                   `json:"affectionChange"`
	IsGameOver       bool                  `json:"isGameOver"`
	Choices          []rawChoice           `json:"choices"`
}

// ParseBatchResponse 解析后端文本为一幕剧情并补全默认值
func ParseBatchResponse(text string) (*models.BatchSceneData, error) {
	body := strings.TrimSpace(stripCodeFence(text))
	if body == "" {
		return nil, fmt.Errorf("空响应")
	}

	var raw rawBatch
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("JSON解析失败: %w", err)
	}

	batch := &models.BatchSceneData{
		Narrative:       raw.Narrative,
		Background:      normalizeBackground(raw.Background),
		Bgm:             normalizeBgm(raw.Bgm),
		AffectionChange: raw.AffectionChange,
		IsGameOver:      raw.IsGameOver,
		Choices:         []models.GameChoice{},
	}

	nodes := raw.DialogueSequence
	if len(nodes) == 0 {
		nodes = raw.Characters
	}
	if len(nodes) == 0 && (raw.Speaker != "" || raw.Dialogue != "") {
		nodes = []models.DialogueNode{{
			Speaker:    raw.Speaker,
			Dialogue:   raw.Dialogue,
			Expression: models.CharacterExpression(raw.Expression),
		}}
	}
	for _, n := range nodes {
		batch.DialogueSequence = append(batch.DialogueSequence, normalizeNode(n))
	}

	for _, c := range raw.Choices {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		batch.Choices = append(batch.Choices, models.GameChoice{Text: c.Text, Sentiment: deriveSentiment(c)})
	}

	if len(batch.DialogueSequence) == 0 && len(batch.Choices) == 0 && !batch.IsGameOver {
		return nil, fmt.Errorf("响应中没有对话也没有选项")
	}
	return utils.CleanBatch(batch), nil
}

func normalizeNode(n models.DialogueNode) models.DialogueNode {
	if n.Speaker == "" {
		n.Speaker = defaultSpeaker
	}
	if n.Dialogue == "" {
		n.Dialogue = defaultDialogue
	}
	n.Expression = MapExpression(string(n.Expression))
	if n.Background != "" {
		n.Background = normalizeBackground(string(n.Background))
	}
	if n.Bgm != "" {
		n.Bgm = normalizeBgm(string(n.Bgm))
	}
	return n
}

func normalizeBackground(s string) models.BackgroundType {
	bg := models.BackgroundType(strings.ToLower(strings.TrimSpace(s)))
	if backgroundSet[bg] {
		return bg
	}
	return models.BackgroundSchoolRooftop
}

func normalizeBgm(s string) models.BgmMood {
	if s == "" {
		return models.BgmDaily
	}
	return MapBgm(s)
}

func deriveSentiment(c rawChoice) models.Sentiment {
	if c.Sentiment != "" {
		return models.NormalizeSentiment(c.Sentiment)
	}
	var v *int
	switch {
	case c.Value != nil:
		v = c.Value
	case c.Next != nil && c.Next.AffectionChange != nil:
		v = c.Next.AffectionChange
	}
	switch {
	case v == nil || *v == 0:
		return models.SentimentNeutral
	case *v > 0:
		return models.SentimentPositive
	default:
		return models.SentimentNegative
	}
}
