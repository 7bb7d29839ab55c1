package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Corphon/GalNovelEngine/internal/models"
)

// fakeClock 手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGenerator 记录调用次数，可按选项注入失败或阻塞
type fakeGenerator struct {
	mu            sync.Mutex
	initialCalls  int
	branchCalls   []string
	plotCalls     int
	choices       []models.GameChoice
	failBranches  map[string]bool
	failInitial   bool
	block         chan struct{}
	started       chan struct{}
	lastContext   GenerationContext
	plotOutline   string
	initialLength int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		choices: []models.GameChoice{
			{Text: "递上便当", Sentiment: models.SentimentPositive},
			{Text: "保持沉默", Sentiment: models.SentimentNeutral},
			{Text: "转身离开", Sentiment: models.SentimentNegative},
		},
		failBranches:  map[string]bool{},
		initialLength: 3,
		plotOutline:   "第一幕：相遇。第二幕：误会。第三幕：和解。",
	}
}

func (g *fakeGenerator) wait(ctx context.Context) error {
	g.mu.Lock()
	block, started := g.block, g.started
	g.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *fakeGenerator) GenerateInitialBatch(ctx context.Context, gc GenerationContext) (*models.BatchSceneData, error) {
	g.mu.Lock()
	g.initialCalls++
	g.lastContext = gc
	fail := g.failInitial
	n := g.initialLength
	g.mu.Unlock()

	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	if fail {
		return nil, errors.New("backend unavailable")
	}
	return sampleBatch("开场", n, g.choices), nil
}

func (g *fakeGenerator) GenerateBranch(ctx context.Context, gc GenerationContext, choiceText string, sentiment models.Sentiment) (*models.BatchSceneData, error) {
	g.mu.Lock()
	g.branchCalls = append(g.branchCalls, choiceText)
	g.lastContext = gc
	fail := g.failBranches[choiceText]
	g.mu.Unlock()

	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	if fail {
		return nil, fmt.Errorf("branch %q failed", choiceText)
	}
	batch := sampleBatch("分支:"+choiceText, 2, nil)
	batch.AffectionChange = 5
	batch.IsGameOver = true
	return batch, nil
}

func (g *fakeGenerator) GeneratePlotOutline(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.plotCalls++
	g.mu.Unlock()
	return g.plotOutline, nil
}

func (g *fakeGenerator) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initialCalls, len(g.branchCalls)
}

func sampleBatch(label string, n int, choices []models.GameChoice) *models.BatchSceneData {
	batch := &models.BatchSceneData{
		Narrative:  label + "的旁白",
		Background: models.BackgroundSchoolRooftop,
		Bgm:        models.BgmDaily,
		Choices:    append([]models.GameChoice{}, choices...),
	}
	for i := 0; i < n; i++ {
		batch.DialogueSequence = append(batch.DialogueSequence, models.DialogueNode{
			Speaker:    "雯曦",
			Dialogue:   fmt.Sprintf("%s 第%d句", label, i+1),
			Expression: models.ExpressionNeutral,
		})
	}
	return batch
}

func sampleTemplate(id string) models.ScriptTemplate {
	return models.ScriptTemplate{
		ID:            id,
		Name:          "傲娇青梅",
		PlotFramework: "青梅竹马的日常",
		Character:     models.CharacterConfig{Name: "雯曦", Personality: "傲娇"},
		Setting:       "现代校园",
	}
}
