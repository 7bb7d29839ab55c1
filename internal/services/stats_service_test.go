package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/GalNovelEngine/internal/llm"
	"github.com/Corphon/GalNovelEngine/internal/storage"
)

type usageProvider struct {
	stubProvider
	tokens int
}

func (p *usageProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.stubProvider.CompleteText(ctx, req)
	if resp != nil {
		resp.PromptTokens = p.tokens
		resp.OutputTokens = p.tokens
	}
	return resp, err
}

func TestStatsRecordsGenerationUsage(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemoryStore()
	stats := NewStatsService(store, clock.Now, nil)

	p := &usageProvider{stubProvider: stubProvider{reply: "第一幕：相遇"}, tokens: 10}
	svc := NewGenerationService(p, GenerationOptions{Usage: stats})

	_, err := svc.GeneratePlotOutline(ctx, "写一个框架")
	require.NoError(t, err)

	// 失败的请求不计入
	p.err = errors.New("503")
	_, _ = svc.GeneratePlotOutline(ctx, "写一个框架")

	got := stats.GetUsageStats(ctx)
	assert.Equal(t, 1, got.TodayRequests)
	assert.Equal(t, 20, got.MonthlyTokens)
	assert.Equal(t, 1, got.ByKind[genKindPlot])
}

func TestStatsFlushAndReload(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemoryStore()

	stats := NewStatsService(store, clock.Now, nil)
	stats.RecordUsage(genKindAct, 100)
	stats.RecordUsage(genKindBranch, 50)
	require.NoError(t, stats.Flush(ctx))

	reloaded := NewStatsService(store, clock.Now, nil)
	reloaded.RecordUsage(genKindBranch, 5)
	got := reloaded.GetUsageStats(ctx)
	assert.Equal(t, 3, got.TodayRequests)
	assert.Equal(t, 155, got.MonthlyTokens)
	assert.Equal(t, 2, got.ByKind[genKindBranch])

	// 跨日后今日计数归零，月度累计保留
	clock.Advance(24 * time.Hour)
	got = reloaded.GetUsageStats(ctx)
	assert.Zero(t, got.TodayRequests)
	assert.Equal(t, 155, got.MonthlyTokens)

	require.NoError(t, reloaded.ResetStats(ctx))
	got = reloaded.GetUsageStats(ctx)
	assert.Zero(t, got.MonthlyTokens)
	_, ok, err := store.Get(ctx, UsageStatsKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatsFlushWithoutChangesIsNoop(t *testing.T) {
	store := storage.NewMemoryStore()
	stats := NewStatsService(store, nil, nil)
	require.NoError(t, stats.Flush(context.Background()))
	_, ok, _ := store.Get(context.Background(), UsageStatsKey)
	assert.False(t, ok)
}
