package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/GalNovelEngine/internal/errors"
	"github.com/Corphon/GalNovelEngine/internal/models"
	"github.com/Corphon/GalNovelEngine/internal/storage"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestPreload(t *testing.T, gen *fakeGenerator) (*PreloadService, *BranchCacheService, *sleepRecorder) {
	t.Helper()
	cache := newTestCache(t, storage.NewMemoryStore(), newFakeClock())
	rec := &sleepRecorder{}
	svc := NewPreloadService(cache, gen, PreloadOptions{
		WarmupDelay: 10 * time.Millisecond,
		Sleep:       rec.Sleep,
	})
	return svc, cache, rec
}

func TestPreloadCachesActAndAllBranches(t *testing.T) {
	ctx := context.Background()
	gen := newFakeGenerator()
	svc, cache, rec := newTestPreload(t, gen)

	var progress []int
	res, err := svc.Preload(ctx, sampleTemplate("preset_tsundere"), func(_ string, p int) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	assert.Equal(t, PreloadCompleted, res.Status)
	assert.Equal(t, 3, res.BranchesTotal)
	assert.Equal(t, 3, res.BranchesCached)
	assert.True(t, cache.IsFullyCached(ctx, "preset_tsundere"))
	assert.Equal(t, []int{10, 40, 40, 58, 76, 100}, progress)
	assert.Equal(t, []time.Duration{800 * time.Millisecond, 800 * time.Millisecond}, rec.delays)
	assert.False(t, svc.IsRunning())

	tracker, ok := svc.Progress().GetTracker(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, TaskCompleted, tracker.Snapshot().Status)

	// 再次预加载不产生任何生成调用
	res, err = svc.Preload(ctx, sampleTemplate("preset_tsundere"), nil)
	require.NoError(t, err)
	assert.True(t, res.ActFromCache)
	assert.Equal(t, 3, res.BranchesSkipped)
	initial, branches := gen.counts()
	assert.Equal(t, 1, initial)
	assert.Equal(t, 3, branches)
}

func TestPreloadKeysBranchesByCleanedChoice(t *testing.T) {
	ctx := context.Background()
	gen := newFakeGenerator()
	gen.choices = []models.GameChoice{{Text: "放后一起回学校", Sentiment: models.SentimentPositive}}
	svc, cache, _ := newTestPreload(t, gen)

	_, err := svc.Preload(ctx, sampleTemplate("preset_tsundere"), nil)
	require.NoError(t, err)

	act, ok := cache.Get(ctx, "preset_tsundere")
	require.True(t, ok)
	require.Len(t, act.Choices, 1)
	assert.Equal(t, "放学后一起回到学校", act.Choices[0].Text)
	assert.True(t, cache.HasBranch(ctx, "preset_tsundere", act.Choices[0].Text))
	assert.True(t, cache.IsFullyCached(ctx, "preset_tsundere"))
}

func TestPreloadSingleJobGuard(t *testing.T) {
	ctx := context.Background()
	gen := newFakeGenerator()
	gen.block = make(chan struct{})
	gen.started = make(chan struct{}, 1)
	svc, _, _ := newTestPreload(t, gen)

	done := make(chan PreloadResult)
	go func() {
		res, _ := svc.Preload(ctx, sampleTemplate("preset_tsundere"), nil)
		done <- res
	}()

	<-gen.started
	assert.True(t, svc.IsRunning())

	res, err := svc.Preload(ctx, sampleTemplate("preset_princess"), nil)
	require.NoError(t, err)
	assert.Equal(t, PreloadAlreadyRunning, res.Status)
	_, ok := svc.PreloadAsync(ctx, sampleTemplate("preset_princess"))
	assert.False(t, ok)

	initial, branches := gen.counts()
	assert.Equal(t, 1, initial)
	assert.Equal(t, 0, branches)

	close(gen.block)
	first := <-done
	assert.Equal(t, PreloadCompleted, first.Status)
	assert.False(t, svc.IsRunning())

	res, err = svc.Preload(ctx, sampleTemplate("preset_princess"), nil)
	require.NoError(t, err)
	assert.Equal(t, PreloadCompleted, res.Status)
}

func TestPreloadBranchFailureIsSkipped(t *testing.T) {
	ctx := context.Background()
	gen := newFakeGenerator()
	gen.failBranches["保持沉默"] = true
	svc, cache, _ := newTestPreload(t, gen)

	res, err := svc.Preload(ctx, sampleTemplate("preset_tsundere"), nil)
	require.NoError(t, err)
	assert.Equal(t, PreloadCompleted, res.Status)
	assert.Equal(t, 2, res.BranchesCached)
	assert.Equal(t, 1, res.BranchesFailed)
	assert.True(t, cache.HasBranch(ctx, "preset_tsundere", "转身离开"))
	assert.False(t, cache.IsFullyCached(ctx, "preset_tsundere"))

	gen.failBranches = map[string]bool{}
	res, err = svc.Preload(ctx, sampleTemplate("preset_tsundere"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BranchesCached)
	assert.Equal(t, 2, res.BranchesSkipped)
	assert.True(t, cache.IsFullyCached(ctx, "preset_tsundere"))
}

func TestPreloadActFailureReleasesGuard(t *testing.T) {
	ctx := context.Background()
	gen := newFakeGenerator()
	gen.failInitial = true
	svc, _, _ := newTestPreload(t, gen)

	res, err := svc.Preload(ctx, sampleTemplate("preset_tsundere"), nil)
	assert.Error(t, err)
	assert.Equal(t, PreloadFailed, res.Status)
	assert.False(t, svc.IsRunning())

	tracker, ok := svc.Progress().GetTracker(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, TaskFailed, tracker.Snapshot().Status)
	assert.Equal(t, 10, tracker.Snapshot().Progress)

	gen.failInitial = false
	res, err = svc.Preload(ctx, sampleTemplate("preset_tsundere"), nil)
	require.NoError(t, err)
	assert.Equal(t, PreloadCompleted, res.Status)
}

func TestPreloadPanicReleasesGuard(t *testing.T) {
	svc, _, _ := newTestPreload(t, newFakeGenerator())
	svc.generator = panicGenerator{}

	res, err := svc.Preload(context.Background(), sampleTemplate("preset_tsundere"), nil)
	assert.Error(t, err)
	assert.Equal(t, PreloadFailed, res.Status)
	assert.False(t, svc.IsRunning())
}

type panicGenerator struct{ NarrativeGenerator }

func (panicGenerator) GenerateInitialBatch(context.Context, GenerationContext) (*models.BatchSceneData, error) {
	panic("boom")
}

func TestPreloadNoChoices(t *testing.T) {
	gen := newFakeGenerator()
	gen.choices = nil
	svc, _, rec := newTestPreload(t, gen)

	var last int
	res, err := svc.Preload(context.Background(), sampleTemplate("s"), func(_ string, p int) { last = p })
	require.NoError(t, err)
	assert.Equal(t, PreloadCompleted, res.Status)
	assert.Equal(t, 100, last)
	assert.Empty(t, rec.delays)
}

func TestPreloadCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := newFakeGenerator()
	svc, _, _ := newTestPreload(t, gen)

	res, err := svc.Preload(ctx, sampleTemplate("s"), nil)
	assert.Error(t, err)
	assert.Contains(t, []PreloadStatus{PreloadCancelled, PreloadFailed}, res.Status)
	assert.False(t, svc.IsRunning())
}

func TestPreloadAsync(t *testing.T) {
	gen := newFakeGenerator()
	svc, cache, _ := newTestPreload(t, gen)

	taskID, ok := svc.PreloadAsync(context.Background(), sampleTemplate("preset_courtesan"))
	require.True(t, ok)
	tracker, found := svc.Progress().GetTracker(taskID)
	require.True(t, found)

	svc.Wait()
	<-tracker.Done()
	assert.Equal(t, TaskCompleted, tracker.Snapshot().Status)
	assert.True(t, cache.IsFullyCached(context.Background(), "preset_courtesan"))
	assert.False(t, svc.IsRunning())
}

func TestWarmup(t *testing.T) {
	gen := newFakeGenerator()
	svc, cache, rec := newTestPreload(t, gen)

	lookup := func(_ context.Context, id string) (models.ScriptTemplate, bool) {
		return sampleTemplate(id), true
	}
	stop := svc.StartWarmup(context.Background(), lookup)
	defer stop()
	svc.Wait()

	assert.True(t, cache.IsFullyCached(context.Background(), "preset_tsundere"))
	require.NotEmpty(t, rec.delays)
	assert.Equal(t, time.Second, rec.delays[0])
}

func TestWarmupStoppedBeforeFiring(t *testing.T) {
	gen := newFakeGenerator()
	cache := newTestCache(t, storage.NewMemoryStore(), newFakeClock())
	svc := NewPreloadService(cache, gen, PreloadOptions{WarmupDelay: time.Hour})

	stop := svc.StartWarmup(context.Background(), func(context.Context, string) (models.ScriptTemplate, bool) {
		return sampleTemplate("preset_tsundere"), true
	})
	stop()
	svc.Wait()

	initial, _ := gen.counts()
	assert.Equal(t, 0, initial)
}

func TestPreloadGenerationErrorType(t *testing.T) {
	cache := newTestCache(t, storage.NewMemoryStore(), newFakeClock())
	svc := NewPreloadService(cache, NewGenerationService(&stubProvider{reply: "???"}, GenerationOptions{}), PreloadOptions{})
	_, err := svc.Preload(context.Background(), sampleTemplate("s"), nil)
	assert.True(t, apperrors.IsGenerationError(err))
}
