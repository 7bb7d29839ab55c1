// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Corphon/GalNovelEngine/internal/api"
	"github.com/Corphon/GalNovelEngine/internal/config"
	"github.com/Corphon/GalNovelEngine/internal/di"
	"github.com/Corphon/GalNovelEngine/internal/llm"
	"github.com/Corphon/GalNovelEngine/internal/services"
	"github.com/Corphon/GalNovelEngine/internal/storage"
	"github.com/Corphon/GalNovelEngine/internal/utils"

	// 注册生成后端
	_ "github.com/Corphon/GalNovelEngine/internal/llm/providers/anthropic"
	_ "github.com/Corphon/GalNovelEngine/internal/llm/providers/openai"
)

const (
	sessionIdleTimeout = 2 * time.Hour
	taskRetention      = 30 * time.Minute
	janitorInterval    = 5 * time.Minute
	scriptCacheSize    = 32
)

// 启动自检要求存在的服务
var criticalServices = []string{"store", "stats", "generator", "cache", "preload", "saves", "records", "library", "scripts", "sessions"}

// server 可替换的 HTTP 服务器
type server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 进程级组装：配置、日志、存储、服务与 HTTP 服务器
type App struct {
	config    *config.Config
	logger    *zap.Logger
	metrics   *utils.EngineMetrics
	container *di.Container
	handler   *api.Handler
	router    http.Handler
	server    server

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan os.Signal
}

// Options 组装时可替换的部件，零值使用配置创建
type Options struct {
	Logger   *zap.Logger
	Store    storage.KVStore
	Provider llm.Provider
	Now      func() time.Time
}

// New 按配置组装全部服务
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("配置为空")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := createDirectories(cfg); err != nil {
		return nil, err
	}
	if err := config.InitConfig(cfg); err != nil {
		return nil, fmt.Errorf("初始化配置系统失败: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = utils.InitLogger(utils.LogConfig{
			Level:    cfg.LogLevel,
			Encoding: cfg.LogFormat,
			LogDir:   cfg.LogDir,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化日志系统失败: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &App{
		config:    cfg,
		logger:    logger,
		metrics:   utils.NewEngineMetrics(),
		container: di.NewContainer(),
		ctx:       ctx,
		cancel:    cancel,
		stopChan:  make(chan os.Signal, 1),
	}

	if err := a.initServices(opts); err != nil {
		_ = a.container.Close(context.Background())
		cancel()
		return nil, err
	}
	if missing := a.container.Missing(criticalServices...); len(missing) > 0 {
		_ = a.container.Close(context.Background())
		cancel()
		return nil, fmt.Errorf("关键服务未注册: %v", missing)
	}

	a.handler = api.NewHandler(api.Services{
		Sessions:    di.MustResolve[*services.SessionManager](a.container, "sessions"),
		Library:     di.MustResolve[*services.ScriptLibraryService](a.container, "library"),
		Scripts:     di.MustResolve[*services.ScriptLoader](a.container, "scripts"),
		Saves:       di.MustResolve[*services.SaveService](a.container, "saves"),
		Records:     di.MustResolve[*services.GameRecordService](a.container, "records"),
		Cache:       di.MustResolve[*services.BranchCacheService](a.container, "cache"),
		Preload:     di.MustResolve[*services.PreloadService](a.container, "preload"),
		Stats:       di.MustResolve[*services.StatsService](a.container, "stats"),
		Metrics:     a.metrics,
		Logger:      logger,
		BaseContext: ctx,
	})
	a.router = api.SetupRouter(a.handler, api.RouterOptions{
		DebugMode:           cfg.DebugMode,
		GenerationRateLimit: cfg.GenerationRateLimit,
	})
	a.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	// 最后关闭：先断开 websocket，再关闭会话
	a.container.OnClose("websocket", func(context.Context) error {
		a.handler.Hub().CloseAll()
		return nil
	})

	logger.Info("服务初始化完成", zap.Strings("services", a.container.Names()))
	return a, nil
}

// initServices 按依赖顺序创建服务，并注册关闭钩子
func (a *App) initServices(opts Options) error {
	cfg := a.config
	c := a.container

	// 存储
	store := opts.Store
	if store == nil {
		var err error
		store, err = storage.NewStore(a.ctx, storage.Options{
			Backend:        storage.Backend(cfg.StorageBackend),
			DataDir:        cfg.DataDir,
			SQLitePath:     cfg.SQLitePath,
			RedisAddr:      cfg.RedisAddr,
			RedisPassword:  cfg.RedisPassword,
			RedisDB:        cfg.RedisDB,
			RedisKeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("初始化存储失败: %w", err)
		}
	}
	c.Register("store", store)
	c.OnClose("store", func(context.Context) error { return store.Close() })

	stats := services.NewStatsService(store, opts.Now, a.logger)
	c.Register("stats", stats)
	c.OnClose("stats", stats.Flush)

	// 生成后端
	provider := opts.Provider
	if provider == nil {
		provider = a.newProvider()
	}
	generator := services.NewGenerationService(provider, services.GenerationOptions{
		Timeout: cfg.LLMTimeout,
		Logger:  a.logger,
		Metrics: a.metrics,
		Usage:   stats,
	})
	c.Register("generator", generator)
	speech := services.NewProviderSpeech(provider, cfg.VoiceName, 0, a.logger)
	c.Register("speech", speech)

	// 分支缓存与预加载
	cache, err := services.NewBranchCacheService(a.ctx, store, services.BranchCacheOptions{
		TTL:     cfg.CacheTTL,
		Now:     opts.Now,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return fmt.Errorf("初始化分支缓存失败: %w", err)
	}
	c.Register("cache", cache)

	preload := services.NewPreloadService(cache, generator, services.PreloadOptions{
		BranchDelay:       cfg.PreloadBranchDelay,
		WarmupBranchDelay: cfg.PreloadWarmupBranchDelay,
		WarmupDelay:       cfg.PreloadWarmupDelay,
		WarmupScriptID:    cfg.WarmupScriptID,
		Progress:          services.NewProgressService(),
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
	c.Register("preload", preload)
	c.OnClose("preload", func(ctx context.Context) error {
		return waitWithContext(ctx, preload.Wait)
	})

	// 存档、记录与剧本
	saves := services.NewSaveService(store, opts.Now, a.logger, a.metrics)
	c.Register("saves", saves)
	records := services.NewGameRecordService(store, opts.Now, a.logger, a.metrics)
	c.Register("records", records)
	library := services.NewScriptLibraryService(store, generator, opts.Now, a.logger)
	c.Register("library", library)
	scripts := services.NewScriptLoader(cfg.ScriptDir, storage.NewScriptFileCache(scriptCacheSize), a.logger)
	c.Register("scripts", scripts)

	if cfg.WarmupEnabled {
		stop := preload.StartWarmup(a.ctx, library.Lookup)
		c.OnClose("warmup", func(context.Context) error {
			stop()
			return nil
		})
	}

	// 会话
	sessions := services.NewSessionManager(services.SessionDeps{
		Generator: generator,
		Cache:     cache,
		Scripts:   scripts,
		Templates: library.Lookup,
		Saves:     saves,
		Records:   records,
		Speech:    speech,
		Logger:    a.logger,
		Metrics:   a.metrics,
		Now:       opts.Now,
	})
	c.Register("sessions", sessions)
	c.OnClose("sessions", func(context.Context) error {
		sessions.CloseAll()
		return nil
	})

	go a.janitor(sessions, preload.Progress(), stats)
	return nil
}

// newProvider 按运行时配置创建生成后端；失败时服务仍启动，生成请求返回错误
func (a *App) newProvider() llm.Provider {
	current := config.GetCurrentConfig()
	provider, err := llm.GetProvider(current.LLMProvider, current.LLMConfig)
	if err != nil {
		a.logger.Warn("生成后端不可用，仅支持剧本模式",
			zap.String("provider", current.LLMProvider), zap.Error(err))
		return llm.Unavailable(current.LLMProvider, err)
	}
	a.logger.Info("生成后端已就绪", zap.String("provider", provider.GetName()))
	return provider
}

// janitor 定期清理空闲会话和已结束的预加载任务，并落盘用量统计
func (a *App) janitor(sessions *services.SessionManager, progress *services.ProgressService, stats *services.StatsService) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.CleanupIdle(sessionIdleTimeout); n > 0 {
				a.logger.Info("已清理空闲会话", zap.Int("count", n))
			}
			progress.CleanupCompletedTasks(taskRetention)
			if err := stats.Flush(a.ctx); err != nil {
				a.logger.Warn("保存用量统计失败", zap.Error(err))
			}
		}
	}
}

// Run 启动 HTTP 服务，收到信号或服务出错后优雅关闭
func (a *App) Run() error {
	signal.Notify(a.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(a.stopChan)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("服务器启动", zap.String("addr", a.config.Addr()))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case sig := <-a.stopChan:
		a.logger.Info("收到停止信号", zap.String("signal", sig.String()))
	case err := <-errCh:
		runErr = fmt.Errorf("启动服务器失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop 请求 Run 返回
func (a *App) Stop() {
	select {
	case a.stopChan <- syscall.SIGTERM:
	default:
	}
}

// Shutdown 停止接收请求，取消后台任务，并逆序关闭服务
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("正在关闭服务器...")
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("关闭HTTP服务失败: %w", err))
	}
	a.cancel()
	if err := a.container.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Sync()
	if len(errs) == 0 {
		a.logger.Info("服务器已优雅关闭")
	}
	return errors.Join(errs...)
}

// Router 供测试直接发请求
func (a *App) Router() http.Handler { return a.router }

// Container 已注册的服务
func (a *App) Container() *di.Container { return a.container }

// Config 启动配置
func (a *App) Config() *config.Config { return a.config }

// IsDebugMode 是否调试模式
func (a *App) IsDebugMode() bool {
	return a != nil && a.config != nil && a.config.DebugMode
}

// createDirectories 创建数据、日志与剧本目录
func createDirectories(cfg *config.Config) error {
	dirs := []string{cfg.DataDir, cfg.ScriptDir}
	if cfg.LogDir != "" {
		dirs = append(dirs, cfg.LogDir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录失败 %s: %w", dir, err)
		}
	}
	return nil
}

// waitWithContext 等待 wait 返回，或 ctx 结束
func waitWithContext(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
