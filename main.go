package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/any-hub/hub-mirror/internal/cache"
	"github.com/any-hub/hub-mirror/internal/cachestats"
	"github.com/any-hub/hub-mirror/internal/config"
	"github.com/any-hub/hub-mirror/internal/eviction"
	"github.com/any-hub/hub-mirror/internal/fetch"
	"github.com/any-hub/hub-mirror/internal/logging"
	"github.com/any-hub/hub-mirror/internal/proxy"
	"github.com/any-hub/hub-mirror/internal/server"
	"github.com/any-hub/hub-mirror/internal/server/routes"
	"github.com/any-hub/hub-mirror/internal/upstream"
	"github.com/any-hub/hub-mirror/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 15 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer logging.Close(logger)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["hubs"] = len(cfg.Hubs)
		fields["credentials"] = config.CredentialModes(cfg.Hubs)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("config_valid")
		return 0
	}

	svc, err := buildService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["hubs"] = len(cfg.Hubs)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Hubs)
	fields["chunk_size"] = cfg.Global.ChunkSize.String()
	fields["cache_capacity"] = cfg.Global.CacheCapacity.String()
	fields["storage_path"] = cfg.Global.StoragePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("config_loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.serve(ctx, cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("hub-mirror", pflag.ContinueOnError)
	fs.SetOutput(stdErr)

	var opts cliOptions
	fs.StringVarP(&opts.configPath, "config", "c", "", "配置文件路径（默认 ./config.toml，可被 "+config.EnvPrefix+"_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVarP(&opts.showVersion, "version", "v", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cliOptions{}, err
		}
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	if opts.configPath == "" {
		opts.configPath = os.Getenv(config.EnvPrefix + "_CONFIG")
	}
	if opts.configPath == "" {
		opts.configPath = "config.toml"
	}
	return opts, nil
}

// service 持有进程级组件，按 配置 → 缓存 → 上游客户端 → 淘汰 → 下载协调 → 代理 → HTTP 的顺序组装。
type service struct {
	app         *fiber.App
	store       cache.Store
	coordinator *fetch.Coordinator
	evictor     *eviction.Manager
	stats       *cachestats.Service
	logger      *logrus.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func buildService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	registry, err := server.NewHubRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建 Hub 注册表失败: %w", err)
	}

	store, err := cache.NewStore(cfg.Global.StoragePath, cache.Options{ChunkSize: cfg.Global.ChunkSize.Int64(), Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	policy := upstream.RetryPolicy{
		MaxAttempts:    cfg.Global.MaxRetries + 1,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		MaxBackoff:     cfg.Global.MaxBackoff.DurationValue(),
	}
	httpClient := server.NewUpstreamClient(cfg)
	counters := cachestats.NewCounters()

	fetchers := make(map[string]fetch.Fetcher, len(cfg.Hubs))
	resolvers := make(map[string]proxy.DescriptorResolver, len(cfg.Hubs))
	for _, route := range registry.List() {
		client, err := upstream.NewClient(upstream.Options{
			Hub:            route.Config.Name,
			BaseURL:        route.UpstreamURL,
			ProxyURL:       route.ProxyURL,
			Token:          route.Config.Token,
			HTTPClient:     httpClient,
			Policy:         policy,
			AttemptTimeout: cfg.Global.UpstreamTimeout.DurationValue(),
			UserAgent:      version.UserAgent(),
			Logger:         logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		fetchers[route.Config.Name] = counters.MeterFetcher(client)
		resolvers[route.Config.Name] = upstream.NewResolver(client, cfg.Global.MetadataTTL.DurationValue(), nil)
	}

	evictor := eviction.NewManager(store, cfg.Global.CacheCapacity.Int64(), logger)
	coordinator, err := fetch.NewCoordinator(fetch.Options{
		Store:          store,
		Fetchers:       fetchers,
		Policy:         policy,
		TaskTimeout:    cfg.Global.FetchTimeout.DurationValue(),
		OnChunkWritten: evictor.Notify,
		Logger:         logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	handler, err := proxy.NewHandler(proxy.Options{
		Store:           store,
		Coordinator:     coordinator,
		Resolvers:       resolvers,
		Client:          httpClient,
		OfflineFallback: cfg.Global.OfflineFallback,
		Counters:        counters,
		Logger:          logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
		Observer:   counters,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	stats := cachestats.NewService(cachestats.Options{
		Store:       store,
		Counters:    counters,
		StoragePath: cfg.Global.StoragePath,
		Capacity:    cfg.Global.CacheCapacity.Int64(),
		ActiveTasks: coordinator.ActiveTasks,
	})
	routes.RegisterCacheRoutes(app, stats)
	routes.RegisterHubRoutes(app, registry)

	ctx, cancel := context.WithCancel(context.Background())
	svc := &service{
		app:         app,
		store:       store,
		coordinator: coordinator,
		evictor:     evictor,
		stats:       stats,
		logger:      logger,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go func() {
		defer close(svc.done)
		evictor.Run(ctx)
	}()
	// 启动时缓存可能已超出新配置的容量。
	evictor.Notify()
	return svc, nil
}

// serve 监听端口直到 ctx 结束，然后优雅关闭 HTTP 服务与缓存。
func (s *service) serve(ctx context.Context, port int) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("server_listening")
		errCh <- s.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	var listenErr error
	select {
	case listenErr = <-errCh:
	case <-ctx.Done():
		s.logger.WithField("action", "shutdown").Info("shutdown_requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			s.logger.WithError(err).WithField("action", "shutdown").Warn("shutdown_incomplete")
		}
		cancel()
	}
	return errors.Join(listenErr, s.close())
}

// close 停止淘汰循环并关闭缓存索引，可重复调用。
func (s *service) close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	// 下载任务仍持有 Store 引用，必须先于 Store 关闭。
	s.coordinator.Close()
	return s.store.Close()
}
