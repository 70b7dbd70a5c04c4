package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/config"
	"github.com/any-hub/image-hub/internal/imaging"
	"github.com/any-hub/image-hub/internal/logging"
	"github.com/any-hub/image-hub/internal/memcache"
	"github.com/any-hub/image-hub/internal/pipeline"
	"github.com/any-hub/image-hub/internal/server"
	"github.com/any-hub/image-hub/internal/server/routes"
	"github.com/any-hub/image-hub/internal/upstream"
	"github.com/any-hub/image-hub/internal/version"
)

// imageWaitSlack 是 /images 在 FetchTimeout 之外额外等待磁盘读与解码的时间。
const imageWaitSlack = 5 * time.Second

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

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
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

	if opts.checkOnly {
		fields := configSummary(cfg, opts.configPath, "check_config")
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 磁盘缓存 → 内存层 → 回源客户端 → 流水线 → Fiber server，
	// 整个进程共享同一份缓存与流水线实例。
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化图片流水线失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	fields := configSummary(cfg, opts.configPath, "startup")
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// appRuntime 持有进程级共享组件，Close 按依赖逆序释放。
type appRuntime struct {
	coordinator *pipeline.Coordinator
	dispatcher  *pipeline.SerialDispatcher
}

func newRuntime(cfg *config.Config, logger *logrus.Logger) (*appRuntime, error) {
	g := cfg.Global

	store, err := cache.NewStore(g.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	memory := memcache.New(memcache.Options{
		MaxEntries: g.MemoryCacheEntries,
		MaxBytes:   g.MemoryCacheSize.Int64(),
	})

	userAgent := g.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	client := upstream.NewClient(upstream.Options{
		Timeout:      g.FetchTimeout.DurationValue(),
		MaxBodyBytes: g.MaxBodySize.Int64(),
		UserAgent:    userAgent,
	})

	dispatcher := pipeline.NewSerialDispatcher(g.DispatchBuffer, logger)
	coordinator, err := pipeline.New(pipeline.Options{
		Store:       store,
		Memory:      memory,
		Fetcher:     client,
		Dispatcher:  dispatcher,
		Decoder:     imaging.NewDecoder(g.MaxImagePixels),
		Logger:      logger,
		DiskWorkers: int64(g.DiskWorkers),
	})
	if err != nil {
		dispatcher.Stop()
		return nil, err
	}

	return &appRuntime{coordinator: coordinator, dispatcher: dispatcher}, nil
}

// Close 先等待流水线后台任务（含磁盘写入）结束，再排空回调队列。
func (r *appRuntime) Close() {
	r.coordinator.Close()
	r.dispatcher.Stop()
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

func configSummary(cfg *config.Config, configPath, action string) logrus.Fields {
	g := cfg.Global
	fields := logging.BaseFields(action, configPath)
	fields["listen_port"] = g.ListenPort
	fields["storage_path"] = g.StoragePath
	fields["fetch_timeout"] = g.FetchTimeout.DurationValue().String()
	fields["max_body_size"] = g.MaxBodySize.String()
	fields["max_image_pixels"] = g.MaxImagePixels
	fields["memory_cache_entries"] = g.MemoryCacheEntries
	fields["memory_cache_size"] = g.MemoryCacheSize.String()
	fields["disk_workers"] = g.DiskWorkers
	return fields
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("image-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMAGE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("IMAGE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// newHTTPApp 组装 Fiber 应用：图片入口 + /-/cache + /-/version。
func newHTTPApp(cfg *config.Config, rt *appRuntime, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Images:     routes.NewImageHandler(rt.coordinator, logger, cfg.Global.FetchTimeout.DurationValue()+imageWaitSlack),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterCacheRoutes(app, rt.coordinator)
	routes.RegisterVersionRoutes(app)
	return app, nil
}

func startHTTPServer(cfg *config.Config, rt *appRuntime, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := newHTTPApp(cfg, rt, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务停止")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
