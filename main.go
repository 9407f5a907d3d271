package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/fetcher"
	"github.com/any-hub/any-fetch/internal/httpbase"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/metrics"
	"github.com/any-hub/any-fetch/internal/server"
	"github.com/any-hub/any-fetch/internal/server/routes"
	"github.com/any-hub/any-fetch/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool

	// fetchURL 非空时只执行一次抓取，正文写到 stdout。
	fetchURL  string
	fetchMode string
	insecure  bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// CLI 的 -cache 取值与 load flags 对应关系。
var cliLoadFlags = map[string]httpbase.LoadFlags{
	"normal":   httpbase.LoadNormal,
	"validate": httpbase.LoadValidateCache,
	"bypass":   httpbase.LoadBypassCache,
	"prefer":   httpbase.LoadPreferringCache,
	"only":     httpbase.LoadOnlyFromCache,
	"disable":  httpbase.LoadDisableCache,
}

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

func runMode(opts cliOptions) logging.RunMode {
	switch {
	case opts.checkOnly:
		return logging.ModeCheck
	case opts.fetchURL != "":
		return logging.ModeFetch
	default:
		return logging.ModeServe
	}
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

	logger, err := logging.InitLogger(cfg.Global, runMode(opts))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_backend"] = cfg.Global.CacheBackend
		fields["cache_mode"] = cfg.Global.CacheMode
		fields["credentials"] = config.CredentialModes(cfg.Credentials)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为 “配置 → 指标 → 存储/网络/缓存栈 → Fetcher → Fiber server”，
	// 所有请求共享同一个缓存协调器与连接池。
	reg := metrics.NewRegistry()
	collector := metrics.NewCollector(reg)

	stack, err := fetcher.BuildStack(cfg, logger, collector)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存栈失败: %v\n", err)
		return 1
	}
	defer stack.Close()

	f, err := fetcher.New(fetcher.Options{
		Factory:     stack.Cache,
		Credentials: cfg,
		Logger:      logger,
		UserAgent:   cfg.Global.UserAgent,
		Timeout:     cfg.Global.FetchTimeout.DurationValue(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 Fetcher 失败: %v\n", err)
		return 1
	}

	if opts.fetchURL != "" {
		return runFetch(f, opts)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_backend"] = cfg.Global.CacheBackend
	fields["cache_mode"] = stack.Cache.Mode().String()
	fields["credentials"] = config.CredentialModes(cfg.Credentials)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, stack, f, metrics.Handler(reg), logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// runFetch 执行单次抓取：状态行写到 stderr，正文写到 stdout。
func runFetch(f *fetcher.Fetcher, opts cliOptions) int {
	flags, ok := cliLoadFlags[opts.fetchMode]
	if !ok {
		fmt.Fprintf(stdErr, "未知的 -cache 取值: %s\n", opts.fetchMode)
		return 2
	}

	resp, err := f.Fetch(context.Background(), fetcher.Request{
		URL:              opts.fetchURL,
		LoadFlags:        flags,
		IgnoreCertErrors: opts.insecure,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "抓取失败: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.Info != nil && resp.Info.Headers != nil {
		fmt.Fprintf(stdErr, "%s (cached=%t)\n", resp.Info.Headers.StatusLine(), resp.Info.WasCached)
	}
	if _, err := io.Copy(stdOut, resp.Body); err != nil {
		fmt.Fprintf(stdErr, "读取正文失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("any-fetch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		fetchURL   string
		fetchMode  string
		insecure   bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ANY_FETCH_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&fetchURL, "fetch", "", "抓取指定 URL 后退出")
	fs.StringVar(&fetchMode, "cache", "normal", "抓取时的缓存策略: normal|validate|bypass|prefer|only|disable")
	fs.BoolVar(&insecure, "insecure", false, "抓取时忽略证书错误")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ANY_FETCH_CONFIG")
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
		fetchURL:    strings.TrimSpace(fetchURL),
		fetchMode:   strings.ToLower(strings.TrimSpace(fetchMode)),
		insecure:    insecure,
	}, nil
}

func startHTTPServer(cfg *config.Config, stack *fetcher.Stack, f *fetcher.Fetcher, metricsHandler http.Handler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Fetcher:    f,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterCacheRoutes(app, stack.Cache, metricsHandler)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
