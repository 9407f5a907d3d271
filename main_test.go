package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/any-hub/any-fetch/internal/logging"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("ANY_FETCH_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}
	if opts.fetchMode != "normal" {
		t.Fatalf("-cache 默认值应为 normal，得到 %s", opts.fetchMode)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml", "-fetch", " http://example.com/ ", "-cache", "Only"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
	if opts.fetchURL != "http://example.com/" || opts.fetchMode != "only" {
		t.Fatalf("fetch 参数解析错误: %+v", opts)
	}
}

func TestParseCLIFlagsRejectsUnknownFlag(t *testing.T) {
	if _, err := parseCLIFlags([]string{"-bogus"}); err == nil {
		t.Fatalf("未知参数应报错")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	out, _ := useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(out.String(), "any-fetch") {
		t.Fatalf("version 输出应包含 any-fetch 标识")
	}
}

func TestRunFetchMode(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=600")
		fmt.Fprint(w, "from origin")
	}))
	defer origin.Close()

	dir := t.TempDir()
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"
CacheBackend = "disk"
StoragePath = "%s"
`, filepath.Join(dir, "storage")))

	out, errOut := useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, fetchURL: origin.URL + "/x", fetchMode: "normal"})
	if code != 0 {
		t.Fatalf("抓取应成功，得到 %d: %s", code, errOut.String())
	}
	if out.String() != "from origin" {
		t.Fatalf("正文应写到 stdout，得到 %q", out.String())
	}
	if !strings.Contains(errOut.String(), "200") {
		t.Fatalf("状态行应写到 stderr: %s", errOut.String())
	}

	// 新进程（新的栈）从磁盘缓存回放。
	out, errOut = useBufferWriters(t)
	code = run(cliOptions{configPath: configPath, fetchURL: origin.URL + "/x", fetchMode: "only"})
	if code != 0 {
		t.Fatalf("only-from-cache 应命中磁盘缓存，得到 %d: %s", code, errOut.String())
	}
	if out.String() != "from origin" || !strings.Contains(errOut.String(), "cached=true") {
		t.Fatalf("应从缓存返回: %q %q", out.String(), errOut.String())
	}
	if hits.Load() != 1 {
		t.Fatalf("源站只应被访问一次，实际 %d", hits.Load())
	}
}

func TestRunFetchModeRejectsUnknownCacheFlag(t *testing.T) {
	configPath := writeConfigFile(t, `
LogLevel = "error"
CacheBackend = "memory"
`)
	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, fetchURL: "http://example.com/", fetchMode: "sometimes"}); code != 2 {
		t.Fatalf("未知 -cache 取值应返回 2，得到 %d", code)
	}
}

func TestRunFetchModeCacheMiss(t *testing.T) {
	configPath := writeConfigFile(t, `
LogLevel = "error"
CacheBackend = "memory"
`)
	_, errOut := useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, fetchURL: "http://example.invalid/", fetchMode: "only"}); code != 1 {
		t.Fatalf("缓存未命中应返回 1，得到 %d", code)
	}
	if !strings.Contains(errOut.String(), "CACHE_MISS") && !strings.Contains(errOut.String(), "cache") {
		t.Fatalf("错误输出应说明缓存未命中: %s", errOut.String())
	}
}

func TestRunModeFollowsFlags(t *testing.T) {
	cases := []struct {
		opts cliOptions
		want logging.RunMode
	}{
		{cliOptions{}, logging.ModeServe},
		{cliOptions{fetchURL: "http://example.com/"}, logging.ModeFetch},
		{cliOptions{checkOnly: true, fetchURL: "http://example.com/"}, logging.ModeCheck},
	}
	for _, tc := range cases {
		if got := runMode(tc.opts); got != tc.want {
			t.Fatalf("runMode(%+v) = %s，期望 %s", tc.opts, got, tc.want)
		}
	}
}
