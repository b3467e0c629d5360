// Package cmd 提供 hmi-sync CLI 的命令实现
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/duke-git/lancet/v2/maputil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/hmi-sync/internal/config"
	"yqhp/hmi-sync/internal/metrics"
	"yqhp/hmi-sync/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
   _   _ __  __ ___
  | |_| |  \/  |_ _|   hmi-sync %s
  |  _  | |\/| || |    live telemetry for grid diagrams
  |_| |_|_|  |_|___|
`
)

// globalOptions 全局 flags
type globalOptions struct {
	cfgFile   string
	debug     bool
	quiet     bool
	overrides map[string]string
}

// NewRootCmd 创建根命令
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "hmi-sync",
		Short: "电网 HMI 图纸实时遥测同步",
		Long: `hmi-sync 将单线图上绑定的图元与实时遥测点同步：
订阅会话的遥测流、断线后按固定间隔重连，并可下发遥控命令。`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "配置文件路径")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "启用调试日志")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "静默模式")
	root.PersistentFlags().StringToStringVar(&opts.overrides, "set", nil, "覆盖配置项，如 --set reconnect.max_attempts=3")

	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")

	root.AddCommand(
		newWatchCmd(opts),
		newCommandCmd(opts),
		newSimulateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute 执行根命令
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hmi-sync version %s\n", Version)
		},
	}
}

// loadConfig 按 默认值 < 文件 < 环境变量 < --set < 子命令参数 的顺序加载配置，校验后初始化日志
func (o *globalOptions) loadConfig(flags map[string]string) (*config.Config, error) {
	loader := config.NewLoader()
	if o.cfgFile != "" {
		loader = loader.WithConfigPath(o.cfgFile)
	}
	if args := maputil.Merge(o.overrides, flags); len(args) > 0 {
		loader = loader.WithCmdArgs(args)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if o.debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Init(cfg.Logging.LoggerConfig())
	return cfg, nil
}

// changedFlags 将显式指定的子命令参数映射为配置项路径 (flag -> yaml 路径)
func changedFlags(cmd *cobra.Command, paths map[string]string) map[string]string {
	out := make(map[string]string, len(paths))
	for name, path := range paths {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			out[path] = f.Value.String()
		}
	}
	return out
}

// serveMetrics 在配置了地址时暴露 Prometheus 指标，ctx 结束后关闭
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, m *metrics.Metrics) error {
	if cfg.Address == "" {
		return nil
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{Addr: cfg.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.L().Info("metrics endpoint listening", zap.String("address", cfg.Address), zap.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
