package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"yqhp/hmi-sync/internal/config"
	"yqhp/hmi-sync/internal/simulator"
	"yqhp/hmi-sync/pkg/logger"
)

type simulateOptions struct {
	address string
	tick    time.Duration
	store   string
	access  bool
}

func newSimulateCmd(g *globalOptions) *cobra.Command {
	o := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "运行遥测模拟服务",
		Long: `启动遥测模拟服务，提供：
  - GET  /ws/:session_id     遥测流（注册点位后按 tick 推送）
  - POST /api/v1/control     遥控命令
  - GET  /api/v1/health      健康检查`,
		Example: `  hmi-sync simulate --address :8080 --tick 500ms
  hmi-sync simulate --store redis --set simulator.redis_addr=localhost:6379`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(changedFlags(cmd, map[string]string{
				"address": "simulator.address",
				"tick":    "simulator.tick",
				"store":   "simulator.store",
			}))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !g.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), Banner, Version)
				fmt.Fprintln(cmd.OutOrStdout())
				fmt.Fprintf(cmd.OutOrStdout(), "  模拟服务地址: %s\n", cfg.Simulator.Address)
				fmt.Fprintf(cmd.OutOrStdout(), "  推送周期: %s\n", cfg.Simulator.Tick)
				fmt.Fprintf(cmd.OutOrStdout(), "  点位存储: %s\n\n", cfg.Simulator.Store)
			}
			return runSimulate(ctx, cfg, o.access)
		},
	}
	cmd.Flags().StringVar(&o.address, "address", ":8080", "HTTP 服务地址")
	cmd.Flags().DurationVar(&o.tick, "tick", time.Second, "数值推送周期")
	cmd.Flags().StringVar(&o.store, "store", "memory", "点位存储 (memory, redis)")
	cmd.Flags().BoolVar(&o.access, "access-log", false, "打印请求日志")
	return cmd
}

// openStore 按配置创建点位存储
func openStore(ctx context.Context, cfg config.SimulatorConfig) (simulator.PointStore, error) {
	switch cfg.Store {
	case "", "memory":
		return simulator.NewMemoryStore(), nil
	case "redis":
		return simulator.NewRedisStore(ctx, simulator.RedisOptions{
			Addr:   cfg.RedisAddr,
			DB:     cfg.RedisDB,
			Prefix: cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("未知的点位存储类型: %s", cfg.Store)
	}
}

func runSimulate(ctx context.Context, cfg *config.Config, accessLog bool) error {
	store, err := openStore(ctx, cfg.Simulator)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := simulator.NewServer(simulator.Config{
		Address:   cfg.Simulator.Address,
		Tick:      cfg.Simulator.Tick,
		AccessLog: accessLog,
	}, store, simulator.WithLogger(logger.Named("simulator")))
	return srv.Run(ctx)
}
