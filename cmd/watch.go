package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/hmi-sync/internal/binding"
	"yqhp/hmi-sync/internal/config"
	"yqhp/hmi-sync/internal/metrics"
	"yqhp/hmi-sync/internal/reconnect"
	"yqhp/hmi-sync/internal/session"
	"yqhp/hmi-sync/internal/transport"
	"yqhp/hmi-sync/pkg/logger"
)

type watchOptions struct {
	sessionID string
	stream    string
}

func newWatchCmd(g *globalOptions) *cobra.Command {
	o := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch <diagram.yaml>",
		Short: "订阅图纸的实时遥测并在控制台显示",
		Long: `加载 YAML 图纸，向遥测流注册所有已绑定的点位，并打印每次图元刷新。

连接断开后按 reconnect.interval 重试，最多 reconnect.max_attempts 次；
重试耗尽时命令以错误退出。`,
		Example: `  # 使用默认配置订阅
  hmi-sync watch feeder.yaml

  # 指定遥测流地址与会话 ID
  hmi-sync watch feeder.yaml --stream ws://scada:8080/ws/ --session s1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(changedFlags(cmd, map[string]string{"stream": "stream.base_url"}))
			if err != nil {
				return err
			}
			board, err := binding.LoadDiagram(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if g.quiet {
				out = io.Discard
			}
			return runWatch(ctx, cfg, board, o.sessionID, out)
		},
	}
	cmd.Flags().StringVar(&o.sessionID, "session", "", "会话 ID（默认随机生成）")
	cmd.Flags().StringVar(&o.stream, "stream", "", "遥测流基础地址，覆盖 stream.base_url")
	return cmd
}

// sessionConfig 将配置转换为会话组件配置
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Transport: transport.Config{
			BaseURL:          cfg.Stream.BaseURL,
			HandshakeTimeout: cfg.Stream.HandshakeTimeout,
			WriteTimeout:     cfg.Stream.WriteTimeout,
			PingInterval:     cfg.Stream.PingInterval,
			SendBufferSize:   cfg.Stream.SendBufferSize,
		},
		Reconnect: reconnect.Config{
			Interval:    cfg.Reconnect.Interval,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
	}
}

// runWatch 运行一个会话直到 ctx 结束或重试耗尽
func runWatch(ctx context.Context, cfg *config.Config, board *binding.Board, sessionID string, out io.Writer) error {
	log := logger.Named("watch")
	m := metrics.New()

	opts := []session.Option{session.WithLogger(log), session.WithMetrics(m)}
	if sessionID != "" {
		opts = append(opts, session.WithID(sessionID))
	}
	s := session.New(sessionConfig(cfg), opts...)
	defer s.Close()

	msgs, err := s.Messages(ctx)
	if err != nil {
		return err
	}
	statuses, unsubscribe := s.Status()
	defer unsubscribe()

	if err := s.SetTopics(board.Topics()); err != nil {
		return err
	}

	fmt.Fprintf(out, "图纸 %s: %d 个图元, %d 个订阅点位\n", board.Name(), len(board.Elements()), len(board.Topics()))
	fmt.Fprintf(out, "会话 %s -> %s\n", s.ID(), cfg.Stream.BaseURL)

	if err := s.Start(ctx); err != nil {
		log.Warn("首次连接失败，进入重连", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return nil
				}
				for _, c := range board.Apply(msg) {
					fmt.Fprintf(out, "%s  %-12s %-20s %s\n",
						time.Now().Format("15:04:05"), c.ElementID, c.Topic.Key(), c.Text)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case connected, ok := <-statuses:
				if !ok {
					return nil
				}
				if connected {
					fmt.Fprintln(out, "● 已连接")
				} else {
					fmt.Fprintln(out, "○ 连接断开")
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		select {
		case <-s.Done():
			if err := s.Err(); err != nil {
				return fmt.Errorf("遥测流已中断: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		return serveMetrics(gctx, cfg.Metrics, m)
	})

	return g.Wait()
}
