package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"yqhp/hmi-sync/internal/binding"
	"yqhp/hmi-sync/internal/control"
	"yqhp/hmi-sync/internal/metrics"
	"yqhp/hmi-sync/pkg/logger"
	"yqhp/hmi-sync/pkg/types"
)

type commandOptions struct {
	action  string
	diagram string
	button  string
	api     string
}

func newCommandCmd(g *globalOptions) *cobra.Command {
	o := &commandOptions{}
	cmd := &cobra.Command{
		Use:   "command [<mrid> <name> <value>]",
		Short: "下发遥控命令",
		Long: `向控制接口 (api.base_url + api.command_path) 下发一个点位的设定值。

可以直接给出点位与数值，也可以通过 --diagram 与 --button 使用图纸中按钮定义的命令。`,
		Example: `  # 分闸
  hmi-sync command CB1 POS 0 --action open

  # 使用图纸按钮
  hmi-sync command --diagram feeder.yaml --button trip`,
		Args: func(cmd *cobra.Command, args []string) error {
			if o.button != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(changedFlags(cmd, map[string]string{"api": "api.base_url"}))
			if err != nil {
				return err
			}

			topic, err := o.topic(args)
			if err != nil {
				return err
			}

			client := control.NewClient(control.Config{
				BaseURL:     cfg.API.BaseURL,
				CommandPath: cfg.API.CommandPath,
				Timeout:     cfg.API.Timeout,
			}, control.WithLogger(logger.Named("control")), control.WithMetrics(metrics.New()))
			defer client.Close()

			resp, err := client.Send(cmd.Context(), topic)
			var cmdErr *control.CommandError
			if errors.As(err, &cmdErr) && cmdErr.Retryable() {
				return fmt.Errorf("%w (服务暂时不可用，可稍后重试)", err)
			}
			if err != nil {
				return err
			}
			if !g.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "已接受: %s = %s (%s)\n", topic.Key(), topic.FormatValue(), resp.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&o.action, "action", "", "命令动作，如 open/close/raise/lower")
	cmd.Flags().StringVar(&o.diagram, "diagram", "", "图纸文件（与 --button 配合）")
	cmd.Flags().StringVar(&o.button, "button", "", "图纸中的按钮 ID")
	cmd.Flags().StringVar(&o.api, "api", "", "控制接口基础地址，覆盖 api.base_url")
	return cmd
}

// topic 根据参数或图纸按钮构造命令点位
func (o *commandOptions) topic(args []string) (types.Topic, error) {
	if o.button != "" {
		if o.diagram == "" {
			return types.Topic{}, fmt.Errorf("--button 需要同时指定 --diagram")
		}
		board, err := binding.LoadDiagram(o.diagram)
		if err != nil {
			return types.Topic{}, err
		}
		btn, ok := board.Element(o.button)
		if !ok {
			return types.Topic{}, fmt.Errorf("图纸中不存在按钮 %q", o.button)
		}
		return btn.Command()
	}

	value, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return types.Topic{}, fmt.Errorf("无效的数值 %q: %w", args[2], err)
	}
	topic := types.NewTopic(args[0], args[1]).WithValue(value)
	topic.Action = o.action
	return topic, nil
}
