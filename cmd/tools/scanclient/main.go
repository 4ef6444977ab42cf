package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/pneumoscan/backend/internal/config"
	"github.com/zhouzirui/pneumoscan/backend/pkg/utils"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		opts     options
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "scanclient --file <image>",
		Short: "在终端中运行一次 PneumoScan 会话：上传胸片，然后就结果提问",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return utils.ConfigureLogger(logLevel, "console", cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil {
				log.Debug().Err(err).Msg("无法加载 .env，改用系统环境变量")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.predictURL == "" {
				opts.predictURL = cfg.Upstream.PredictEndpoint
			}
			if opts.chatURL == "" {
				opts.chatURL = cfg.Upstream.ChatEndpoint
			}
			if !cmd.Flags().Changed("welcome-delay") {
				opts.welcomeDelay = cfg.Session.WelcomeDelay
			}
			if !cmd.Flags().Changed("timeout") && cfg.Upstream.Timeout > 0 {
				opts.timeout = cfg.Upstream.Timeout
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.file, "file", "f", "", "胸片图片路径")
	flags.StringVar(&opts.predictURL, "predict-url", "", "预测接口地址，默认使用 PREDICT_ENDPOINT")
	flags.StringVar(&opts.chatURL, "chat-url", "", "聊天接口地址，默认使用 CHAT_ENDPOINT")
	flags.DurationVar(&opts.welcomeDelay, "welcome-delay", time.Second, "欢迎页停留时间")
	flags.DurationVar(&opts.timeout, "timeout", 0, "上游请求超时，0 表示不限")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "日志级别")
	_ = cmd.MarkFlagRequired("file")

	cmd.SetContext(context.Background())
	return cmd
}
