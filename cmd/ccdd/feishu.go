package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rigelfalcon/ccdd/feishu"
)

func newFeishuCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feishu",
		Short: "Serve the Feishu websocket bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			appID := strings.TrimSpace(viper.GetString("feishu.app_id"))
			appSecret := strings.TrimSpace(viper.GetString("feishu.app_secret"))
			if appID == "" || appSecret == "" {
				return errors.New("feishu.app_id and feishu.app_secret are required")
			}
			wsURL := strings.TrimSpace(viper.GetString("feishu.ws_url"))
			if wsURL == "" {
				return errors.New("feishu.ws_url is required")
			}

			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer func() {
				if cerr := rt.Close(); cerr != nil {
					rt.logger.Warn("shutdown_close_error", "error", cerr.Error())
				}
			}()

			api := feishu.NewClient(&http.Client{Timeout: 30 * time.Second}, "", appID, appSecret)
			bot := feishu.NewBot(api, rt.handler, feishu.BotOptions{
				WSURL:          wsURL,
				AllowedChatIDs: viper.GetStringSlice("feishu.allowed_chat_ids"),
				Logger:         rt.logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = bot.Run(ctx)
			if errors.Is(err, context.Canceled) {
				rt.logger.Info("feishu_stop")
				return nil
			}
			return err
		},
	}

	cmd.Flags().String("app-id", "", "Feishu app id.")
	cmd.Flags().String("app-secret", "", "Feishu app secret.")
	cmd.Flags().String("ws-url", "", "Feishu event long-connection endpoint.")
	cmd.Flags().StringSlice("allowed-chat-ids", nil, "Chat IDs allowed to use the bot (empty allows all).")
	_ = viper.BindPFlag("feishu.app_id", cmd.Flags().Lookup("app-id"))
	_ = viper.BindPFlag("feishu.app_secret", cmd.Flags().Lookup("app-secret"))
	_ = viper.BindPFlag("feishu.ws_url", cmd.Flags().Lookup("ws-url"))
	_ = viper.BindPFlag("feishu.allowed_chat_ids", cmd.Flags().Lookup("allowed-chat-ids"))

	return cmd
}
