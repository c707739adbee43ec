package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rigelfalcon/ccdd/telegram"
)

func newTelegramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Serve the Telegram long-poll bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(viper.GetString("telegram.bot_token"))
			if token == "" {
				return errors.New("telegram.bot_token is required")
			}

			allowed, err := parseInt64List(viper.GetStringSlice("telegram.allowed_chat_ids"))
			if err != nil {
				return fmt.Errorf("telegram.allowed_chat_ids: %w", err)
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

			api := telegram.NewClient(&http.Client{Timeout: 90 * time.Second}, "", token)
			bot := telegram.NewBot(api, rt.handler, telegram.BotOptions{
				AllowedChatIDs: allowed,
				PollTimeout:    viper.GetDuration("telegram.poll_timeout"),
				Logger:         rt.logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = bot.Run(ctx)
			if errors.Is(err, context.Canceled) {
				rt.logger.Info("telegram_stop")
				return nil
			}
			return err
		},
	}

	cmd.Flags().String("bot-token", "", "Telegram bot token.")
	cmd.Flags().StringSlice("allowed-chat-ids", nil, "Chat IDs allowed to use the bot (empty allows all).")
	_ = viper.BindPFlag("telegram.bot_token", cmd.Flags().Lookup("bot-token"))
	_ = viper.BindPFlag("telegram.allowed_chat_ids", cmd.Flags().Lookup("allowed-chat-ids"))

	return cmd
}

func parseInt64List(values []string) ([]int64, error) {
	var out []int64
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", v, err)
		}
		out = append(out, n)
	}
	return out, nil
}
