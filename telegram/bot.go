package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rigelfalcon/ccdd/bridge"
	"github.com/rigelfalcon/ccdd/chat"
)

const Platform = "telegram"

type BotOptions struct {
	// AllowedChatIDs restricts who may talk to the bot. Empty allows all.
	AllowedChatIDs []int64
	PollTimeout    time.Duration
	Logger         *slog.Logger
}

// Bot runs the long-poll loop and feeds inbound text into the bridge.
type Bot struct {
	api         *Client
	handler     *bridge.Handler
	allowed     map[int64]struct{}
	pollTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewBot(api *Client, handler *bridge.Handler, opts BotOptions) *Bot {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var allowed map[int64]struct{}
	if len(opts.AllowedChatIDs) > 0 {
		allowed = make(map[int64]struct{}, len(opts.AllowedChatIDs))
		for _, id := range opts.AllowedChatIDs {
			allowed[id] = struct{}{}
		}
	}
	return &Bot{
		api:         api,
		handler:     handler,
		allowed:     allowed,
		pollTimeout: opts.PollTimeout,
		logger:      opts.Logger,
		limiters:    make(map[int64]*rate.Limiter),
	}
}

// Run polls until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	me, err := b.api.GetMe(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("telegram_start", "bot", me.Username, "restricted", b.allowed != nil)

	var offset int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, next, err := b.api.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("telegram_get_updates_error", "error", err.Error())
			time.Sleep(2 * time.Second)
			continue
		}
		offset = next
		for _, update := range updates {
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}
	chatID := msg.Chat.ID
	if b.allowed != nil {
		if _, ok := b.allowed[chatID]; !ok {
			b.logger.Warn("telegram_unauthorized_chat", "chat_id", chatID)
			return
		}
	}

	key := chat.NewKey(Platform, strconv.FormatInt(chatID, 10))
	reply := func(text string) {
		if text == "" {
			return
		}
		if err := b.limiter(chatID).Wait(ctx); err != nil {
			return
		}
		if err := b.api.SendMessage(ctx, chatID, text); err != nil {
			b.logger.Warn("telegram_send_error", "chat_id", chatID, "error", err.Error())
		}
	}

	b.logger.Info("telegram_message", "chat_id", chatID, "text_len", len(msg.Text))
	b.handler.HandleMessage(ctx, key, msg.Text, reply)
}

// limiter hands out one send limiter per chat, roughly Telegram's per-chat
// ceiling.
func (b *Bot) limiter(chatID int64) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 5)
		b.limiters[chatID] = l
	}
	return l
}
