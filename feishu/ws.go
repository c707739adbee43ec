package feishu

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rigelfalcon/ccdd/bridge"
	"github.com/rigelfalcon/ccdd/chat"
)

const Platform = "feishu"

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 90 * time.Second
	reconnectMin   = time.Second
	reconnectMax   = time.Minute
	dedupCacheSize = 512
)

type BotOptions struct {
	// WSURL is the event long-connection endpoint for this app.
	WSURL string
	// AllowedChatIDs restricts who may talk to the bot. Empty allows all.
	AllowedChatIDs []string
	Logger         *slog.Logger
}

// Bot consumes message events from the websocket and feeds the bridge.
type Bot struct {
	api     *Client
	handler *bridge.Handler
	wsURL   string
	allowed map[string]struct{}
	logger  *slog.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func NewBot(api *Client, handler *bridge.Handler, opts BotOptions) *Bot {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var allowed map[string]struct{}
	if len(opts.AllowedChatIDs) > 0 {
		allowed = make(map[string]struct{}, len(opts.AllowedChatIDs))
		for _, id := range opts.AllowedChatIDs {
			allowed[id] = struct{}{}
		}
	}
	return &Bot{
		api:     api,
		handler: handler,
		wsURL:   opts.WSURL,
		allowed: allowed,
		logger:  opts.Logger,
		seen:    make(map[string]struct{}),
	}
}

// Run maintains the websocket connection until ctx is cancelled,
// reconnecting with exponential backoff.
func (b *Bot) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := b.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("feishu_ws_disconnected", "error", err.Error(), "retry_in", backoff.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (b *Bot) runConn(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	b.logger.Info("feishu_ws_connected")

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	go b.pingLoop(ctx, conn, done)

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		b.handleFrame(ctx, data)
	}
}

func (b *Bot) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// event is the subset of the v2 event envelope ccdd consumes.
type event struct {
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	} `json:"header"`
	Event struct {
		Message struct {
			ChatID      string `json:"chat_id"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

func (b *Bot) handleFrame(ctx context.Context, data []byte) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.Debug("feishu_frame_skipped", "error", err.Error())
		return
	}
	if ev.Header.EventType != "im.message.receive_v1" {
		return
	}
	if ev.Header.EventID != "" && !b.markSeen(ev.Header.EventID) {
		// Feishu redelivers events; handle each once.
		return
	}
	if ev.Event.Message.MessageType != "text" {
		return
	}
	chatID := ev.Event.Message.ChatID
	if chatID == "" {
		return
	}
	if b.allowed != nil {
		if _, ok := b.allowed[chatID]; !ok {
			b.logger.Warn("feishu_unauthorized_chat", "chat_id", chatID)
			return
		}
	}

	text := parseTextContent(ev.Event.Message.Content)
	if text == "" {
		return
	}

	key := chat.NewKey(Platform, chatID)
	reply := func(out string) {
		if out == "" {
			return
		}
		if err := b.api.SendText(ctx, chatID, out); err != nil {
			b.logger.Warn("feishu_send_error", "chat_id", chatID, "error", err.Error())
		}
	}

	b.logger.Info("feishu_message", "chat_id", chatID, "text_len", len(text))
	b.handler.HandleMessage(ctx, key, text, reply)
}

// markSeen records the event id, evicting oldest entries FIFO. Returns
// false when the id was already seen.
func (b *Bot) markSeen(eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.seen[eventID]; dup {
		return false
	}
	b.seen[eventID] = struct{}{}
	b.order = append(b.order, eventID)
	if len(b.order) > dedupCacheSize {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.seen, oldest)
	}
	return true
}

// parseTextContent unwraps the {"text":"..."} content payload.
func parseTextContent(content string) string {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(payload.Text)
}
