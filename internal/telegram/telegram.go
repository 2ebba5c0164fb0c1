// Package telegram relays chat messages from a Telegram bot into the relay
// and delivers forwarded output back to the configured chats.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mattjoyce/cmdrelay/internal/protocol"
)

const (
	maxMessageLen  = 4000
	maxSendRetries = 3
	pollTimeout    = 30
)

// BotAPI is the part of *tgbotapi.BotAPI the adapter uses.
type BotAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Config configures the bot.
type Config struct {
	Token string
	// ChatIDs always receive forwarded output.
	ChatIDs []int64
	// AllowFrom lists user IDs allowed to send commands. Empty allows all.
	AllowFrom []int64
}

// Bot is a Telegram transport. It is a listener Server and a push Responder.
type Bot struct {
	cfg     Config
	relay   protocol.Relay
	logger  *slog.Logger
	connect func(token string) (BotAPI, error)
	backoff time.Duration

	mu    sync.Mutex
	api   BotAPI
	chats []int64
}

func New(cfg Config, relay protocol.Relay, logger *slog.Logger) *Bot {
	return &Bot{
		cfg:    cfg,
		relay:  relay,
		logger: logger.With("component", "telegram"),
		connect: func(token string) (BotAPI, error) {
			return tgbotapi.NewBotAPI(token)
		},
		backoff: time.Second,
		chats:   slices.Clone(cfg.ChatIDs),
	}
}

// Bind authenticates the bot token so a bad token fails relay start.
func (b *Bot) Bind() error {
	api, err := b.connect(b.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	if real, ok := api.(*tgbotapi.BotAPI); ok {
		b.logger.Info("telegram bot connected", "username", real.Self.UserName, "id", real.Self.ID)
	}
	b.mu.Lock()
	b.api = api
	b.mu.Unlock()
	return nil
}

// Serve long-polls updates until ctx is cancelled.
func (b *Bot) Serve(ctx context.Context) error {
	b.mu.Lock()
	api := b.api
	b.mu.Unlock()
	if api == nil {
		return fmt.Errorf("telegram bot not bound")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := api.GetUpdatesChan(u)
	b.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	userID, chatID := msg.From.ID, msg.Chat.ID

	if !b.isAllowed(userID) {
		b.logger.Warn("unauthorized telegram user", "user_id", userID, "username", msg.From.UserName)
		_ = b.sendChunk(ctx, chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	b.rememberChat(chatID)

	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			_ = b.sendChunk(ctx, chatID, "Send any host command, for example: status")
			return
		}
		// "/history@relay_bot --days 1" relays as "history --days 1".
		text = strings.TrimSpace(msg.Command() + " " + msg.CommandArguments())
	}

	b.logger.Info("telegram command received", "user_id", userID, "chat_id", chatID)
	if id := b.relay.Submit(text); id == "" {
		_ = b.sendChunk(ctx, chatID, "Relay is not accepting commands.")
	}
}

// Send delivers message to every known chat, splitting long text.
func (b *Bot) Send(ctx context.Context, message string) error {
	b.mu.Lock()
	chats := slices.Clone(b.chats)
	b.mu.Unlock()

	var errs []error
	for _, chatID := range chats {
		for _, chunk := range split(message, maxMessageLen) {
			if err := b.sendChunk(ctx, chatID, chunk); err != nil {
				errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// sendChunk sends one message, backing off between retries. Rate limits
// wait longer.
func (b *Bot) sendChunk(ctx context.Context, chatID int64, text string) error {
	b.mu.Lock()
	api := b.api
	b.mu.Unlock()
	if api == nil {
		return fmt.Errorf("telegram bot not bound")
	}

	var err error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if _, err = api.Send(tgbotapi.NewMessage(chatID, text)); err == nil {
			return nil
		}
		if attempt == maxSendRetries {
			break
		}

		wait := time.Duration(attempt+1) * b.backoff
		if strings.Contains(err.Error(), "Too Many Requests") || strings.Contains(err.Error(), "429") {
			wait *= 3
			b.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
		} else {
			b.logger.Warn("telegram send error, retrying", "error", err, "backoff", wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	b.logger.Error("telegram send failed after retries", "error", err, "attempts", maxSendRetries+1)
	return err
}

func (b *Bot) isAllowed(userID int64) bool {
	return len(b.cfg.AllowFrom) == 0 || slices.Contains(b.cfg.AllowFrom, userID)
}

func (b *Bot) rememberChat(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.chats, chatID) {
		b.chats = append(b.chats, chatID)
	}
}

// split cuts text into pieces of at most limit bytes, preferring to break
// after a newline in the second half of a piece.
func split(text string, limit int) []string {
	var out []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n") + 1
		if cut < limit/2 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" || len(out) == 0 {
		out = append(out, text)
	}
	return out
}
