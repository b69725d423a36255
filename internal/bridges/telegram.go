// Package bridges forwards orchestrator events to external messaging
// platforms so a human can act on them without a websocket client.
// Telegram is the one bridge implemented here, grounded on
// internal/channels/telegram.go: the same bot lifecycle (GetUpdatesChan
// long-polling, exponential-backoff reconnect, allow-listed user ids),
// generalized from routing free-text chat messages into chat tasks to
// forwarding internal/realtime approval requests as inline-keyboard
// messages and relaying the operator's button press back as an
// ApprovalResponse.
package bridges

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/apexswarm/orchestrator/internal/realtime"
	"github.com/apexswarm/orchestrator/internal/roombus"
)

// TelegramBridge relays internal/roombus's Approvals room to a Telegram
// chat, and relays the operator's inline-button reply back into
// realtime.Server.ResolveApproval.
type TelegramBridge struct {
	token      string
	allowedIDs map[int64]struct{}
	bus        *roombus.Broadcaster
	realtime   *realtime.Server
	logger     *slog.Logger

	bot *tgbotapi.BotAPI
}

// Config configures a TelegramBridge.
type Config struct {
	Token      string
	AllowedIDs []int64
	Bus        *roombus.Broadcaster
	Realtime   *realtime.Server
	Logger     *slog.Logger
}

// New creates a TelegramBridge. The bot itself is not contacted until
// Start runs.
func New(cfg Config) *TelegramBridge {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramBridge{
		token:      cfg.Token,
		allowedIDs: allowed,
		bus:        cfg.Bus,
		realtime:   cfg.Realtime,
		logger:     logger,
	}
}

func (b *TelegramBridge) Name() string { return "telegram" }

// Start connects the bot, begins forwarding approval requests, and
// blocks polling for button replies until ctx is canceled or a fatal
// error occurs.
func (b *TelegramBridge) Start(ctx context.Context) error {
	var err error
	b.bot, err = tgbotapi.NewBotAPI(b.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	b.logger.Info("telegram bridge started", "user", b.bot.Self.UserName)

	go b.forwardApprovals(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := b.bot.GetUpdatesChan(u)

		pollErr := b.pollUpdates(ctx, updates)
		b.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		b.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *TelegramBridge) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.CallbackQuery != nil {
				if _, allowed := b.allowedIDs[update.CallbackQuery.From.ID]; len(b.allowedIDs) > 0 && !allowed {
					b.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				b.handleCallbackQuery(update.CallbackQuery)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// forwardApprovals subscribes to the Approvals room and posts an
// inline-keyboard message for every approval.requested event.
func (b *TelegramBridge) forwardApprovals(ctx context.Context) {
	if b.bus == nil {
		return
	}
	sub := b.bus.Subscribe(roombus.RoomApprovals())
	defer b.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.Ch():
			if msg.Kind != "approval.requested" {
				continue
			}
			payload, ok := msg.Payload.(map[string]any)
			if !ok {
				continue
			}
			approvalID, _ := payload["approval_id"].(string)
			action, _ := payload["action"].(string)
			details, _ := payload["details"].(string)
			if approvalID == "" {
				continue
			}
			b.postApprovalPrompt(approvalID, action, details)
		}
	}
}

func (b *TelegramBridge) postApprovalPrompt(approvalID, action, details string) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", fmt.Sprintf("approval:%s:approve", approvalID)),
			tgbotapi.NewInlineKeyboardButtonData("Reject", fmt.Sprintf("approval:%s:reject", approvalID)),
		),
	)
	text := fmt.Sprintf("Approval requested: %s\n%s", action, details)

	for chatID := range b.allowedIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ReplyMarkup = keyboard
		if _, err := b.bot.Send(msg); err != nil {
			b.logger.Error("failed to send telegram approval prompt", "error", err)
		}
	}
}

func (b *TelegramBridge) handleCallbackQuery(query *tgbotapi.CallbackQuery) {
	approvalID, action, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}

	notification := tgbotapi.NewCallbackWithAlert(query.ID, fmt.Sprintf("Processing %s...", action))
	if _, err := b.bot.Request(notification); err != nil {
		b.logger.Warn("failed to send callback notification", "error", err)
	}

	if b.realtime != nil {
		b.realtime.ResolveApproval(approvalID, action == "approve")
	}
}

// parseApprovalCallback parses callback data of the form
// "approval:<approvalID>:<approve|reject>".
func parseApprovalCallback(data string) (approvalID, action string, err error) {
	const prefix = "approval:"
	if !strings.HasPrefix(data, prefix) {
		return "", "", fmt.Errorf("not an approval callback")
	}
	remaining := strings.TrimPrefix(data, prefix)
	parts := strings.SplitN(remaining, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid approval callback format")
	}
	return parts[0], parts[1], nil
}
