// Package telegram is a Telegram output. It sends notifications to a chat
// and accepts /confirm and /reject decisions on pending signals.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tedboudros/ClawQuant/internal/types"
)

const maxTelegramMessage = 4096

// Decider records human decisions on evaluated signals.
type Decider interface {
	Confirm(ctx context.Context, id types.SignalID, decidedBy, note string) error
	Decline(ctx context.Context, id types.SignalID, decidedBy, note string) error
	Pending() []types.VerdictRecord
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges Telegram to the pipeline.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	send    sender
	chatID  int64
	decider Decider
}

// New creates a Telegram adapter. chatID is the default destination and
// the only chat whose commands are accepted.
func New(token string, chatID int64, decider Decider) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{
		bot:     bot,
		send:    bot,
		chatID:  chatID,
		decider: decider,
	}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Send delivers n to the chat named by its channel ("telegram:<chat id>")
// or to the default chat.
func (a *Adapter) Send(_ context.Context, n types.Notification) error {
	chatID, err := a.resolveChat(n.Channel)
	if err != nil {
		return err
	}
	return a.sendText(chatID, formatNotification(n))
}

func (a *Adapter) resolveChat(channel string) (int64, error) {
	_, id, found := strings.Cut(channel, ":")
	if !found || id == "" {
		if a.chatID == 0 {
			return 0, fmt.Errorf("no telegram chat configured")
		}
		return a.chatID, nil
	}
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram channel %q", channel)
	}
	return chatID, nil
}

func formatNotification(n types.Notification) string {
	var sb strings.Builder
	if n.Title != "" {
		sb.WriteString("*" + n.Title + "*\n")
	}
	sb.WriteString(n.Text)
	if n.SignalID != "" {
		fmt.Fprintf(&sb, "\n\n/confirm %s\n/reject %s", n.SignalID, n.SignalID)
	}
	return sb.String()
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if a.chatID != 0 && msg.Chat.ID != a.chatID {
		slog.Warn("ignoring telegram message from unknown chat", "chat_id", msg.Chat.ID)
		return
	}
	if !msg.IsCommand() {
		a.reply(msg.Chat.ID, "Use /pending to list signals awaiting a decision.")
		return
	}
	a.handleCommand(ctx, msg)
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	by := decidedBy(msg.From)

	switch msg.Command() {
	case "start":
		a.reply(chatID, "ClawQuant is running. Signals that pass risk checks will appear here for your decision.")

	case "pending", "status":
		pending := a.decider.Pending()
		if len(pending) == 0 {
			a.reply(chatID, "No signals awaiting a decision.")
			return
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d signal(s) awaiting a decision:\n", len(pending))
		for _, rec := range pending {
			s := rec.Signal
			fmt.Fprintf(&sb, "\n%s %s %s @ %s [%s]\n/confirm %s", s.ProposedAction, s.Size, s.Instrument, rec.Price, rec.Verdict.Status, s.ID)
		}
		a.reply(chatID, sb.String())

	case "confirm", "reject":
		id, note, _ := strings.Cut(strings.TrimSpace(msg.CommandArguments()), " ")
		if id == "" {
			a.reply(chatID, fmt.Sprintf("Usage: /%s <signal id> [note]", msg.Command()))
			return
		}
		var err error
		if msg.Command() == "confirm" {
			err = a.decider.Confirm(ctx, types.SignalID(id), by, strings.TrimSpace(note))
		} else {
			err = a.decider.Decline(ctx, types.SignalID(id), by, strings.TrimSpace(note))
		}
		if err != nil {
			a.reply(chatID, "Could not record decision: "+err.Error())
			return
		}
		verb := "Confirmed"
		if msg.Command() == "reject" {
			verb = "Rejected"
		}
		a.reply(chatID, fmt.Sprintf("%s %s.", verb, id))

	default:
		a.reply(chatID, "Unknown command. Available: /start, /pending, /confirm, /reject")
	}
}

func decidedBy(u *tgbotapi.User) string {
	if u == nil {
		return "telegram"
	}
	if u.UserName != "" {
		return "telegram:" + u.UserName
	}
	return "telegram:" + strconv.FormatInt(u.ID, 10)
}

func (a *Adapter) reply(chatID int64, text string) {
	if err := a.sendText(chatID, text); err != nil {
		slog.Error("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) sendText(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.send.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.send.Send(msg); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	}
	return nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
