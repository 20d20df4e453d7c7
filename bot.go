package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"vaxllo/calls"
)

// messageSender is the part of tgbotapi.BotAPI the notifier needs.
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier tells owners about their classified calls on Telegram.
type Notifier struct {
	api    messageSender
	logger *slog.Logger
}

// NewNotifier creates a Telegram notifier. An empty token yields nil, which
// is a valid no-op notifier.
func NewNotifier(token string, logger *slog.Logger) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	logger.Info("telegram notifier authorized", "bot", api.Self.UserName)
	return &Notifier{api: api, logger: logger.With("component", "telegram")}, nil
}

var urgencyIcon = map[string]string{
	"high":   "🔴",
	"medium": "🟠",
	"low":    "🟢",
}

// formatCallMessage renders the Telegram message for a classified call.
func formatCallMessage(rec calls.CallRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📞 *Nytt samtal* %s\n", urgencyIcon[rec.Urgency])
	fmt.Fprintf(&b, "Från: %s\n", rec.CallerNumber)
	fmt.Fprintf(&b, "Tagg: %s · Brådska: %s\n\n", rec.Tag, rec.Urgency)
	b.WriteString(rec.Summary)
	if rec.Transcript != "" {
		b.WriteString("\n\n")
		b.WriteString(rec.Transcript)
	}
	return b.String()
}

// NotifyCall sends rec to chatID. A zero chat id or nil notifier does nothing.
func (n *Notifier) NotifyCall(_ context.Context, chatID int64, rec calls.CallRecord) error {
	if n == nil || chatID == 0 {
		return nil
	}
	return n.sendMessage(chatID, formatCallMessage(rec))
}

func (n *Notifier) sendMessage(chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	for _, chunk := range splitMessage(text, 4096) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = "Markdown"
		_, err := n.api.Send(msg)
		if err != nil && strings.Contains(err.Error(), "can't parse entities") {
			msg.ParseMode = ""
			_, err = n.api.Send(msg)
		}
		if err != nil {
			return fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
	}
	return nil
}

// splitMessage splits text into chunks of at most maxLen bytes, preferring
// to break at newlines, then at spaces.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		chunk := text[:maxLen]
		if idx := strings.LastIndex(chunk, "\n"); idx > maxLen/4 {
			chunks = append(chunks, text[:idx])
			text = text[idx+1:]
		} else if idx := strings.LastIndex(chunk, " "); idx > maxLen/4 {
			chunks = append(chunks, text[:idx])
			text = text[idx+1:]
		} else {
			// no break point; back off to a rune boundary
			cut := maxLen
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			chunks = append(chunks, text[:cut])
			text = text[cut:]
		}
	}
	return chunks
}
