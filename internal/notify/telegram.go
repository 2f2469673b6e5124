package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"alertflow/internal/config"
)

// TelegramSink sends notifications through the Telegram Bot API.
// Params: bot token, chat id, and API base override.
// Returns: chat sink with edit support.
type TelegramSink struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSink creates the Telegram sink.
// Params: Telegram config section.
// Returns: initialized sink; construction errors surface on first send.
func NewTelegramSink(cfg config.TelegramConfig) *TelegramSink {
	sink := &TelegramSink{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sink.initErr = errors.New("telegram bot token is required")
		return sink
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sink.initErr = errors.New("telegram chat_id is required")
		return sink
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
	}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		options = append(options, tgbot.WithServerURL(strings.TrimRight(base, "/")))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sink.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sink
	}
	sink.client = botClient
	return sink
}

// Name returns sink channel name.
// Params: none.
// Returns: static channel key.
func (s *TelegramSink) Name() string {
	return "telegram"
}

// CanUpdate reports edit capability; bot messages are always editable.
// Params: none.
// Returns: true.
func (s *TelegramSink) CanUpdate() bool {
	return true
}

// Send posts one message to the configured chat.
// Params: context and rendered message.
// Returns: message id as reference or transport error.
func (s *TelegramSink) Send(ctx context.Context, msg Message) (string, error) {
	if s.initErr != nil {
		return "", s.initErr
	}

	request := &tgbot.SendMessageParams{
		ChatID: s.chatID,
		Text:   renderTelegramText(msg),
	}
	if ref := strings.TrimSpace(msg.ThreadRef); ref != "" {
		if replyTo, err := strconv.Atoi(ref); err == nil && replyTo > 0 {
			request.ReplyParameters = &tgmodels.ReplyParameters{MessageID: replyTo}
		}
	}

	sent, err := s.client.SendMessage(ctx, request)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return "", errors.New("telegram send returned empty message id")
	}
	return strconv.Itoa(sent.ID), nil
}

// Update edits one delivered message in place.
// Params: context, message id from Send, replacement message.
// Returns: transport error.
func (s *TelegramSink) Update(ctx context.Context, ref string, msg Message) error {
	if s.initErr != nil {
		return s.initErr
	}
	messageID, err := strconv.Atoi(strings.TrimSpace(ref))
	if err != nil || messageID <= 0 {
		return fmt.Errorf("telegram update requires a numeric message id, got %q", ref)
	}

	_, err = s.client.EditMessageText(ctx, &tgbot.EditMessageTextParams{
		ChatID:    s.chatID,
		MessageID: messageID,
		Text:      renderTelegramText(msg),
	})
	if err != nil {
		return fmt.Errorf("telegram update: %w", err)
	}
	return nil
}

// renderTelegramText joins title and body as plain text.
// Params: rendered message.
// Returns: message text with a leading title line.
func renderTelegramText(msg Message) string {
	if msg.Title == "" {
		return msg.Body
	}
	return msg.Title + "\n" + msg.Body
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
