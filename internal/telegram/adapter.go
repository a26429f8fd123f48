// Package telegram bridges the Telegram Bot API to the gateway: inbound
// updates become typed events, outbound replies go through the Transport
// interface with message splitting, Markdown fallback, and send retry.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/crmrelay/internal/gateway"
	"github.com/user/crmrelay/internal/types"
)

const (
	maxTelegramMessage = 4096
	maxCallbackData    = 64
)

// Adapter bridges Telegram to the gateway. It also implements
// types.Transport for the state machine's outbound traffic.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	gateway *gateway.Gateway
	retry   *RetryPolicy
	log     *slog.Logger
}

// New creates a Telegram adapter.
func New(token string, gw *gateway.Gateway) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{
		bot:     bot,
		gateway: gw,
		retry:   DefaultRetryPolicy(),
		log:     slog.Default(),
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			a.handleUpdate(update)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleUpdate(update tgbotapi.Update) {
	var event types.Event
	switch {
	case update.CallbackQuery != nil:
		event = callbackEvent(update.CallbackQuery)
	case update.Message != nil:
		event = messageEvent(update.Message)
	case update.MyChatMember != nil:
		event = memberEvent(update.MyChatMember)
	}
	if event == nil {
		return
	}

	chatID := event.Meta().ChatID
	err := a.gateway.HandleInbound(event, gateway.WithOnFail(func(_ types.Event, err error) {
		a.plainSend(chatID, "Sorry, something went wrong processing that.")
	}))
	if err != nil {
		a.log.Error("enqueue inbound event failed", "session", event.SessionKey(), "error", err)
		a.plainSend(chatID, "I'm overloaded right now, try again in a moment.")
	}
}

// messageEvent classifies an inbound message: forwarded content is queued
// material, commands drive the session, everything else is free text whose
// meaning depends on the session state.
func messageEvent(msg *tgbotapi.Message) types.Event {
	if msg.From == nil {
		return nil
	}
	meta := eventMeta(msg.Chat.ID, msg.From, msg.Time())

	if from := forwardOrigin(msg); from != "" || msg.ForwardDate != 0 {
		text := msg.Text
		if text == "" {
			text = msg.Caption
		}
		if text == "" {
			return nil
		}
		return &types.ForwardedMessage{EventMeta: meta, From: from, Text: text}
	}

	if msg.IsCommand() {
		name := msg.Command()
		if name == "cancel" {
			return &types.CancelEvent{EventMeta: meta}
		}
		return &types.CommandMessage{EventMeta: meta, Name: name, Args: msg.CommandArguments()}
	}

	if msg.Text == "" {
		return nil
	}
	return &types.TextMessage{EventMeta: meta, Text: msg.Text}
}

// memberEvent maps a bot membership change to session termination: when
// the user blocks the bot or removes it from the chat, the session behind
// that chat is dead and its state must not outlive it.
func memberEvent(upd *tgbotapi.ChatMemberUpdated) types.Event {
	if !upd.NewChatMember.WasKicked() && !upd.NewChatMember.HasLeft() {
		return nil
	}
	return &types.TerminateEvent{EventMeta: eventMeta(upd.Chat.ID, &upd.From, time.Now())}
}

func callbackEvent(cb *tgbotapi.CallbackQuery) types.Event {
	if cb.Message == nil || cb.From == nil {
		return nil
	}
	return &types.CallbackPress{
		EventMeta:  eventMeta(cb.Message.Chat.ID, cb.From, time.Now()),
		CallbackID: cb.ID,
		Data:       cb.Data,
		MessageID:  cb.Message.MessageID,
	}
}

func eventMeta(chatID int64, from *tgbotapi.User, at time.Time) types.EventMeta {
	return types.EventMeta{
		Key:    buildSessionKey(chatID, from.ID),
		ChatID: chatID,
		UserID: from.ID,
		Caller: callerInfo(from),
		At:     at,
	}
}

// forwardOrigin extracts the display name of whoever a message was
// forwarded from. Telegram hides the origin account behind
// ForwardSenderName when privacy settings forbid linking it.
func forwardOrigin(msg *tgbotapi.Message) string {
	switch {
	case msg.ForwardFrom != nil:
		return displayName(msg.ForwardFrom)
	case msg.ForwardFromChat != nil:
		return msg.ForwardFromChat.Title
	case msg.ForwardSenderName != "":
		return msg.ForwardSenderName
	}
	return ""
}

func callerInfo(u *tgbotapi.User) types.CallerInfo {
	return types.CallerInfo{
		DisplayName: displayName(u),
		Username:    u.UserName,
	}
}

func displayName(u *tgbotapi.User) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.UserName
	}
	return name
}

// SendMessage implements types.Transport. Long texts are split at the
// Telegram limit; the returned message id is the last chunk's, which is
// the one later edits target.
func (a *Adapter) SendMessage(_ context.Context, chatID int64, text string, kb *types.Keyboard) (int, error) {
	parts := splitMessage(text)
	var lastID int
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if kb != nil && i == len(parts)-1 {
			msg.ReplyMarkup = inlineKeyboard(kb)
		}
		sent, err := a.sendWithFallback(msg)
		if err != nil {
			return 0, fmt.Errorf("send message: %w", err)
		}
		lastID = sent.MessageID
	}
	return lastID, nil
}

// EditMessage implements types.Transport.
func (a *Adapter) EditMessage(_ context.Context, chatID int64, messageID int, text string, kb *types.Keyboard) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdown
	if kb != nil {
		markup := inlineKeyboard(kb)
		edit.ReplyMarkup = &markup
	}
	err := a.retry.Execute(func() error {
		_, err := a.bot.Send(edit)
		return err
	})
	if err != nil {
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}

// AnswerCallback implements types.Transport.
func (a *Adapter) AnswerCallback(_ context.Context, callbackID, text string) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	if _, err := a.bot.Request(cb); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// sendWithFallback sends with retry, dropping Markdown when Telegram
// rejects the entities.
func (a *Adapter) sendWithFallback(msg tgbotapi.MessageConfig) (tgbotapi.Message, error) {
	var sent tgbotapi.Message
	err := a.retry.Execute(func() error {
		var err error
		sent, err = a.bot.Send(msg)
		return err
	})
	if err != nil && msg.ParseMode != "" {
		msg.ParseMode = ""
		err = a.retry.Execute(func() error {
			var sendErr error
			sent, sendErr = a.bot.Send(msg)
			return sendErr
		})
	}
	return sent, err
}

func (a *Adapter) plainSend(chatID int64, text string) {
	if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		a.log.Error("send failed", "chat_id", chatID, "error", err)
	}
}

// inlineKeyboard converts the transport-neutral keyboard. callback_data is
// capped at 64 bytes by Telegram; anything longer is truncated.
func inlineKeyboard(kb *types.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb.Rows))
	for _, row := range kb.Rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			switch {
			case b.URL != "":
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			default:
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, clipCallbackData(b.Data)))
			}
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func clipCallbackData(data string) string {
	if len(data) <= maxCallbackData {
		return data
	}
	return data[:maxCallbackData]
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildSessionKey(chatID, userID int64) types.SessionKey {
	return types.NewSessionKey("telegram",
		strconv.FormatInt(chatID, 10),
		strconv.FormatInt(userID, 10),
	)
}
