// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram is a minimal Telegram Bot API client for the operator bot.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/autostars/internal/request"
	"go.astrophena.name/autostars/internal/retry"
)

const (
	apiURL         = "https://api.telegram.org"
	sendRetryLimit = 3
)

// Update is an incoming update delivered to the webhook.
// See https://core.telegram.org/bots/api#update.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is a Telegram message.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Chat is a Telegram chat.
type Chat struct {
	ID int64 `json:"id"`
}

// User is a Telegram user.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// CallbackQuery is sent when an inline keyboard button is pressed.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data"`
}

// InlineKeyboard is a grid of inline buttons, row by row.
type InlineKeyboard [][]InlineKeyboardButton

// InlineKeyboardButton is a button that either opens a URL or sends a
// callback query with CallbackData.
// See https://core.telegram.org/bots/api#inlinekeyboardbutton.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard InlineKeyboard `json:"inline_keyboard"`
}

type outgoingMessage struct {
	ChatID             int64        `json:"chat_id"`
	MessageID          int64        `json:"message_id,omitempty"`
	Text               string       `json:"text"`
	ParseMode          string       `json:"parse_mode"`
	ReplyMarkup        *replyMarkup `json:"reply_markup,omitempty"`
	LinkPreviewOptions struct {
		IsDisabled bool `json:"is_disabled"`
	} `json:"link_preview_options"`
}

// Client sends requests to the Bot API. Texts are sent in HTML parse mode
// and must already be escaped.
type Client struct {
	token    string
	httpc    *http.Client
	scrubber *strings.Replacer
	// Sleep waits between rate-limited attempts. Tests replace it.
	Sleep func(context.Context, time.Duration) error
}

// NewClient returns a Client for the bot token. If httpc is nil,
// request.DefaultClient is used.
func NewClient(token string, httpc *http.Client) *Client {
	return &Client{
		token:    token,
		httpc:    httpc,
		scrubber: strings.NewReplacer(token, "[EXPUNGED]"),
		Sleep:    retry.Sleep,
	}
}

// SendMessage sends text to chatID with an optional inline keyboard. When
// Telegram responds with 429, it waits for the advised time and tries again,
// up to three attempts.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, kb InlineKeyboard) error {
	msg := &outgoingMessage{ChatID: chatID, Text: text, ParseMode: "HTML"}
	msg.LinkPreviewOptions.IsDisabled = true
	if kb != nil {
		msg.ReplyMarkup = &replyMarkup{kb}
	}
	return c.callWithRetry(ctx, "sendMessage", msg)
}

// EditMessageText replaces the text and keyboard of a message sent by the bot.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, kb InlineKeyboard) error {
	msg := &outgoingMessage{ChatID: chatID, MessageID: messageID, Text: text, ParseMode: "HTML"}
	msg.LinkPreviewOptions.IsDisabled = true
	if kb != nil {
		msg.ReplyMarkup = &replyMarkup{kb}
	}
	return c.callWithRetry(ctx, "editMessageText", msg)
}

// AnswerCallbackQuery stops the loading indicator of a pressed button,
// optionally showing text.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]string{
		"callback_query_id": id,
		"text":              text,
	})
}

func (c *Client) callWithRetry(ctx context.Context, method string, args any) error {
	var err error
	for range sendRetryLimit {
		err = c.call(ctx, method, args)
		if err == nil {
			return nil
		}
		retryable, wait := isRateLimited(err)
		if !retryable {
			return err
		}
		if serr := c.Sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return err
}

func isRateLimited(err error) (retryable bool, wait time.Duration) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}
	var errorResponse struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(statusErr.Body, &errorResponse); err != nil {
		return false, 0
	}
	return true, time.Duration(errorResponse.Parameters.RetryAfter) * time.Second
}

func (c *Client) call(ctx context.Context, method string, args any) error {
	_, err := request.Make[request.IgnoreResponse](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        apiURL + "/bot" + c.token + "/" + method,
		Body:       args,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
	return err
}
