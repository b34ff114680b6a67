// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package notify delivers messages to buyers through the marketplace chat and
// to the operator through Telegram.
//
// Delivery is best effort: failures are logged and never returned.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"go.astrophena.name/autostars/cmd/autostars/internal/telegram"
)

// Marketplace sends chat messages to buyers.
type Marketplace interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Telegram sends messages to the operator.
type Telegram interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb telegram.InlineKeyboard) error
}

// Notifier sends buyer and operator messages.
type Notifier struct {
	market   Marketplace
	tg       Telegram
	operator func() int64
	logger   *slog.Logger
}

// New returns a Notifier. operator returns the current operator chat id.
func New(market Marketplace, tg Telegram, operator func() int64, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{market: market, tg: tg, operator: operator, logger: logger}
}

// Buyer sends plain text to the buyer chat.
func (n *Notifier) Buyer(ctx context.Context, chatID int64, text string) {
	if err := n.market.SendMessage(ctx, chatID, Plain(text)); err != nil {
		n.logger.Error("notifying buyer", "chat_id", chatID, "error", err)
	}
}

// Operator sends HTML to the operator chat. Values interpolated into text
// must be escaped with [Escape]; the builders in this package do that.
func (n *Notifier) Operator(ctx context.Context, text string, kb telegram.InlineKeyboard) {
	chatID := n.operator()
	if chatID == 0 {
		n.logger.Warn("operator chat is not configured, dropping notification", "text", text)
		return
	}
	if err := n.tg.SendMessage(ctx, chatID, strings.ToValidUTF8(text, "�"), kb); err != nil {
		n.logger.Error("notifying operator", "chat_id", chatID, "error", err)
	}
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Escape neutralizes Telegram HTML markup in s.
func Escape(s string) string { return htmlEscaper.Replace(strings.ToValidUTF8(s, "�")) }

// Plain prepares s for the marketplace chat: invalid UTF-8 is replaced and
// control characters other than newlines and tabs are dropped.
func Plain(s string) string {
	return strings.Map(func(r rune) rune {
		if r != '\n' && r != '\t' && unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.ToValidUTF8(s, "�"))
}
