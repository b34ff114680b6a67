// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package panel implements the operator control panel of the Telegram bot.
package panel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.astrophena.name/autostars/cmd/autostars/internal/config"
	"go.astrophena.name/autostars/cmd/autostars/internal/ledger"
	"go.astrophena.name/autostars/cmd/autostars/internal/notify"
	"go.astrophena.name/autostars/cmd/autostars/internal/rail"
	"go.astrophena.name/autostars/cmd/autostars/internal/telegram"
	"go.astrophena.name/autostars/internal/util/syncx"
)

// Bot is the part of the Bot API the panel uses.
type Bot interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb telegram.InlineKeyboard) error
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, kb telegram.InlineKeyboard) error
	AnswerCallbackQuery(ctx context.Context, id, text string) error
}

// Wallet reports the wallet balance in nanotons.
type Wallet interface {
	Balance(ctx context.Context) (int64, error)
}

// Refunder refunds marketplace orders.
type Refunder interface {
	Refund(ctx context.Context, orderID string) error
}

// Reporter renders daily statistics.
type Reporter interface {
	Report(date string) string
}

// Logs returns recent log lines.
type Logs interface {
	Tail(n int) []string
}

// Action handles a button. It returns the HTML reply for the operator.
type Action func(ctx context.Context) (string, error)

// Extension contributes buttons to the settings menu. Extensions are
// rendered and dispatched in registration order, after the built-in
// buttons.
type Extension struct {
	// Rows returns the button rows appended to the menu.
	Rows func() telegram.InlineKeyboard
	// Actions map callback data to handlers.
	Actions map[string]Action
}

// Panel handles operator updates.
type Panel struct {
	bot      Bot
	config   *config.Store
	wallet   Wallet
	refunder Refunder
	ledger   *ledger.Ledger
	stats    Reporter
	logs     Logs
	logger   *slog.Logger

	extensions []Extension
	// pending maps a chat to the setting its next message sets.
	pending *syncx.Protected[map[int64]string]
}

// Options configure a Panel.
type Options struct {
	Bot      Bot
	Config   *config.Store
	Wallet   Wallet
	Refunder Refunder
	Ledger   *ledger.Ledger
	Stats    Reporter
	Logs     Logs
	Logger   *slog.Logger
}

// New returns a Panel.
func New(opts Options) *Panel {
	p := &Panel{
		bot:      opts.Bot,
		config:   opts.Config,
		wallet:   opts.Wallet,
		refunder: opts.Refunder,
		ledger:   opts.Ledger,
		stats:    opts.Stats,
		logs:     opts.Logs,
		logger:   opts.Logger,
		pending:  syncx.Protect(make(map[int64]string)),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Register adds an extension. It must not be called concurrently with
// HandleUpdate.
func (p *Panel) Register(ext Extension) { p.extensions = append(p.extensions, ext) }

// Callback data of built-in buttons.
const (
	cbToggleAutosale = "toggle_autosale"
	cbToggleRefund   = "toggle_refund"
	cbToggleSender   = "toggle_sender"
	cbToggleBalance  = "toggle_balance_format"
	cbStats          = "daily_stats"
	cbLogs           = "send_logs"
	cbEditHash       = "edit_hash"
	cbEditCookie     = "edit_cookie"
	cbEditOperator   = "edit_user_id"
	cbEditDest       = "edit_destination"
	cbRefresh        = "refresh"
)

const logLines = 20

// setting is a value the operator edits by replying to a prompt.
type setting struct {
	title string
	get   func(config.Config) string
	set   func(*config.Config, string) error
}

var settings = map[string]setting{
	cbEditHash: {
		title: "hash Fragment",
		get:   func(c config.Config) string { return c.Fragment.Hash },
		set:   func(c *config.Config, v string) error { c.Fragment.Hash = v; return nil },
	},
	cbEditCookie: {
		title: "cookie Fragment",
		get:   func(c config.Config) string { return c.Fragment.Cookie },
		set:   func(c *config.Config, v string) error { c.Fragment.Cookie = v; return nil },
	},
	cbEditOperator: {
		title: "ID чата оператора",
		get:   func(c config.Config) string { return strconv.FormatInt(c.OperatorChatID, 10) },
		set: func(c *config.Config, v string) error {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%q не является числом", v)
			}
			c.OperatorChatID = id
			return nil
		},
	},
	cbEditDest: {
		title: "адрес получателя",
		get:   func(c config.Config) string { return c.DestinationAddress },
		set:   func(c *config.Config, v string) error { c.DestinationAddress = v; return nil },
	},
}

// HandleUpdate acts on an update from the operator bot. Updates from chats
// other than the operator's are ignored.
func (p *Panel) HandleUpdate(ctx context.Context, u telegram.Update) error {
	operator := p.config.Get().OperatorChatID
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.Message == nil || cq.Message.Chat.ID != operator {
			p.logger.Debug("ignoring callback from a stranger", "user_id", cq.From.ID)
			return nil
		}
		if err := p.bot.AnswerCallbackQuery(ctx, cq.ID, ""); err != nil {
			p.logger.Warn("answering callback query", "error", err)
		}
		return p.handleCallback(ctx, cq.Message.Chat.ID, cq.Message.MessageID, cq.Data)
	case u.Message != nil:
		if u.Message.Chat.ID != operator {
			p.logger.Debug("ignoring message from a stranger", "chat_id", u.Message.Chat.ID)
			return nil
		}
		return p.handleMessage(ctx, u.Message.Chat.ID, strings.TrimSpace(u.Message.Text))
	}
	return nil
}

func (p *Panel) handleMessage(ctx context.Context, chatID int64, text string) error {
	if text == "/cancel" {
		p.pending.Access(func(m map[int64]string) { delete(m, chatID) })
		return p.bot.SendMessage(ctx, chatID, "Отменено.", nil)
	}

	var key string
	p.pending.Access(func(m map[int64]string) {
		key = m[chatID]
		delete(m, chatID)
	})
	if key != "" {
		s := settings[key]
		var setErr error
		_, err := p.config.Update(func(c *config.Config) { setErr = s.set(c, text) })
		if setErr != nil {
			err = setErr
		}
		if err != nil {
			return p.bot.SendMessage(ctx, chatID, "❌ Не удалось сохранить "+s.title+": "+notify.Escape(err.Error()), nil)
		}
		p.logger.Info("setting changed", "setting", key)
		return p.bot.SendMessage(ctx, chatID, "✅ Значение "+s.title+" обновлено.", nil)
	}

	if text == "/stars" {
		menu, kb := p.menu(ctx)
		return p.bot.SendMessage(ctx, chatID, menu, kb)
	}
	return nil
}

func (p *Panel) handleCallback(ctx context.Context, chatID, messageID int64, data string) error {
	reply := func(text string) error { return p.bot.SendMessage(ctx, chatID, text, nil) }
	refresh := func() error {
		menu, kb := p.menu(ctx)
		return p.bot.EditMessageText(ctx, chatID, messageID, menu, kb)
	}
	toggle := func(f func(*config.Config)) error {
		if _, err := p.config.Update(f); err != nil {
			return reply("❌ " + notify.Escape(err.Error()))
		}
		return refresh()
	}

	switch data {
	case cbRefresh:
		return refresh()
	case cbToggleAutosale:
		if !p.config.Get().Autosale {
			balance, err := p.wallet.Balance(ctx)
			if err != nil {
				return reply("❌ Не удалось получить баланс кошелька: " + notify.Escape(err.Error()))
			}
			if balance <= 0 {
				return reply("❌ Баланс кошелька пуст, автопродажа не включена.")
			}
			if err := reply("🚀 Автопродажа включена. Баланс: " + p.formatBalance(balance)); err != nil {
				p.logger.Warn("replying to operator", "error", err)
			}
		}
		return toggle(func(c *config.Config) { c.Autosale = !c.Autosale })
	case cbToggleRefund:
		return toggle(func(c *config.Config) { c.AutoRefund = !c.AutoRefund })
	case cbToggleSender:
		return toggle(func(c *config.Config) { c.ShowSender = !c.ShowSender })
	case cbToggleBalance:
		return toggle(func(c *config.Config) { c.UseOldBalance = !c.UseOldBalance })
	case cbStats:
		return reply(notify.Escape(p.stats.Report("")))
	case cbLogs:
		lines := p.logs.Tail(logLines)
		if len(lines) == 0 {
			return reply("Журнал пуст.")
		}
		return reply("<pre>" + notify.Escape(strings.Join(lines, "\n")) + "</pre>")
	}

	if s, ok := settings[data]; ok {
		p.pending.Access(func(m map[int64]string) { m[chatID] = data })
		return reply(fmt.Sprintf("Текущее значение %s: <code>%s</code>\n\nОтправьте новое значение или /cancel.",
			s.title, notify.Escape(s.get(p.config.Get()))))
	}

	if orderID, ok := strings.CutPrefix(data, notify.RefundCallbackPrefix); ok {
		return reply(p.refund(ctx, orderID))
	}

	for _, ext := range p.extensions {
		if action, ok := ext.Actions[data]; ok {
			text, err := action(ctx)
			if err != nil {
				p.logger.Error("panel action", "action", data, "error", err)
				text = strings.TrimSpace(text + "\n\n❌ " + notify.Escape(err.Error()))
			}
			return reply(text)
		}
	}
	p.logger.Warn("unknown callback data", "data", data)
	return nil
}

func (p *Panel) refund(ctx context.Context, orderID string) string {
	if err := p.refunder.Refund(ctx, orderID); err != nil {
		p.logger.Error("manual refund", "order_id", orderID, "error", err)
		return notify.RefundFailed(orderID, err)
	}
	if _, ok := p.ledger.CancelOrder(ctx, orderID); !ok {
		p.logger.Warn("refunded order has no open record", "order_id", orderID)
	}
	p.logger.Info("order refunded by operator", "order_id", orderID)
	return fmt.Sprintf("✅ Средства по заказу #%s возвращены.", notify.Escape(orderID))
}

func (p *Panel) formatBalance(nanotons int64) string {
	if p.config.Get().UseOldBalance {
		return fmt.Sprintf("%d (старый формат)", nanotons)
	}
	return fmt.Sprintf("%.2f TON", float64(nanotons)/rail.NanotonsPerTON)
}

func onOff(b bool) string {
	if b {
		return "🟢 Включено"
	}
	return "🔴 Выключено"
}

func (p *Panel) menu(ctx context.Context) (string, telegram.InlineKeyboard) {
	cfg := p.config.Get()

	balance := "недоступен"
	if n, err := p.wallet.Balance(ctx); err != nil {
		p.logger.Warn("getting wallet balance", "error", err)
	} else {
		balance = p.formatBalance(n)
	}
	balanceFormat := "TON"
	if cfg.UseOldBalance {
		balanceFormat = "старый формат (без деления на 10^9)"
	}

	var sb strings.Builder
	sb.WriteString("⭐️ <b>AutoStars</b>\n\n")
	fmt.Fprintf(&sb, "<b>Автопродажа:</b> %s\n", onOff(cfg.Autosale))
	fmt.Fprintf(&sb, "<b>Автовозврат:</b> %s\n", onOff(cfg.AutoRefund))
	fmt.Fprintf(&sb, "<b>Показывать отправителя:</b> %s\n", onOff(cfg.ShowSender))
	fmt.Fprintf(&sb, "<b>Формат баланса:</b> %s\n", balanceFormat)
	fmt.Fprintf(&sb, "<b>💰 Баланс:</b> %s\n", balance)
	if missing := cfg.Missing(); len(missing) > 0 {
		fmt.Fprintf(&sb, "\n⚠️ <b>Не заполнено:</b> %s\n", notify.Escape(strings.Join(missing, ", ")))
	}

	btn := func(text, data string) telegram.InlineKeyboardButton {
		return telegram.InlineKeyboardButton{Text: text, CallbackData: data}
	}
	autosale := "▶️ Включить автопродажу"
	if cfg.Autosale {
		autosale = "⏸ Выключить автопродажу"
	}
	kb := telegram.InlineKeyboard{
		{btn(autosale, cbToggleAutosale)},
		{btn("Автовозврат", cbToggleRefund), btn("Отправитель", cbToggleSender)},
		{btn("Формат баланса", cbToggleBalance)},
		{btn("📊 Статистика", cbStats), btn("📄 Логи", cbLogs)},
		{btn("Изменить hash", cbEditHash), btn("Изменить cookie", cbEditCookie)},
		{btn("Изменить ID чата", cbEditOperator), btn("Изменить адрес", cbEditDest)},
	}
	for _, ext := range p.extensions {
		if ext.Rows != nil {
			kb = append(kb, ext.Rows()...)
		}
	}
	kb = append(kb, []telegram.InlineKeyboardButton{btn("🔄 Обновить", cbRefresh)})
	return strings.TrimSuffix(sb.String(), "\n"), kb
}
