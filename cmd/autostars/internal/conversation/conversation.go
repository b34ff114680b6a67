// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package conversation walks buyers through an order: it collects the
// payout handle, asks for confirmation and hands confirmed orders to the
// payment queue.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/autostars/cmd/autostars/internal/config"
	"go.astrophena.name/autostars/cmd/autostars/internal/ledger"
	"go.astrophena.name/autostars/cmd/autostars/internal/marketplace"
	"go.astrophena.name/autostars/cmd/autostars/internal/notify"
	"go.astrophena.name/autostars/cmd/autostars/internal/payment"
	"go.astrophena.name/autostars/cmd/autostars/internal/rail"
	"go.astrophena.name/autostars/cmd/autostars/internal/telegram"
)

// Marketplace is the part of the account API the conversation uses.
type Marketplace interface {
	Order(ctx context.Context, id string) (*marketplace.Order, error)
	Refund(ctx context.Context, id string) error
	ChatByName(ctx context.Context, name string) (*marketplace.Chat, error)
}

// Recipients looks up payout handles.
type Recipients interface {
	Search(ctx context.Context, username string, quantity int) (rail.Recipient, error)
}

// Queue accepts confirmed orders.
type Queue interface {
	Enqueue(t payment.Task) (int, error)
}

// Notifier delivers messages to the buyer and the operator.
type Notifier interface {
	Buyer(ctx context.Context, chatID int64, text string)
	Operator(ctx context.Context, text string, kb telegram.InlineKeyboard)
}

// Reporter renders daily statistics.
type Reporter interface {
	Report(date string) string
}

// Commands recognized in buyer chats.
const (
	StatusCommand = "!status"
	BackCommand   = "!бэк"
	// BackCommandLatin is accepted for buyers without a Cyrillic keyboard.
	BackCommandLatin = "!back"
)

// lookupQuantity is the quantity sent with recipient pre-checks.
const lookupQuantity = 50

// usernameParam is the checkout field holding the payout handle.
const usernameParam = "Telegram Username"

var (
	unitsRe  = regexp.MustCompile(`(?i)(\d+)\s*(stars?|звёзд\S*|звезд\S*)`)
	handleRe = regexp.MustCompile(`^@\w+$`)
	tmeRe    = regexp.MustCompile(`(?i)t\.me/(\w+)`)
)

var (
	affirmative = []string{"да", "+", "yes", "y", "д"}
	negative    = []string{"нет", "-", "no", "n", "н"}
)

// Machine reacts to marketplace events. It's safe for concurrent use.
type Machine struct {
	market     Marketplace
	recipients Recipients
	queue      Queue
	ledger     *ledger.Ledger
	notifier   Notifier
	stats      Reporter
	config     func() config.Config
	self       marketplace.Identity
	logger     *slog.Logger
	now        func() time.Time
}

// Options configure a Machine.
type Options struct {
	Market     Marketplace
	Recipients Recipients
	Queue      Queue
	Ledger     *ledger.Ledger
	Notifier   Notifier
	Stats      Reporter
	Config     func() config.Config
	// Self is the marketplace account the service acts as. Its messages are
	// ignored.
	Self   marketplace.Identity
	Logger *slog.Logger
	Now    func() time.Time
}

// New returns a Machine.
func New(opts Options) *Machine {
	m := &Machine{
		market:     opts.Market,
		recipients: opts.Recipients,
		queue:      opts.Queue,
		ledger:     opts.Ledger,
		notifier:   opts.Notifier,
		stats:      opts.Stats,
		config:     opts.Config,
		self:       opts.Self,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// ParseUnits returns the number of stars per lot named in an order
// description.
func ParseUnits(description string) (int, bool) {
	match := unitsRe.FindStringSubmatch(description)
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// HandleOrder registers a paid order. Orders that don't sell stars are
// ignored. An error means the order wasn't registered and the event can be
// delivered again.
func (m *Machine) HandleOrder(ctx context.Context, e marketplace.OrderEvent) error {
	cfg := m.config()
	log := m.logger.With("order_id", e.OrderID)
	if !cfg.Autosale {
		log.Debug("autosale is off, ignoring order")
		return nil
	}
	units, ok := ParseUnits(e.Description)
	if !ok {
		log.Debug("order doesn't sell stars", "description", e.Description)
		return nil
	}

	chat, err := m.market.ChatByName(ctx, e.BuyerUsername)
	if err != nil {
		return fmt.Errorf("resolving chat of %q: %w", e.BuyerUsername, err)
	}
	if chat == nil {
		log.Warn("buyer chat not found, skipping order", "buyer", e.BuyerUsername)
		return nil
	}
	log = log.With("chat_id", chat.ID)

	if e.Amount < 1 {
		m.notifier.Buyer(ctx, chat.ID, notify.SmallOrder(units))
		return nil
	}
	total := units * e.Amount
	// The record is reserved before any slow call so that a redelivery of
	// the same order can't register it twice.
	if _, added := m.ledger.AddIfAbsent(ctx, ledger.Record{
		OrderID:     e.OrderID,
		BuyerChatID: chat.ID,
		Quantity:    total,
	}); !added {
		log.Debug("order is already registered")
		return nil
	}
	if !cfg.QuantityAllowed(total) {
		log.Warn("quantity isn't in allowed_quantities", "quantity", total)
	}

	m.notifier.Buyer(ctx, chat.ID, notify.Quantity(e.Amount, total))
	m.notifier.Operator(ctx, notify.NewOrder(e, total), nil)

	username := m.detectUsername(ctx, e.OrderID)
	if username == "" {
		log.Info("order registered, asking for username", "quantity", total)
		m.notifier.Buyer(ctx, chat.ID, notify.AskUsername(total))
		return nil
	}

	lookup := m.lookup(ctx, username)
	_, detected := m.ledger.Update(ctx, chat.ID, e.OrderID, func(r *ledger.Record) bool {
		// The buyer may have typed a handle while the order was looked up.
		if r.Username != "" {
			return false
		}
		r.Username = username
		r.AutoDetected = true
		r.FragmentFoundName = lookup.Name
		r.FragmentLookupID = lookup.ID
		return true
	})
	if !detected {
		log.Info("order registered, username already set")
		return nil
	}
	log.Info("order registered with detected username", "quantity", total, "username", username, "fragment_id", lookup.ID)
	m.notifier.Buyer(ctx, chat.ID, notify.ConfirmDetected(total, username, lookup))
	return nil
}

// detectUsername returns the handle the buyer entered at checkout, or an
// empty string.
func (m *Machine) detectUsername(ctx context.Context, orderID string) string {
	order, err := m.market.Order(ctx, orderID)
	if err != nil {
		m.logger.Error("getting order details", "order_id", orderID, "error", err)
		return ""
	}
	if order == nil {
		return ""
	}
	for k, v := range order.BuyerParams {
		if !strings.EqualFold(k, usernameParam) {
			continue
		}
		if h, ok := ExtractUsername(v); ok {
			return h
		}
	}
	return ""
}

// ExtractUsername normalizes a handle typed into a checkout field. A t.me
// link yields its path, other links are rejected and a missing "@" is added.
func ExtractUsername(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if match := tmeRe.FindStringSubmatch(v); match != nil {
		v = match[1]
	} else if lower := strings.ToLower(v); strings.Contains(lower, "http://") || strings.Contains(lower, "https://") {
		return "", false
	}
	if !strings.HasPrefix(v, "@") {
		v = "@" + v
	}
	if !handleRe.MatchString(v) {
		return "", false
	}
	return v, true
}

// lookup runs the recipient pre-check. Failures look like a missing
// recipient.
func (m *Machine) lookup(ctx context.Context, username string) notify.Lookup {
	r, err := m.recipients.Search(ctx, username, lookupQuantity)
	if err != nil {
		m.logger.Warn("recipient pre-check", "username", username, "error", err)
		return notify.Lookup{}
	}
	return notify.Lookup{Name: notify.Mask(r.Name), ID: r.ID}
}

// HandleMessage reacts to a chat message.
func (m *Machine) HandleMessage(ctx context.Context, e marketplace.MessageEvent) {
	if !m.config().Autosale {
		return
	}
	if e.ChatID == m.self.ID ||
		strings.EqualFold(e.Author, m.self.Username) ||
		strings.EqualFold(e.Author, marketplace.SystemAuthor) {
		return
	}

	text := strings.TrimSpace(e.Text)
	lower := strings.ToLower(text)
	if cmd, arg, _ := strings.Cut(lower, " "); cmd == StatusCommand {
		m.notifier.Buyer(ctx, e.ChatID, m.stats.Report(strings.TrimSpace(arg)))
		return
	}

	rec, ok := m.ledger.Active(e.ChatID)
	if !ok {
		return
	}
	log := m.logger.With("order_id", rec.OrderID, "chat_id", e.ChatID)

	if strings.HasPrefix(lower, BackCommand) || strings.HasPrefix(lower, BackCommandLatin) {
		m.cancel(ctx, log, rec)
		return
	}

	switch rec.State() {
	case ledger.AwaitingConfirmation:
		m.confirm(ctx, log, rec, lower)
	case ledger.AwaitingUsername:
		m.setUsername(ctx, log, rec, text)
	}
}

func (m *Machine) cancel(ctx context.Context, log *slog.Logger, rec ledger.Record) {
	rec, ok := m.ledger.Update(ctx, rec.BuyerChatID, rec.OrderID, func(r *ledger.Record) bool {
		if r.Answered || r.Confirmed {
			return false
		}
		r.Canceled = true
		return true
	})
	if !ok {
		log.Debug("order can't be canceled anymore")
		return
	}
	if err := m.market.Refund(ctx, rec.OrderID); err != nil {
		log.Error("refunding canceled order", "error", err)
		text, kb := notify.ManualRefund(rec.OrderID, "покупатель отменил заказ, автоматический возврат не удался: "+err.Error())
		m.notifier.Operator(ctx, text, kb)
		m.notifier.Buyer(ctx, rec.BuyerChatID, notify.CancelRefundPending)
		return
	}
	log.Info("order canceled by buyer")
	m.notifier.Buyer(ctx, rec.BuyerChatID, notify.OrderCanceled)
}

func (m *Machine) confirm(ctx context.Context, log *slog.Logger, rec ledger.Record, answer string) {
	switch {
	case slices.Contains(affirmative, answer):
		rec, ok := m.ledger.Update(ctx, rec.BuyerChatID, rec.OrderID, func(r *ledger.Record) bool {
			if r.Confirmed || r.Username == "" {
				return false
			}
			r.Confirmed = true
			r.Answered = true
			return true
		})
		if !ok {
			return
		}
		pos, err := m.queue.Enqueue(payment.NewTask(rec, m.now()))
		if err != nil {
			log.Error("enqueueing payment", "error", err)
			// Nothing will pay for it; let the buyer confirm again later.
			m.ledger.Update(ctx, rec.BuyerChatID, rec.OrderID, func(r *ledger.Record) bool {
				r.Confirmed, r.Answered = false, false
				return true
			})
			m.notifier.Buyer(ctx, rec.BuyerChatID, notify.ConfirmLater)
			return
		}
		log.Info("order confirmed", "username", rec.Username, "position", pos)
		m.notifier.Buyer(ctx, rec.BuyerChatID, notify.Queued(pos))
	case slices.Contains(negative, answer):
		var auto bool
		_, ok := m.ledger.Update(ctx, rec.BuyerChatID, rec.OrderID, func(r *ledger.Record) bool {
			if r.Confirmed || r.Username == "" {
				return false
			}
			auto = r.AutoDetected
			r.Username = ""
			r.AutoDetected = false
			r.FragmentFoundName = ""
			r.FragmentLookupID = ""
			return true
		})
		if !ok {
			return
		}
		log.Info("buyer rejected username", "username", rec.Username)
		if auto {
			m.notifier.Buyer(ctx, rec.BuyerChatID, notify.EnterCorrectHandle)
		} else {
			m.notifier.Buyer(ctx, rec.BuyerChatID, notify.EnterUsernameAgain)
		}
	default:
		m.notifier.Buyer(ctx, rec.BuyerChatID, notify.AnswerYesOrNo)
	}
}

func (m *Machine) setUsername(ctx context.Context, log *slog.Logger, rec ledger.Record, text string) {
	if !handleRe.MatchString(text) {
		m.notifier.Buyer(ctx, rec.BuyerChatID, notify.InvalidUsername)
		return
	}
	if _, ok := m.ledger.Update(ctx, rec.BuyerChatID, rec.OrderID, func(r *ledger.Record) bool {
		if r.Username != "" {
			return false
		}
		r.Username = text
		return true
	}); !ok {
		return
	}

	lookup := m.lookup(ctx, text)
	m.ledger.Update(ctx, rec.BuyerChatID, rec.OrderID, func(r *ledger.Record) bool {
		if r.Username != text {
			return false
		}
		r.FragmentFoundName = lookup.Name
		r.FragmentLookupID = lookup.ID
		return true
	})
	log.Info("buyer entered username", "username", text, "fragment_id", lookup.ID)
	m.notifier.Buyer(ctx, rec.BuyerChatID, notify.ConfirmEntered(text, lookup))
}
