// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package payment pays for confirmed orders one at a time and reconciles
// every outcome with the buyer, the operator, the ledger and statistics.
package payment

import (
	"context"
	"log/slog"
	"time"

	"go.astrophena.name/autostars/cmd/autostars/internal/config"
	"go.astrophena.name/autostars/cmd/autostars/internal/ledger"
	"go.astrophena.name/autostars/cmd/autostars/internal/lots"
	"go.astrophena.name/autostars/cmd/autostars/internal/notify"
	"go.astrophena.name/autostars/cmd/autostars/internal/rail"
	"go.astrophena.name/autostars/cmd/autostars/internal/telegram"
	"go.astrophena.name/autostars/internal/retry"
)

// Retry limits.
const (
	TransientAttempts = 3
	MaxDecodeRetries  = 3
	RetryDelay        = 5 * time.Second
)

// Rail buys Stars.
type Rail interface {
	Purchase(ctx context.Context, username string, quantity int) (rail.Receipt, error)
}

// Settler waits for a transfer to settle.
type Settler interface {
	Wait(ctx context.Context, txHash string) error
}

// Refunder refunds marketplace orders.
type Refunder interface {
	Refund(ctx context.Context, orderID string) error
}

// Deactivator switches off the seller's lots.
type Deactivator interface {
	Deactivate(ctx context.Context) (lots.Report, error)
}

// Recorder aggregates outcomes.
type Recorder interface {
	Record(ctx context.Context, success bool, quantity int)
}

// Notifier delivers messages.
type Notifier interface {
	Buyer(ctx context.Context, chatID int64, text string)
	Operator(ctx context.Context, text string, kb telegram.InlineKeyboard)
}

// Worker drains a Queue, running one payment at a time.
type Worker struct {
	Queue    *Queue
	Ledger   *ledger.Ledger
	Rail     Rail
	Settler  Settler
	Refunder Refunder
	Lots     Deactivator
	Stats    Recorder
	Notifier Notifier
	Config   func() config.Config
	Logger   *slog.Logger
	// Sleep replaces retry.Sleep in tests.
	Sleep func(context.Context, time.Duration) error
}

// Run processes tasks until ctx is done or the queue is closed and drained.
// A task in flight when ctx is done is abandoned; its record stays
// confirmed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		t, ok := w.Queue.next(ctx)
		if !ok {
			return nil
		}
		w.Process(ctx, t)
	}
}

// Process runs the payment of t to a terminal or recoverable outcome.
func (w *Worker) Process(ctx context.Context, t Task) {
	logger := w.logger().With("task_id", t.ID, "order_id", t.OrderID, "chat_id", t.BuyerChatID)

	for {
		rec, ok := w.Ledger.Find(t.BuyerChatID, t.OrderID)
		if !ok || rec.State() != ledger.Confirmed {
			logger.Info("skipping task, order is no longer confirmed", "state", rec.State())
			return
		}

		logger.Info("processing payment", "username", t.Username, "quantity", t.Quantity)
		receipt, err := w.purchase(ctx, logger, t)
		if err == nil {
			err = w.Settler.Wait(ctx, receipt.TxHash)
		}
		if ctx.Err() != nil {
			logger.Warn("payment abandoned on shutdown", "error", ctx.Err())
			return
		}
		if err == nil {
			w.complete(ctx, logger, t, receipt)
			return
		}

		kind := rail.KindOf(err)
		logger.Error("payment failed", "kind", kind, "error", err)
		switch kind {
		case rail.KindRecipientNotFound:
			w.Ledger.Update(ctx, t.BuyerChatID, t.OrderID, func(r *ledger.Record) bool {
				r.Username, r.Confirmed, r.Answered, r.AutoDetected = "", false, false, false
				r.FragmentFoundName, r.FragmentLookupID = "", ""
				return true
			})
			w.Notifier.Buyer(ctx, t.BuyerChatID, notify.RecipientNotFound)
			return

		case rail.KindDecode:
			rec, _ := w.Ledger.Update(ctx, t.BuyerChatID, t.OrderID, func(r *ledger.Record) bool {
				r.RetryCount++
				return true
			})
			if rec.RetryCount <= MaxDecodeRetries {
				logger.Warn("retrying after decode failure", "retry_count", rec.RetryCount)
				if err := w.sleep(ctx, RetryDelay); err != nil {
					logger.Warn("payment abandoned on shutdown", "error", err)
					return
				}
				continue
			}
			w.Stats.Record(ctx, false, t.Quantity)
			w.Notifier.Buyer(ctx, t.BuyerChatID, notify.RetriesExhausted)
			w.flagOperator(ctx, t, err.Error())
			return

		case rail.KindTransferUnknown:
			// A refund or a retry could pay twice; the operator checks
			// the wallet first.
			w.Stats.Record(ctx, false, t.Quantity)
			w.Notifier.Buyer(ctx, t.BuyerChatID, notify.UnsettledContact)
			w.Ledger.Update(ctx, t.BuyerChatID, t.OrderID, func(r *ledger.Record) bool {
				r.Failed = true
				return true
			})
			text, kb := notify.TransferUnknown(t.OrderID, err.Error())
			w.Notifier.Operator(ctx, text, kb)
			return

		case rail.KindTransientRejection:
			w.Stats.Record(ctx, false, t.Quantity)
			w.Notifier.Buyer(ctx, t.BuyerChatID, notify.RetriesExhausted)
			w.refundOrFlag(ctx, logger, t, err.Error())
			return

		case rail.KindInsufficientFunds:
			w.Stats.Record(ctx, false, t.Quantity)
			if w.Config().AutoRefund {
				w.Notifier.Buyer(ctx, t.BuyerChatID, notify.NoFundsRefunded)
			} else {
				w.Notifier.Buyer(ctx, t.BuyerChatID, notify.NoFundsContact)
			}
			w.refundOrFlag(ctx, logger, t, err.Error())
			w.deactivateLots(ctx, logger)
			return

		case rail.KindSettlementTimeout:
			w.Stats.Record(ctx, false, t.Quantity)
			if w.Config().AutoRefund {
				w.Notifier.Buyer(ctx, t.BuyerChatID, notify.UnsettledRefunded)
			} else {
				w.Notifier.Buyer(ctx, t.BuyerChatID, notify.UnsettledContact)
			}
			w.refundOrFlag(ctx, logger, t, err.Error())
			return

		default:
			w.Stats.Record(ctx, false, t.Quantity)
			w.Notifier.Buyer(ctx, t.BuyerChatID, notify.OrderFailed)
			w.refundOrFlag(ctx, logger, t, err.Error())
			return
		}
	}
}

func (w *Worker) purchase(ctx context.Context, logger *slog.Logger, t Task) (rail.Receipt, error) {
	var receipt rail.Receipt
	policy := retry.Policy{
		Attempts: TransientAttempts,
		Delay:    RetryDelay,
		ShouldRetry: func(err error) bool {
			return ctx.Err() == nil && rail.KindOf(err) == rail.KindTransientRejection
		},
		Sleep: w.Sleep,
	}
	err := policy.Do(ctx, func(attempt int) error {
		var err error
		receipt, err = w.Rail.Purchase(ctx, t.Username, t.Quantity)
		if err != nil && rail.KindOf(err) == rail.KindTransientRejection {
			logger.Warn("transfer not accepted", "attempt", attempt, "error", err)
		}
		return err
	})
	return receipt, err
}

func (w *Worker) complete(ctx context.Context, logger *slog.Logger, t Task, receipt rail.Receipt) {
	w.Ledger.Update(ctx, t.BuyerChatID, t.OrderID, func(r *ledger.Record) bool {
		r.Completed = true
		return true
	})
	w.Stats.Record(ctx, true, t.Quantity)
	logger.Info("payment completed", "tx_hash", receipt.TxHash, "ref_id", receipt.RefID)

	cfg := w.Config()
	w.Notifier.Buyer(ctx, t.BuyerChatID, cfg.CompletedMessage(notify.TonViewerURL(receipt.TxHash), t.Quantity, receipt.RefID, t.OrderID))
	w.Notifier.Operator(ctx, notify.Completed(t.Username, t.Quantity, receipt.RefID, receipt.TxHash), nil)
}

// refundOrFlag ends a fatal outcome: with auto-refund on the order is
// refunded and canceled, otherwise it's marked failed and the operator gets a
// manual refund button.
func (w *Worker) refundOrFlag(ctx context.Context, logger *slog.Logger, t Task, reason string) {
	if !w.Config().AutoRefund {
		w.flagOperator(ctx, t, reason)
		return
	}
	if err := w.Refunder.Refund(ctx, t.OrderID); err != nil {
		logger.Error("refunding order", "error", err)
		w.Notifier.Operator(ctx, notify.RefundFailed(t.OrderID, err), nil)
		w.flagOperator(ctx, t, reason)
		return
	}
	w.Ledger.Update(ctx, t.BuyerChatID, t.OrderID, func(r *ledger.Record) bool {
		r.Canceled = true
		return true
	})
	w.Notifier.Operator(ctx, notify.Refunded(t.Username, reason), nil)
}

func (w *Worker) flagOperator(ctx context.Context, t Task, reason string) {
	w.Ledger.Update(ctx, t.BuyerChatID, t.OrderID, func(r *ledger.Record) bool {
		r.Failed = true
		return true
	})
	text, kb := notify.ManualRefund(t.OrderID, reason)
	w.Notifier.Operator(ctx, text, kb)
}

func (w *Worker) deactivateLots(ctx context.Context, logger *slog.Logger) {
	text := "❌ Недостаточно средств на кошельке.\n\n"
	rep, err := w.Lots.Deactivate(ctx)
	if err != nil {
		logger.Error("deactivating lots", "error", err)
		text += "⚠️ Ошибка деактивации лотов: " + notify.Escape(err.Error()) + "\n\n"
	}
	w.Notifier.Operator(ctx, text+rep.String(), nil)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	if w.Sleep != nil {
		return w.Sleep(ctx, d)
	}
	return retry.Sleep(ctx, d)
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
