// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package rail buys Telegram Stars: it finds the recipient and prices the
// purchase on Fragment, then pays for it from the seller's TON wallet.
//
// Every failure is an [*Error] carrying a [Kind].
package rail

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"go.astrophena.name/autostars/cmd/autostars/internal/config"
)

// Rail runs purchases. Purchases must not run concurrently: the wallet
// sequence number is shared.
type Rail struct {
	fragment *Fragment
	wallet   *Wallet
	config   func() config.Config
	logger   *slog.Logger
}

// New returns a Rail reading its settings from cfg. If httpc is nil,
// request.DefaultClient is used. If logger is nil, slog.Default is used.
func New(cfg func() config.Config, httpc *http.Client, logger *slog.Logger) *Rail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rail{
		fragment: NewFragment(func() config.Fragment { return cfg().Fragment }, httpc),
		wallet:   NewWallet(func() config.Wallet { return cfg().Wallet }, httpc),
		config:   cfg,
		logger:   logger,
	}
}

// Receipt describes a submitted purchase.
type Receipt struct {
	TxHash   string
	RefID    string
	Quantity int
	// Amount is the price in nanotons.
	Amount int64
}

// Search looks up the Telegram user behind the handle.
func (r *Rail) Search(ctx context.Context, username string, quantity int) (Recipient, error) {
	return r.fragment.Search(ctx, username, quantity)
}

// Balance returns the wallet balance in nanotons.
func (r *Rail) Balance(ctx context.Context) (int64, error) {
	return r.wallet.Balance(ctx)
}

// Purchase buys quantity Stars for the handle and submits the payment. A nil
// error means the transfer was accepted, not that it has settled.
func (r *Rail) Purchase(ctx context.Context, username string, quantity int) (Receipt, error) {
	cfg := r.config()

	recipient, err := r.fragment.Search(ctx, username, quantity)
	if err != nil {
		return Receipt{}, err
	}
	req, err := r.fragment.InitPurchase(ctx, recipient.ID, quantity)
	if err != nil {
		return Receipt{}, err
	}
	payload, err := r.fragment.PurchaseLink(ctx, req.ID, cfg.ShowSender)
	if err != nil {
		return Receipt{}, err
	}
	refID, err := RefID(payload)
	if err != nil {
		return Receipt{}, &Error{Op: "getBuyStarsLink", Err: err}
	}

	amount := int64(math.Round(req.Amount * NanotonsPerTON))
	balance, err := r.wallet.Balance(ctx)
	if err != nil {
		return Receipt{}, err
	}
	if balance < amount {
		return Receipt{}, &Error{
			Kind: KindInsufficientFunds,
			Op:   "balance",
			Err:  fmt.Errorf("need %s TON, have %s TON", FormatTON(amount), FormatTON(balance)),
		}
	}

	txHash, err := r.wallet.Send(ctx, Transfer{
		Destination: cfg.DestinationAddress,
		Amount:      amount,
		Comment:     Memo(quantity, refID),
	})
	// Only a rejection proves nothing was sent. Anything else, a broken
	// response included, may hide a submitted transfer.
	if err != nil && KindOf(err) != KindTransientRejection {
		return Receipt{RefID: refID, Quantity: quantity, Amount: amount}, &Error{Kind: KindTransferUnknown, Op: "transfer", Err: err}
	}
	if err != nil {
		return Receipt{}, err
	}
	r.logger.Info("transfer submitted", "username", username, "quantity", quantity, "tx_hash", txHash, "ref_id", refID)
	return Receipt{TxHash: txHash, RefID: refID, Quantity: quantity, Amount: amount}, nil
}

// FormatTON formats nanotons as TON with up to nine decimals.
func FormatTON(nanotons int64) string {
	sign := ""
	if nanotons < 0 {
		sign, nanotons = "-", -nanotons
	}
	whole, frac := nanotons/NanotonsPerTON, nanotons%NanotonsPerTON
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	s := fmt.Sprintf("%s%d.%09d", sign, whole, frac)
	for s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	return s
}
