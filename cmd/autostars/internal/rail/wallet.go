// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package rail

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.astrophena.name/autostars/cmd/autostars/internal/config"
	"go.astrophena.name/autostars/internal/request"
)

// NanotonsPerTON is the number of nanotons in one TON.
const NanotonsPerTON = 1_000_000_000

// Wallet is a client of the wallet daemon that holds the seller's keys and
// signs transfers.
type Wallet struct {
	httpc  *http.Client
	config func() config.Wallet
}

// NewWallet returns a Wallet client. The daemon address is read from cfg on
// every call.
func NewWallet(cfg func() config.Wallet, httpc *http.Client) *Wallet {
	return &Wallet{httpc: httpc, config: cfg}
}

// Transfer is an outgoing transfer.
type Transfer struct {
	Destination string `json:"destination"`
	// Amount is in nanotons.
	Amount  int64  `json:"amount"`
	Comment string `json:"comment"`
}

// Balance returns the wallet balance in nanotons.
func (w *Wallet) Balance(ctx context.Context) (int64, error) {
	resp, err := walletCall[struct {
		Balance int64 `json:"balance"`
	}](ctx, w, "balance", http.MethodGet, "/balance", nil)
	return resp.Balance, err
}

// Send submits the transfer and returns its message hash.
func (w *Wallet) Send(ctx context.Context, t Transfer) (string, error) {
	const op = "transfer"
	resp, err := walletCall[struct {
		TxHash string `json:"tx_hash"`
	}](ctx, w, op, http.MethodPost, "/transfer", t)
	if err != nil {
		return "", err
	}
	if resp.TxHash == "" {
		return "", &Error{Op: op, Err: errors.New("no tx_hash in response")}
	}
	return resp.TxHash, nil
}

func walletCall[R any](ctx context.Context, w *Wallet, op, method, path string, body any) (R, error) {
	cfg := w.config()
	p := request.Params{
		Method:     method,
		URL:        strings.TrimSuffix(cfg.URL, "/") + path,
		Body:       body,
		HTTPClient: w.httpc,
	}
	if cfg.Token != "" {
		p.Headers = map[string]string{"Authorization": "Bearer " + cfg.Token}
		p.Scrubber = strings.NewReplacer(cfg.Token, "[EXPUNGED]")
	}
	resp, err := request.Make[R](ctx, p)
	if err == nil {
		return resp, nil
	}
	var (
		se *request.StatusError
		de *request.DecodeError
	)
	switch {
	case errors.As(err, &se) && se.StatusCode == http.StatusNotAcceptable:
		return resp, &Error{Kind: KindTransientRejection, Op: op, Err: err}
	case errors.As(err, &de):
		return resp, &Error{Kind: KindDecode, Op: op, Err: err}
	}
	return resp, &Error{Op: op, Err: err}
}
