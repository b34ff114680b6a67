// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package rail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.astrophena.name/autostars/cmd/autostars/internal/config"
	"go.astrophena.name/autostars/internal/request"
)

const recipientNotFound = "No Telegram users found"

// Fragment is a client of the Fragment web API used to buy Stars.
type Fragment struct {
	httpc  *http.Client
	config func() config.Fragment
}

// NewFragment returns a Fragment client. The session is read from cfg on
// every call, so edits made at runtime apply to the next request.
func NewFragment(cfg func() config.Fragment, httpc *http.Client) *Fragment {
	return &Fragment{httpc: httpc, config: cfg}
}

// Recipient is the result of a recipient search.
type Recipient struct {
	// ID is the opaque recipient token.
	ID string `json:"recipient"`
	// Name is the display name of the Telegram user.
	Name string `json:"name"`
}

// PurchaseRequest is an initialized purchase.
type PurchaseRequest struct {
	ID string
	// Amount is the price in TON.
	Amount float64
}

type fragmentResponse struct {
	OK    *bool  `json:"ok"`
	Error string `json:"error"`
}

func (r fragmentResponse) failed() bool { return (r.OK != nil && !*r.OK) || r.Error != "" }

// Search looks up the Telegram user with the handle. The leading "@" is
// optional.
func (f *Fragment) Search(ctx context.Context, username string, quantity int) (Recipient, error) {
	const op = "searchStarsRecipient"
	resp, err := call[struct {
		fragmentResponse
		Found Recipient `json:"found"`
	}](ctx, f, op, url.Values{
		"query":    {strings.TrimPrefix(username, "@")},
		"quantity": {strconv.Itoa(quantity)},
	})
	if err != nil {
		return Recipient{}, err
	}
	if resp.failed() {
		kind := KindUnclassified
		if strings.Contains(resp.Error, recipientNotFound) {
			kind = KindRecipientNotFound
		}
		return Recipient{}, &Error{Kind: kind, Op: op, Err: errors.New(resp.Error)}
	}
	if resp.Found.ID == "" {
		return Recipient{}, &Error{Kind: KindRecipientNotFound, Op: op, Err: errors.New("no recipient in response")}
	}
	return resp.Found, nil
}

// InitPurchase starts buying quantity Stars for the recipient.
func (f *Fragment) InitPurchase(ctx context.Context, recipient string, quantity int) (PurchaseRequest, error) {
	const op = "initBuyStarsRequest"
	resp, err := call[struct {
		fragmentResponse
		ReqID  string    `json:"req_id"`
		Amount tonAmount `json:"amount"`
	}](ctx, f, op, url.Values{
		"recipient": {recipient},
		"quantity":  {strconv.Itoa(quantity)},
	})
	if err != nil {
		return PurchaseRequest{}, err
	}
	if resp.failed() {
		return PurchaseRequest{}, &Error{Op: op, Err: errors.New(resp.Error)}
	}
	if resp.ReqID == "" || resp.Amount <= 0 {
		return PurchaseRequest{}, &Error{Op: op, Err: errors.New("no req_id or amount in response")}
	}
	return PurchaseRequest{ID: resp.ReqID, Amount: float64(resp.Amount)}, nil
}

// PurchaseLink returns the base64 payload of the transfer that pays for the
// purchase.
func (f *Fragment) PurchaseLink(ctx context.Context, reqID string, showSender bool) (string, error) {
	const op = "getBuyStarsLink"
	cfg := f.config()
	resp, err := call[struct {
		fragmentResponse
		Transaction struct {
			Messages []struct {
				Payload string `json:"payload"`
			} `json:"messages"`
		} `json:"transaction"`
	}](ctx, f, op, url.Values{
		"account":     {cfg.Account},
		"device":      {cfg.Device},
		"transaction": {"1"},
		"id":          {reqID},
		"show_sender": {boolFlag(showSender)},
	})
	if err != nil {
		return "", err
	}
	if resp.failed() {
		return "", &Error{Op: op, Err: errors.New(resp.Error)}
	}
	if len(resp.Transaction.Messages) == 0 || resp.Transaction.Messages[0].Payload == "" {
		return "", &Error{Op: op, Err: errors.New("no transaction payload in response")}
	}
	return resp.Transaction.Messages[0].Payload, nil
}

func call[R any](ctx context.Context, f *Fragment, op string, form url.Values) (R, error) {
	cfg := f.config()
	form.Set("method", op)

	var scrub []string
	for _, secret := range []string{cfg.Hash, cfg.Cookie} {
		if secret != "" {
			scrub = append(scrub, secret, "[EXPUNGED]")
		}
	}
	p := request.Params{
		Method: http.MethodPost,
		URL:    cfg.URL + "?hash=" + url.QueryEscape(cfg.Hash),
		Form:   form,
		Headers: map[string]string{
			"Accept":           "application/json, text/javascript, */*; q=0.01",
			"Cookie":           cfg.Cookie,
			"Origin":           "https://fragment.com",
			"Referer":          "https://fragment.com/stars/buy",
			"X-Requested-With": "XMLHttpRequest",
		},
		HTTPClient: f.httpc,
	}
	if len(scrub) > 0 {
		p.Scrubber = strings.NewReplacer(scrub...)
	}

	resp, err := request.Make[R](ctx, p)
	if err != nil {
		var de *request.DecodeError
		if errors.As(err, &de) {
			return resp, &Error{Kind: KindDecode, Op: op, Err: err}
		}
		return resp, &Error{Op: op, Err: err}
	}
	return resp, nil
}

// RefID extracts the purchase reference from a transfer payload.
func RefID(payload string) (string, error) {
	if n := len(payload) % 4; n != 0 {
		payload += strings.Repeat("=", 4-n)
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}
	_, ref, ok := bytes.Cut(b, []byte("Ref#"))
	if !ok {
		return "", errors.New("payload has no reference")
	}
	// Payloads aren't UTF-8. Read them as Latin-1.
	runes := make([]rune, 0, len(ref))
	for _, c := range ref {
		runes = append(runes, rune(c))
	}
	return strings.TrimSpace(string(runes)), nil
}

// Memo returns the transfer comment for the purchase.
func Memo(quantity int, refID string) string {
	return fmt.Sprintf("%d Telegram Stars \n\nRef#%s", quantity, refID)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// tonAmount accepts amounts encoded both as JSON numbers and strings.
type tonAmount float64

func (a *tonAmount) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %s: %w", b, err)
	}
	*a = tonAmount(f)
	return nil
}
