// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package marketplace talks to the marketplace account through the Cardinal
// bridge: it defines the events the bridge delivers and a client for the
// account actions the bridge exposes.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.astrophena.name/autostars/internal/request"
)

// SystemAuthor is the author name of marketplace service messages.
const SystemAuthor = "FunPay"

// OrderURL returns the marketplace page of the order.
func OrderURL(orderID string) string { return "https://funpay.com/orders/" + orderID + "/" }

// OrderEvent is delivered when a buyer pays for an order.
type OrderEvent struct {
	OrderID       string  `json:"order_id"`
	BuyerID       int64   `json:"buyer_id"`
	BuyerUsername string  `json:"buyer_username"`
	Description   string  `json:"description"`
	Amount        int     `json:"amount"`
	Price         float64 `json:"price"`
	Currency      string  `json:"currency"`
}

// MessageEvent is delivered for every new chat message, including the
// account's own.
type MessageEvent struct {
	ChatID   int64  `json:"chat_id"`
	ChatName string `json:"chat_name"`
	Author   string `json:"author"`
	AuthorID int64  `json:"author_id"`
	Text     string `json:"text"`
}

// Identity is the marketplace account the bridge is logged in as.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Order is the order detail.
type Order struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	// BuyerParams holds the fields the buyer filled in at checkout, keyed
	// by field title.
	BuyerParams map[string]string `json:"buyer_params"`
}

// Chat is a marketplace chat.
type Chat struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Lot holds the editable fields of a listing.
type Lot struct {
	ID     int64             `json:"id"`
	Active bool              `json:"active"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ErrRateLimited is matched by errors.Is for errors returned when the
// marketplace asks the caller to back off.
var ErrRateLimited = errors.New("marketplace: rate limited")

// RateLimitError reports an HTTP 429 response from the bridge.
type RateLimitError struct {
	Op  string
	Err error
}

func (e *RateLimitError) Error() string { return e.Op + ": rate limited: " + e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRateLimited) true.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Client is an HTTP client of the bridge API.
type Client struct {
	baseURL  string
	token    string
	httpc    *http.Client
	scrubber *strings.Replacer
}

// NewClient returns a Client for the bridge at baseURL. If httpc is nil,
// request.DefaultClient is used.
func NewClient(baseURL, token string, httpc *http.Client) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpc:   httpc,
	}
	if token != "" {
		c.scrubber = strings.NewReplacer(token, "[EXPUNGED]")
	}
	return c
}

// Me returns the identity of the account.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	return doJSON[Identity](ctx, c, "me", http.MethodGet, "/account", nil)
}

// Order returns the order detail.
func (c *Client) Order(ctx context.Context, id string) (*Order, error) {
	o, err := doJSON[Order](ctx, c, "get order", http.MethodGet, "/orders/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Refund refunds the order.
func (c *Client) Refund(ctx context.Context, id string) error {
	_, err := doJSON[request.IgnoreResponse](ctx, c, "refund", http.MethodPost, "/orders/"+url.PathEscape(id)+"/refund", nil)
	return err
}

// ChatByName returns the chat with the user called name, or nil if there is
// none.
func (c *Client) ChatByName(ctx context.Context, name string) (*Chat, error) {
	chat, err := doJSON[Chat](ctx, c, "chat by name", http.MethodGet, "/chats?name="+url.QueryEscape(name), nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// SendMessage sends text to the chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := doJSON[request.IgnoreResponse](ctx, c, "send message", http.MethodPost,
		"/chats/"+strconv.FormatInt(chatID, 10)+"/messages", map[string]string{"text": text})
	return err
}

// Lots returns the ids of the account's lots in the subcategory.
func (c *Client) Lots(ctx context.Context, subcategoryID int64) ([]int64, error) {
	resp, err := doJSON[struct {
		Lots []int64 `json:"lots"`
	}](ctx, c, "list lots", http.MethodGet, "/subcategories/"+strconv.FormatInt(subcategoryID, 10)+"/lots", nil)
	return resp.Lots, err
}

// LotFields returns the lot's fields, or nil if the lot doesn't exist.
func (c *Client) LotFields(ctx context.Context, id int64) (*Lot, error) {
	lot, err := doJSON[Lot](ctx, c, "get lot fields", http.MethodGet, "/lots/"+strconv.FormatInt(id, 10), nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

// SaveLot saves the lot's fields.
func (c *Client) SaveLot(ctx context.Context, lot *Lot) error {
	_, err := doJSON[request.IgnoreResponse](ctx, c, "save lot", http.MethodPut, "/lots/"+strconv.FormatInt(lot.ID, 10), lot)
	return err
}

func doJSON[R any](ctx context.Context, c *Client, op, method, path string, body any) (R, error) {
	p := request.Params{
		Method:     method,
		URL:        c.baseURL + path,
		Body:       body,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	}
	if c.token != "" {
		p.Headers = map[string]string{"Authorization": "Bearer " + c.token}
	}
	resp, err := request.Make[R](ctx, p)
	if err == nil {
		return resp, nil
	}
	var se *request.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return resp, &RateLimitError{Op: op, Err: err}
	}
	return resp, fmt.Errorf("%s: %w", op, err)
}

func isNotFound(err error) bool {
	var se *request.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
