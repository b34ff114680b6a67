// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/autostars/cmd/autostars/internal/config"
	"go.astrophena.name/autostars/cmd/autostars/internal/ledger"
	"go.astrophena.name/autostars/cmd/autostars/internal/stats"
	"go.astrophena.name/autostars/internal/cli"
	"go.astrophena.name/autostars/internal/cli/clitest"
	"go.astrophena.name/autostars/internal/filelock"
	"go.astrophena.name/autostars/internal/testutil"
)

const (
	tgToken     = "123:bottoken"
	tgSecret    = "webhooksecret"
	bridgeToken = "bridgetoken"
	operator    = 42
	buyerChat   = 100
)

func TestCLI(t *testing.T) {
	t.Parallel()

	base := func(extra map[string]string) map[string]string {
		env := map[string]string{
			"STATE_DIRECTORY": t.TempDir(),
			"TELEGRAM_TOKEN":  tgToken,
			"BRIDGE_URL":      "http://bridge.local",
		}
		for k, v := range extra {
			env[k] = v
		}
		return env
	}

	clitest.Run(t, func(t *testing.T) *service { return new(service) }, map[string]clitest.Case[*service]{
		"version": {
			Args:    []string{"-version"},
			WantErr: cli.ErrExitVersion,
		},
		"help": {
			Args:         []string{"-help"},
			WantErr:      flag.ErrHelp,
			WantInStderr: "Autostars sells Telegram Stars",
		},
		"unexpected arguments": {
			Args:    []string{"run"},
			Env:     base(nil),
			WantErr: cli.ErrInvalidArgs,
		},
		"no telegram token": {
			Env:     base(map[string]string{"TELEGRAM_TOKEN": ""}),
			WantErr: cli.ErrInvalidArgs,
		},
		"no bridge url": {
			Env:     base(map[string]string{"BRIDGE_URL": ""}),
			WantErr: cli.ErrInvalidArgs,
		},
		"unknown store": {
			Env:     base(map[string]string{"STORE": "floppy"}),
			WantErr: cli.ErrInvalidArgs,
		},
		"postgres without url": {
			Args:    []string{"-store", "postgres"},
			Env:     base(nil),
			WantErr: cli.ErrInvalidArgs,
		},
		"redis without url": {
			Env:     base(map[string]string{"STORE": "redis"}),
			WantErr: cli.ErrInvalidArgs,
		},
	})
}

func TestAlreadyRunning(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lock, err := filelock.Acquire(filepath.Join(dir, lockFile), "pid 1")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { lock.Release() })

	err = cli.Run(t.Context(), new(service), &cli.Env{
		Getenv: func(name string) string {
			return map[string]string{
				"STATE_DIRECTORY": dir,
				"TELEGRAM_TOKEN":  tgToken,
				"BRIDGE_URL":      "http://bridge.local",
			}[name]
		},
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
		Stderr: io.Discard,
	})
	if !errors.Is(err, errAlreadyRunning) {
		t.Fatalf("want errAlreadyRunning, got %v", err)
	}
	if !strings.Contains(err.Error(), "pid 1") {
		t.Fatalf("error %q doesn't name the holder", err)
	}
}

func TestWithDotenv(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := filepath.Join(dir, "first.env")
	second := filepath.Join(dir, "second.env")
	if err := os.WriteFile(first, []byte("A=from-first\nB=from-first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte("B=from-second\nC=from-second\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	environ := map[string]string{"A": "from-env"}
	getenv, err := withDotenv(func(name string) string { return environ[name] }, first, filepath.Join(dir, "missing.env"), second)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]string{
		"A": "from-env",
		"B": "from-first",
		"C": "from-second",
		"D": "",
	}
	for name, want := range cases {
		testutil.AssertEqual(t, getenv(name), want)
	}
}

// world fakes the bridge, Telegram, Fragment, the wallet daemon and
// toncenter.
type world struct {
	mu        sync.Mutex
	buyer     []string
	operator  []string
	transfers []map[string]any
	refunds   []string
}

func (w *world) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	// Marketplace bridge.
	bridge := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, func(rw http.ResponseWriter, r *http.Request) {
			testutil.AssertEqual(t, r.Header.Get("Authorization"), "Bearer "+bridgeToken)
			h(rw, r)
		})
	}
	bridge("GET bridge.local/account", func(rw http.ResponseWriter, r *http.Request) {
		io.WriteString(rw, `{"id": 1, "username": "seller"}`)
	})
	bridge("GET bridge.local/chats", func(rw http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, r.URL.Query().Get("name"), "buyer")
		fmt.Fprintf(rw, `{"id": %d, "name": "buyer"}`, buyerChat)
	})
	bridge("GET bridge.local/orders/{id}", func(rw http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(rw, `{"id": %q, "status": "paid", "buyer_params": {}}`, r.PathValue("id"))
	})
	bridge("POST bridge.local/orders/{id}/refund", func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.refunds = append(w.refunds, r.PathValue("id"))
		io.WriteString(rw, `{}`)
	})
	bridge("POST bridge.local/chats/{id}/messages", func(rw http.ResponseWriter, r *http.Request) {
		msg := testutil.UnmarshalJSON[map[string]string](t, testutil.ReadBody(t, r.Body))
		w.mu.Lock()
		defer w.mu.Unlock()
		w.buyer = append(w.buyer, msg["text"])
		io.WriteString(rw, `{}`)
	})

	// Telegram Bot API.
	mux.HandleFunc("POST api.telegram.org/{method...}", func(rw http.ResponseWriter, r *http.Request) {
		msg := testutil.UnmarshalJSON[map[string]any](t, testutil.ReadBody(t, r.Body))
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			w.mu.Lock()
			w.operator = append(w.operator, msg["text"].(string))
			w.mu.Unlock()
		}
		io.WriteString(rw, `{"ok": true, "result": {}}`)
	})

	// Fragment.
	payload := base64.StdEncoding.EncodeToString([]byte("\x00\x00\x00\x00100 Telegram Stars Ref#E2eRef"))
	mux.HandleFunc("POST fragment.com/api", func(rw http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		switch r.PostForm.Get("method") {
		case "searchStarsRecipient":
			testutil.AssertEqual(t, r.PostForm.Get("query"), "alice")
			io.WriteString(rw, `{"ok": true, "found": {"recipient": "rcpt-alice", "name": "Alice"}}`)
		case "initBuyStarsRequest":
			testutil.AssertEqual(t, r.PostForm.Get("quantity"), "100")
			io.WriteString(rw, `{"req_id": "req-1", "amount": "0.5"}`)
		case "getBuyStarsLink":
			fmt.Fprintf(rw, `{"ok": true, "transaction": {"messages": [{"payload": %q}]}}`, payload)
		default:
			http.NotFound(rw, r)
		}
	})

	// Wallet daemon.
	mux.HandleFunc("GET wallet.local/balance", func(rw http.ResponseWriter, r *http.Request) {
		io.WriteString(rw, `{"balance": 10000000000}`)
	})
	mux.HandleFunc("POST wallet.local/transfer", func(rw http.ResponseWriter, r *http.Request) {
		tr := testutil.UnmarshalJSON[map[string]any](t, testutil.ReadBody(t, r.Body))
		w.mu.Lock()
		defer w.mu.Unlock()
		w.transfers = append(w.transfers, tr)
		io.WriteString(rw, `{"tx_hash": "e2etx"}`)
	})

	// toncenter.
	mux.HandleFunc("GET toncenter.local/api/v3/traces", func(rw http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, r.URL.Query().Get("msg_hash"), "e2etx")
		io.WriteString(rw, `{"traces": [{"actions": [{"success": true}]}]}`)
	})

	return mux
}

func (w *world) lastBuyer(t *testing.T) string {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buyer) == 0 {
		t.Fatal("buyer got no messages")
	}
	return w.buyer[len(w.buyer)-1]
}

func newTestService(t *testing.T, w *world) *service {
	t.Helper()

	dir := t.TempDir()
	cfg, err := config.Open(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.Update(func(c *config.Config) {
		c.Fragment.Hash = "hash"
		c.Fragment.Cookie = "cookie"
		c.Wallet.URL = "http://wallet.local"
		c.ToncenterURL = "http://toncenter.local"
		c.DestinationAddress = "UQDest"
		c.OperatorChatID = operator
		c.Autosale = true
	}); err != nil {
		t.Fatal(err)
	}

	vars := map[string]string{
		"STATE_DIRECTORY": dir,
		"TELEGRAM_TOKEN":  tgToken,
		"TELEGRAM_SECRET": tgSecret,
		"BRIDGE_URL":      "http://bridge.local",
		"BRIDGE_TOKEN":    bridgeToken,
	}
	env := &cli.Env{
		Getenv: func(name string) string { return vars[name] },
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
		Stderr: io.Discard,
	}

	s := &service{
		httpc: testutil.MockHTTPClient(w.handler(t)),
		now:   func() time.Time { return time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC) },
		sleep: func(context.Context, time.Duration) error { return nil },
	}
	fs := flag.NewFlagSet("autostars", flag.ContinueOnError)
	s.Flags(fs, env.Getenv)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	if err := s.setup(t.Context(), env); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.close)
	return s
}

func (s *service) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

var withToken = map[string]string{"Authorization": "Bearer " + bridgeToken}

func (s *service) message(t *testing.T, text string) {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/bridge/message", map[string]any{
		"chat_id":   buyerChat,
		"chat_name": "buyer",
		"author":    "buyer",
		"author_id": 7,
		"text":      text,
	}, withToken)
	testutil.AssertEqual(t, resp.Code, http.StatusOK)
}

func TestOrderEndToEnd(t *testing.T) {
	t.Parallel()

	w := new(world)
	s := newTestService(t, w)

	order := map[string]any{
		"order_id":       "ORD1",
		"buyer_id":       7,
		"buyer_username": "buyer",
		"description":    "50 stars",
		"amount":         2,
		"price":          199,
		"currency":       "₽",
	}

	// The bridge must authenticate.
	resp := s.do(t, http.MethodPost, "/bridge/order", order, nil)
	testutil.AssertEqual(t, resp.Code, http.StatusUnauthorized)

	resp = s.do(t, http.MethodPost, "/bridge/order", order, withToken)
	testutil.AssertEqual(t, resp.Code, http.StatusOK)

	rec, ok := s.ledger.Find(buyerChat, "ORD1")
	if !ok {
		t.Fatal("order wasn't registered")
	}
	testutil.AssertEqual(t, rec.Quantity, 100)

	s.message(t, "@alice")
	if !strings.Contains(w.lastBuyer(t), "A*i*e") {
		t.Fatalf("pre-check result isn't shown: %q", w.lastBuyer(t))
	}
	s.message(t, "да")
	testutil.AssertEqual(t, s.queue.Len(), 1)
	if !strings.Contains(w.lastBuyer(t), "позиция: 1") {
		t.Fatalf("queue position isn't shown: %q", w.lastBuyer(t))
	}

	// Drain the queue.
	s.queue.Close()
	if err := s.worker.Run(t.Context()); err != nil {
		t.Fatal(err)
	}

	rec, _ = s.ledger.Find(buyerChat, "ORD1")
	testutil.AssertEqual(t, rec.State(), ledger.Completed)
	testutil.AssertEqual(t, len(w.transfers), 1)
	testutil.AssertEqual(t, w.transfers[0]["amount"], float64(500_000_000))
	testutil.AssertEqual(t, w.transfers[0]["destination"], "UQDest")
	if !strings.Contains(w.lastBuyer(t), "https://tonviewer.com/transaction/e2etx") {
		t.Fatalf("completion message doesn't link the transaction: %q", w.lastBuyer(t))
	}
	if last := w.operator[len(w.operator)-1]; !strings.Contains(last, "Ref#E2eRef") {
		t.Fatalf("operator wasn't told about the payment: %q", last)
	}

	resp = s.do(t, http.MethodGet, "/api/stats?date=2025-03-08", nil, withToken)
	testutil.AssertEqual(t, resp.Code, http.StatusOK)
	day := testutil.UnmarshalJSON[stats.Day](t, resp.Body.Bytes())
	testutil.AssertEqual(t, day.Successful, 1)
	testutil.AssertEqual(t, day.QuantitiesSold, map[string]int{"100": 1})

	resp = s.do(t, http.MethodGet, "/api/orders", nil, withToken)
	testutil.AssertEqual(t, resp.Code, http.StatusOK)
	records := testutil.UnmarshalJSON[[]ledger.Record](t, resp.Body.Bytes())
	testutil.AssertEqual(t, len(records), 1)
	testutil.AssertEqual(t, records[0].Completed, true)
}

func TestAPI(t *testing.T) {
	t.Parallel()

	s := newTestService(t, new(world))

	cases := map[string]struct {
		method   string
		path     string
		body     any
		header   map[string]string
		wantCode int
	}{
		"stats without token":  {method: http.MethodGet, path: "/api/stats", wantCode: http.StatusUnauthorized},
		"logs without token":   {method: http.MethodGet, path: "/debug/logs", wantCode: http.StatusUnauthorized},
		"logs":                 {method: http.MethodGet, path: "/debug/logs", header: withToken, wantCode: http.StatusOK},
		"stats bad date":       {method: http.MethodGet, path: "/api/stats?date=yesterday", header: withToken, wantCode: http.StatusBadRequest},
		"stats missing day":    {method: http.MethodGet, path: "/api/stats?date=2020-01-01", header: withToken, wantCode: http.StatusNotFound},
		"order without id":     {method: http.MethodPost, path: "/bridge/order", body: map[string]any{}, header: withToken, wantCode: http.StatusBadRequest},
		"health":               {method: http.MethodGet, path: "/health", wantCode: http.StatusOK},
		"telegram no secret":   {method: http.MethodPost, path: "/telegram", body: map[string]any{}, wantCode: http.StatusUnauthorized},
		"telegram with secret": {method: http.MethodPost, path: "/telegram", body: map[string]any{"update_id": 1}, header: map[string]string{telegramSecretHeader: tgSecret}, wantCode: http.StatusOK},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp := s.do(t, tc.method, tc.path, tc.body, tc.header)
			testutil.AssertEqual(t, resp.Code, tc.wantCode)
		})
	}
}

func TestTelegramPanel(t *testing.T) {
	t.Parallel()

	w := new(world)
	s := newTestService(t, w)

	resp := s.do(t, http.MethodPost, "/telegram", map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 5,
			"chat":       map[string]any{"id": operator},
			"text":       "/stars",
		},
	}, map[string]string{telegramSecretHeader: tgSecret})
	testutil.AssertEqual(t, resp.Code, http.StatusOK)

	w.mu.Lock()
	defer w.mu.Unlock()
	testutil.AssertEqual(t, len(w.operator), 1)
	if !strings.Contains(w.operator[0], "10.00 TON") {
		t.Fatalf("menu doesn't show the balance:\n%s", w.operator[0])
	}
}

func TestReportPending(t *testing.T) {
	t.Parallel()

	w := new(world)
	s := newTestService(t, w)
	ctx := t.Context()
	s.ledger.Add(ctx, ledger.Record{OrderID: "ORD9", BuyerChatID: buyerChat, Username: "@alice", Confirmed: true, Answered: true})

	s.reportPending(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	testutil.AssertEqual(t, len(w.operator), 1)
	if !strings.Contains(w.operator[0], "#ORD9") {
		t.Fatalf("pending order isn't listed:\n%s", w.operator[0])
	}
}
