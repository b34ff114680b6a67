// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.astrophena.name/autostars/cmd/autostars/internal/marketplace"
	"go.astrophena.name/autostars/cmd/autostars/internal/stats"
	"go.astrophena.name/autostars/cmd/autostars/internal/telegram"
	"go.astrophena.name/autostars/internal/web"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// maxBodySize limits webhook request bodies.
const maxBodySize = 1 << 20

func (s *service) routes() *http.ServeMux {
	mux := http.NewServeMux()

	bridge := func(h http.HandlerFunc) http.Handler { return web.RequireToken(s.bridgeToken, h) }
	mux.Handle("POST /bridge/order", bridge(s.handleOrder))
	mux.Handle("POST /bridge/message", bridge(s.handleMessage))
	mux.HandleFunc("POST /telegram", s.handleTelegram)
	mux.Handle("GET /api/stats", bridge(s.handleStats))
	mux.Handle("GET /api/orders", bridge(s.handleOrders))
	mux.Handle("/debug/logs", web.RequireToken(s.bridgeToken, s.logs))

	health := web.Health(mux)
	health.RegisterFunc("config", func() (string, bool) {
		if missing := s.config.Get().Missing(); len(missing) > 0 {
			return fmt.Sprintf("missing %v", missing), false
		}
		return "ok", true
	})
	health.RegisterFunc("queue", func() (string, bool) {
		return strconv.Itoa(s.queue.Len()) + " waiting", true
	})

	return mux
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request) (T, error) {
	var v T
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", web.ErrBadRequest, err)
	}
	return v, nil
}

func (s *service) handleOrder(w http.ResponseWriter, r *http.Request) {
	e, err := decodeBody[marketplace.OrderEvent](w, r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	if e.OrderID == "" {
		web.RespondJSONError(w, r, fmt.Errorf("%w: order_id is empty", web.ErrBadRequest))
		return
	}
	if err := s.machine.HandleOrder(r.Context(), e); err != nil {
		s.logger.Error("handling order", "order_id", e.OrderID, "error", err)
		web.RespondJSONError(w, r, fmt.Errorf("%w: %v", web.ErrServiceUnavailable, err))
		return
	}
	web.RespondJSON(w, map[string]string{"status": "ok"})
}

func (s *service) handleMessage(w http.ResponseWriter, r *http.Request) {
	e, err := decodeBody[marketplace.MessageEvent](w, r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	s.machine.HandleMessage(r.Context(), e)
	web.RespondJSON(w, map[string]string{"status": "ok"})
}

func (s *service) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if s.telegramSecret != "" &&
		subtle.ConstantTimeCompare([]byte(r.Header.Get(telegramSecretHeader)), []byte(s.telegramSecret)) != 1 {
		web.RespondJSONError(w, r, web.ErrUnauthorized)
		return
	}
	u, err := decodeBody[telegram.Update](w, r)
	if err != nil {
		web.RespondJSONError(w, r, err)
		return
	}
	// Telegram redelivers updates that fail, so errors are only logged.
	if err := s.panel.HandleUpdate(r.Context(), u); err != nil {
		s.logger.Error("handling telegram update", "update_id", u.UpdateID, "error", err)
	}
	web.RespondJSON(w, map[string]string{"status": "ok"})
}

func (s *service) handleStats(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = s.stats.Today()
	}
	if _, err := time.Parse(stats.DateLayout, date); err != nil {
		web.RespondJSONError(w, r, fmt.Errorf("%w: date must look like %s", web.ErrBadRequest, stats.DateLayout))
		return
	}
	day, ok := s.stats.Day(date)
	if !ok {
		web.RespondJSONError(w, r, fmt.Errorf("no statistics for %s: %w", date, web.ErrNotFound))
		return
	}
	web.RespondJSON(w, day)
}

func (s *service) handleOrders(w http.ResponseWriter, r *http.Request) {
	web.RespondJSON(w, s.ledger.Snapshot())
}
