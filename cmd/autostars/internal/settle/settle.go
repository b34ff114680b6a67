// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package settle waits for TON transfers to settle by polling the toncenter
// trace index.
package settle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.astrophena.name/autostars/cmd/autostars/internal/rail"
	"go.astrophena.name/autostars/internal/request"
	"go.astrophena.name/autostars/internal/retry"
)

// Polling defaults.
const (
	DefaultAttempts = 25
	DefaultDelay    = 5 * time.Second
)

var errNotYet = errors.New("transaction not found or not successful yet")

// Poller checks whether transfers have settled.
type Poller struct {
	// BaseURL returns the toncenter address, like
	// "https://preview.toncenter.com".
	BaseURL    func() string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Attempts and Delay bound the polling. Zero values mean
	// DefaultAttempts and DefaultDelay.
	Attempts int
	Delay    time.Duration
	// Sleep replaces retry.Sleep in tests.
	Sleep func(context.Context, time.Duration) error
}

type tracesResponse struct {
	Traces []struct {
		Actions []struct {
			Success           bool   `json:"success"`
			TraceExternalHash string `json:"trace_external_hash"`
		} `json:"actions"`
	} `json:"traces"`
}

// Wait polls until a trace of the transfer reports a successful action. It
// returns a [*rail.Error] of kind [rail.KindSettlementTimeout] carrying the
// last poll error if every attempt is used up, or the context error if ctx
// is done first.
func (p *Poller) Wait(ctx context.Context, txHash string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := retry.Policy{
		Attempts: p.Attempts,
		Delay:    p.Delay,
		Sleep:    p.Sleep,
	}
	if policy.Attempts == 0 {
		policy.Attempts = DefaultAttempts
	}
	if policy.Delay == 0 {
		policy.Delay = DefaultDelay
	}

	u := strings.TrimSuffix(p.BaseURL(), "/") + "/api/v3/traces?" + url.Values{
		"msg_hash":        {txHash},
		"include_actions": {"true"},
	}.Encode()

	var lastErr error
	err := policy.Do(ctx, func(attempt int) error {
		resp, err := request.Make[tracesResponse](ctx, request.Params{
			Method:     http.MethodGet,
			URL:        u,
			HTTPClient: p.HTTPClient,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("polling transaction trace", "tx_hash", txHash, "attempt", attempt, "error", err)
			lastErr = err
			return err
		}
		for _, trace := range resp.Traces {
			for _, action := range trace.Actions {
				if action.Success {
					logger.Info("transaction settled", "tx_hash", txHash, "trace", action.TraceExternalHash, "attempt", attempt)
					return nil
				}
			}
		}
		logger.Debug("transaction not settled yet", "tx_hash", txHash, "attempt", attempt)
		return errNotYet
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	if lastErr == nil {
		lastErr = errNotYet
	}
	return &rail.Error{Kind: rail.KindSettlementTimeout, Op: "settle", Err: lastErr}
}
