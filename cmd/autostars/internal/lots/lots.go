// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package lots turns the seller's Stars listings off when the wallet can't
// pay for more orders, and back on at the operator's request.
package lots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.astrophena.name/autostars/cmd/autostars/internal/marketplace"
	"go.astrophena.name/autostars/cmd/autostars/internal/notify"
	"go.astrophena.name/autostars/internal/store"
)

// StoreKey is the key the ids of deactivated lots are saved under.
const StoreKey = "lots/deactivated"

// Default pacing of listing calls.
const (
	DefaultDeactivateInterval = 2 * time.Second
	DefaultActivateInterval   = time.Second
)

// Account is the part of the marketplace account API the controller uses.
type Account interface {
	Lots(ctx context.Context, subcategoryID int64) ([]int64, error)
	LotFields(ctx context.Context, id int64) (*marketplace.Lot, error)
	SaveLot(ctx context.Context, lot *marketplace.Lot) error
}

// Controller switches lots of the configured subcategory on and off. Passes
// don't overlap.
type Controller struct {
	account     Account
	subcategory func() int64
	store       store.Store
	logger      *slog.Logger

	deactivateEvery time.Duration
	activateEvery   time.Duration

	mu sync.Mutex
}

// Options configure a Controller.
type Options struct {
	Account Account
	// Subcategory returns the subcategory id of the Stars lots. It's read at
	// the start of each pass.
	Subcategory func() int64
	// Store remembers deactivated lots. It's required.
	Store  store.Store
	Logger *slog.Logger
	// DeactivateInterval and ActivateInterval space out listing calls. Zero
	// values mean the defaults.
	DeactivateInterval time.Duration
	ActivateInterval   time.Duration
}

// New returns a Controller.
func New(opts Options) *Controller {
	c := &Controller{
		account:         opts.Account,
		subcategory:     opts.Subcategory,
		store:           opts.Store,
		logger:          opts.Logger,
		deactivateEvery: opts.DeactivateInterval,
		activateEvery:   opts.ActivateInterval,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.deactivateEvery == 0 {
		c.deactivateEvery = DefaultDeactivateInterval
	}
	if c.activateEvery == 0 {
		c.activateEvery = DefaultActivateInterval
	}
	return c
}

// Failure is a lot that couldn't be processed.
type Failure struct {
	ID  int64
	Err string
}

// Report describes the outcome of a pass.
type Report struct {
	// Activate is true for activation passes.
	Activate bool
	// Changed lots were switched.
	Changed []int64
	// Unchanged lots already were in the wanted state.
	Unchanged []int64
	NotFound  []int64
	Failed    []Failure
	// RateLimited is true if the marketplace asked to back off. Skipped
	// holds the lots not processed because of that.
	RateLimited bool
	Skipped     []int64
}

// String renders the report as Telegram HTML.
func (r Report) String() string {
	verb, changed, unchanged := "Деактивация", "Деактивированы", "Уже были неактивны"
	if r.Activate {
		verb, changed, unchanged = "Активация", "Активированы", "Уже активны"
	}
	var sb strings.Builder
	if len(r.Changed)+len(r.Unchanged)+len(r.NotFound)+len(r.Failed)+len(r.Skipped) == 0 && !r.RateLimited {
		sb.WriteString("ℹ️ Нет лотов для обработки.")
		return sb.String()
	}
	fmt.Fprintf(&sb, "✅ <b>%s лотов завершена.</b>\n\n", verb)
	line := func(title string, ids []int64) {
		if len(ids) > 0 {
			fmt.Fprintf(&sb, "<b>%s</b>: %s\n", title, joinIDs(ids))
		}
	}
	line(changed, r.Changed)
	line(unchanged, r.Unchanged)
	line("Не найдены", r.NotFound)
	if len(r.Failed) > 0 {
		details := make([]string, len(r.Failed))
		for i, f := range r.Failed {
			details[i] = strconv.FormatInt(f.ID, 10) + ": " + notify.Escape(f.Err)
		}
		fmt.Fprintf(&sb, "<b>Ошибки</b>: %s\n", strings.Join(details, "; "))
	}
	line("Не обработаны", r.Skipped)
	if r.RateLimited {
		fmt.Fprintf(&sb, "\n⚠️ <b>Внимание</b>: %s была прервана из-за превышения лимита запросов FunPay. Повторите попытку через несколько минут.", verb)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func joinIDs(ids []int64) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(s, ", ")
}

// Deactivate switches off every active lot of the subcategory and remembers
// them for [Controller.Activate]. Already inactive and missing lots aren't
// errors. The pass stops at the first rate-limit response.
func (c *Controller) Deactivate(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep := Report{}
	ids, err := c.account.Lots(ctx, c.subcategory())
	if err != nil {
		rep.RateLimited = errors.Is(err, marketplace.ErrRateLimited)
		return rep, fmt.Errorf("listing lots: %w", err)
	}
	c.pass(ctx, &rep, ids, false, c.deactivateEvery)

	if len(rep.Changed) > 0 {
		saved, err := c.saved(ctx)
		if err != nil {
			return rep, err
		}
		for _, id := range rep.Changed {
			if !slices.Contains(saved, id) {
				saved = append(saved, id)
			}
		}
		if err := store.SetJSON(ctx, c.store, StoreKey, saved); err != nil {
			return rep, err
		}
	}
	c.logger.Info("lots deactivated", "changed", len(rep.Changed), "failed", len(rep.Failed), "rate_limited", rep.RateLimited)
	return rep, nil
}

// Activate switches on the lots switched off by [Controller.Deactivate] and
// forgets the ones it restored. The pass stops at the first rate-limit
// response.
func (c *Controller) Activate(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep := Report{Activate: true}
	ids, err := c.saved(ctx)
	if err != nil {
		return rep, err
	}
	c.pass(ctx, &rep, ids, true, c.activateEvery)

	var remaining []int64
	for _, id := range ids {
		if !slices.Contains(rep.Changed, id) && !slices.Contains(rep.Unchanged, id) && !slices.Contains(rep.NotFound, id) {
			remaining = append(remaining, id)
		}
	}
	if remaining == nil {
		remaining = []int64{}
	}
	if err := store.SetJSON(ctx, c.store, StoreKey, remaining); err != nil {
		return rep, err
	}
	c.logger.Info("lots activated", "changed", len(rep.Changed), "failed", len(rep.Failed), "rate_limited", rep.RateLimited)
	return rep, nil
}

// Deactivated returns the ids remembered for reactivation.
func (c *Controller) Deactivated(ctx context.Context) ([]int64, error) {
	return c.saved(ctx)
}

func (c *Controller) saved(ctx context.Context) ([]int64, error) {
	var ids []int64
	if _, err := store.GetJSON(ctx, c.store, StoreKey, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Controller) pass(ctx context.Context, rep *Report, ids []int64, active bool, every time.Duration) {
	limiter := rate.NewLimiter(rate.Every(every), 1)
	for i, id := range ids {
		if err := limiter.Wait(ctx); err != nil {
			rep.Skipped = append(rep.Skipped, ids[i:]...)
			return
		}
		lot, err := c.account.LotFields(ctx, id)
		if err == nil && lot != nil && lot.Active != active {
			lot.Active = active
			err = c.account.SaveLot(ctx, lot)
			if err == nil {
				rep.Changed = append(rep.Changed, id)
				continue
			}
		}
		switch {
		case errors.Is(err, marketplace.ErrRateLimited):
			c.logger.Warn("rate limited while switching lots", "lot_id", id)
			rep.RateLimited = true
			rep.Failed = append(rep.Failed, Failure{ID: id, Err: "Превышен лимит запросов (429)"})
			rep.Skipped = append(rep.Skipped, ids[i+1:]...)
			return
		case err != nil:
			c.logger.Error("switching lot", "lot_id", id, "error", err)
			rep.Failed = append(rep.Failed, Failure{ID: id, Err: err.Error()})
		case lot == nil:
			rep.NotFound = append(rep.NotFound, id)
		default:
			rep.Unchanged = append(rep.Unchanged, id)
		}
	}
}
