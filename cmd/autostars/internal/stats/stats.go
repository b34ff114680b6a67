// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package stats aggregates payment outcomes per calendar day.
package stats

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/autostars/internal/store"
	"go.astrophena.name/autostars/internal/util/syncx"
)

// StoreKey is the key statistics are saved under.
const StoreKey = "stats"

// DateLayout is the layout of day keys.
const DateLayout = time.DateOnly

// Day is the aggregate of one day.
type Day struct {
	Successful   int `json:"successful_transactions"`
	Unsuccessful int `json:"unsuccessful_transactions"`
	// QuantitiesSold counts successful payments by quantity.
	QuantitiesSold map[string]int `json:"quantities_sold"`
	Transactions   []Transaction  `json:"transactions"`
}

// StarsSold returns the total quantity of successful payments.
func (d Day) StarsSold() int {
	var total int
	for q, n := range d.QuantitiesSold {
		qi, _ := strconv.Atoi(q)
		total += qi * n
	}
	return total
}

// Transaction is one payment outcome.
type Transaction struct {
	Time     string `json:"time"`
	Quantity int    `json:"quantity"`
	Status   string `json:"status"`
}

// Transaction statuses.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// Stats is the statistics document. It's safe for concurrent use.
type Stats struct {
	days   *syncx.Protected[map[string]*Day]
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	persistMu sync.Mutex
}

// Options configure Stats.
type Options struct {
	Store  store.Store
	Logger *slog.Logger
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// New returns empty Stats.
func New(opts Options) *Stats {
	s := &Stats{
		days:   syncx.Protect(make(map[string]*Day)),
		store:  opts.Store,
		logger: cmp.Or(opts.Logger, slog.Default()),
		now:    opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Load replaces the statistics with the document in the store, if any.
func (s *Stats) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	var days map[string]*Day
	ok, err := store.GetJSON(ctx, s.store, StoreKey, &days)
	if err != nil || !ok {
		return err
	}
	if days == nil {
		days = make(map[string]*Day)
	}
	s.days.Swap(days)
	return nil
}

// Today returns the key of the current day.
func (s *Stats) Today() string { return s.now().Format(DateLayout) }

// Record adds a payment outcome to the current day.
func (s *Stats) Record(ctx context.Context, success bool, quantity int) {
	now := s.now()
	date := now.Format(DateLayout)
	s.days.Access(func(days map[string]*Day) {
		d, ok := days[date]
		if !ok {
			d = &Day{QuantitiesSold: make(map[string]int), Transactions: []Transaction{}}
			days[date] = d
		}
		status := StatusFail
		if success {
			status = StatusSuccess
			d.Successful++
			if d.QuantitiesSold == nil {
				d.QuantitiesSold = make(map[string]int)
			}
			d.QuantitiesSold[strconv.Itoa(quantity)]++
		} else {
			d.Unsuccessful++
		}
		d.Transactions = append(d.Transactions, Transaction{
			Time:     now.Format(time.TimeOnly),
			Quantity: quantity,
			Status:   status,
		})
	})
	s.persist(ctx)
}

// Day returns a copy of the day's aggregate.
func (s *Stats) Day(date string) (Day, bool) {
	var (
		day Day
		ok  bool
	)
	s.days.RAccess(func(days map[string]*Day) {
		d, found := days[date]
		if !found {
			return
		}
		day = Day{
			Successful:     d.Successful,
			Unsuccessful:   d.Unsuccessful,
			QuantitiesSold: maps.Clone(d.QuantitiesSold),
			Transactions:   slices.Clone(d.Transactions),
		}
		ok = true
	})
	return day, ok
}

// Report renders the day's aggregate as text for chat replies. An empty date
// means today.
func (s *Stats) Report(date string) string {
	if date == "" {
		date = s.Today()
	}
	d, ok := s.Day(date)
	if !ok {
		return fmt.Sprintf("Статистика за %s отсутствует.\nВероятно, не было транзакций или дата указана неверно.", date)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "✨ Статистика за %s ✨\n", date)
	sb.WriteString("────────────────────\n")
	fmt.Fprintf(&sb, "✅ Успешных транзакций: %d\n", d.Successful)
	fmt.Fprintf(&sb, "❌ Неуспешных транзакций: %d\n", d.Unsuccessful)
	sb.WriteString("⭐️ Проданные Stars:\n")
	if len(d.QuantitiesSold) == 0 {
		sb.WriteString("  - Нет данных\n")
	}
	for _, q := range sortedQuantities(d.QuantitiesSold) {
		fmt.Fprintf(&sb, "  - %s Stars: %d шт.\n", q, d.QuantitiesSold[q])
	}
	fmt.Fprintf(&sb, "💫 Всего продано: %d Stars\n", d.StarsSold())
	sb.WriteString("────────────────────")
	return sb.String()
}

func sortedQuantities(m map[string]int) []string {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, func(a, b string) int {
		ai, _ := strconv.Atoi(a)
		bi, _ := strconv.Atoi(b)
		return cmp.Or(cmp.Compare(ai, bi), strings.Compare(a, b))
	})
	return keys
}

func (s *Stats) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	var err error
	s.days.RAccess(func(days map[string]*Day) {
		err = store.SetJSON(context.WithoutCancel(ctx), s.store, StoreKey, days)
	})
	if err != nil {
		s.logger.Error("saving statistics", "error", err)
	}
}
