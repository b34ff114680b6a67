// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package ledger keeps the order records of every buyer chat.
//
// Records of a chat are kept in arrival order. The active record of a chat is
// the most recently created one that isn't terminal; replies from the buyer
// are routed to it. Older non-terminal records wait behind it and become
// active again once it terminates.
package ledger

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.astrophena.name/autostars/internal/store"
	"go.astrophena.name/autostars/internal/util/syncx"
)

// StoreKey is the key the ledger snapshot is saved under.
const StoreKey = "ledger"

// State is the conversational state of a record, derived from its flags.
type State string

// Possible states.
const (
	AwaitingUsername     State = "awaiting_username"
	AwaitingConfirmation State = "awaiting_confirmation"
	Confirmed            State = "confirmed"
	Completed            State = "completed"
	Canceled             State = "canceled"
	Failed               State = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool { return s == Completed || s == Canceled || s == Failed }

// Record is one buyer chat and order pairing.
type Record struct {
	OrderID     string `json:"order_id"`
	BuyerChatID int64  `json:"buyer_chat_id"`
	// Username is the payout handle including "@", empty until known.
	Username     string `json:"username,omitempty"`
	Confirmed    bool   `json:"confirmed"`
	AutoDetected bool   `json:"auto_detected"`
	Completed    bool   `json:"completed"`
	Canceled     bool   `json:"is_canceled"`
	// Failed marks a payment that ended fatally without a refund. The
	// operator can still refund it by hand, which sets Canceled.
	Failed   bool `json:"failed"`
	Answered bool `json:"answered"`
	Quantity int  `json:"quantity"`
	// RetryCount counts decode-failure retries over the record's lifetime.
	RetryCount        int       `json:"retry_count"`
	FragmentFoundName string    `json:"fragment_found_name,omitempty"`
	FragmentLookupID  string    `json:"fragment_lookup_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// State returns the record's state.
func (r Record) State() State {
	switch {
	case r.Completed:
		return Completed
	case r.Canceled:
		return Canceled
	case r.Failed:
		return Failed
	case r.Confirmed:
		return Confirmed
	case r.Username != "":
		return AwaitingConfirmation
	default:
		return AwaitingUsername
	}
}

// Ledger maps buyer chats to their records. It's safe for concurrent use.
type Ledger struct {
	chats  *syncx.Protected[map[int64][]*Record]
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	persistMu sync.Mutex
}

// Options configure a Ledger.
type Options struct {
	// Store, if set, receives a snapshot after every change.
	Store store.Store
	// Logger logs persistence failures. If nil, slog.Default is used.
	Logger *slog.Logger
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// New returns an empty Ledger.
func New(opts Options) *Ledger {
	l := &Ledger{
		chats:  syncx.Protect(make(map[int64][]*Record)),
		store:  opts.Store,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Load replaces the ledger's contents with the snapshot in its store, if any.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	var snap []Record
	ok, err := store.GetJSON(ctx, l.store, StoreKey, &snap)
	if err != nil || !ok {
		return err
	}
	l.chats.Access(func(chats map[int64][]*Record) {
		clear(chats)
		for _, r := range snap {
			chats[r.BuyerChatID] = append(chats[r.BuyerChatID], &r)
		}
	})
	return nil
}

// Add appends a record for its buyer chat. CreatedAt is set if zero.
func (l *Ledger) Add(ctx context.Context, r Record) Record {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.now()
	}
	l.chats.Access(func(chats map[int64][]*Record) {
		rc := r
		chats[r.BuyerChatID] = append(chats[r.BuyerChatID], &rc)
	})
	l.persist(ctx)
	return r
}

// AddIfAbsent adds r unless its chat already has a record for the same order.
// It returns the record in the ledger and whether r was added.
func (l *Ledger) AddIfAbsent(ctx context.Context, r Record) (Record, bool) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.now()
	}
	var (
		rec   Record
		added bool
	)
	l.chats.Access(func(chats map[int64][]*Record) {
		if existing := find(chats[r.BuyerChatID], r.OrderID); existing != nil {
			rec = *existing
			return
		}
		rc := r
		chats[r.BuyerChatID] = append(chats[r.BuyerChatID], &rc)
		rec, added = r, true
	})
	if added {
		l.persist(ctx)
	}
	return rec, added
}

// Active returns a copy of the chat's active record.
func (l *Ledger) Active(chatID int64) (Record, bool) {
	var (
		rec Record
		ok  bool
	)
	l.chats.RAccess(func(chats map[int64][]*Record) {
		if r := active(chats[chatID]); r != nil {
			rec, ok = *r, true
		}
	})
	return rec, ok
}

func active(records []*Record) *Record {
	for _, r := range slices.Backward(records) {
		if !r.State().Terminal() {
			return r
		}
	}
	return nil
}

// Find returns a copy of the chat's record for the order. Terminal records
// are found too.
func (l *Ledger) Find(chatID int64, orderID string) (Record, bool) {
	var (
		rec Record
		ok  bool
	)
	l.chats.RAccess(func(chats map[int64][]*Record) {
		if r := find(chats[chatID], orderID); r != nil {
			rec, ok = *r, true
		}
	})
	return rec, ok
}

func find(records []*Record, orderID string) *Record {
	for _, r := range slices.Backward(records) {
		if r.OrderID == orderID {
			return r
		}
	}
	return nil
}

// Update calls f with the chat's record for the order under the ledger lock,
// if the record exists and isn't terminal. f returns whether it changed the
// record. Update returns a copy of the record after f and whether f changed
// it.
//
// Doing the check and the change inside f makes transitions atomic with
// respect to other goroutines handling the same record.
func (l *Ledger) Update(ctx context.Context, chatID int64, orderID string, f func(*Record) bool) (Record, bool) {
	var (
		rec     Record
		changed bool
	)
	l.chats.Access(func(chats map[int64][]*Record) {
		r := find(chats[chatID], orderID)
		if r == nil || r.State().Terminal() {
			return
		}
		changed = f(r)
		rec = *r
	})
	if changed {
		l.persist(ctx)
	}
	return rec, changed
}

// CancelOrder marks the record of the order as canceled, searching every
// chat. Failed records may be canceled, which is what happens when the
// operator refunds them by hand. It reports whether a record changed.
func (l *Ledger) CancelOrder(ctx context.Context, orderID string) (Record, bool) {
	var (
		rec     Record
		changed bool
	)
	l.chats.Access(func(chats map[int64][]*Record) {
		for _, records := range chats {
			r := find(records, orderID)
			if r == nil || r.Completed || r.Canceled {
				continue
			}
			r.Canceled = true
			rec, changed = *r, true
			return
		}
	})
	if changed {
		l.persist(ctx)
	}
	return rec, changed
}

// Snapshot returns copies of all records, grouped by chat in ascending chat
// order, each chat's records in arrival order.
func (l *Ledger) Snapshot() []Record {
	var snap []Record
	l.chats.RAccess(func(chats map[int64][]*Record) {
		ids := make([]int64, 0, len(chats))
		for id := range chats {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			for _, r := range chats[id] {
				snap = append(snap, *r)
			}
		}
	})
	return snap
}

// Pending returns copies of records that were confirmed but never resolved.
func (l *Ledger) Pending() []Record {
	var pending []Record
	for _, r := range l.Snapshot() {
		if r.State() == Confirmed {
			pending = append(pending, r)
		}
	}
	return pending
}

func (l *Ledger) persist(ctx context.Context) {
	if l.store == nil {
		return
	}
	// Snapshots must reach the store in the order they were taken.
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	snap := l.Snapshot()
	if snap == nil {
		snap = []Record{}
	}
	if err := store.SetJSON(context.WithoutCancel(ctx), l.store, StoreKey, snap); err != nil {
		l.logger.Error("saving ledger snapshot", "error", err)
	}
}
