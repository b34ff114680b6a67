// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package ledger

import (
	"sync"
	"testing"
	"time"

	"go.astrophena.name/autostars/internal/store"
	"go.astrophena.name/autostars/internal/testutil"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, s store.Store) *Ledger {
	t.Helper()
	return New(Options{Store: s, Now: func() time.Time { return epoch }})
}

func TestState(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		rec  Record
		want State
	}{
		"new":              {rec: Record{}, want: AwaitingUsername},
		"username":         {rec: Record{Username: "@alice"}, want: AwaitingConfirmation},
		"confirmed":        {rec: Record{Username: "@alice", Confirmed: true}, want: Confirmed},
		"completed":        {rec: Record{Username: "@alice", Confirmed: true, Completed: true}, want: Completed},
		"canceled":         {rec: Record{Canceled: true}, want: Canceled},
		"failed":           {rec: Record{Username: "@alice", Confirmed: true, Failed: true}, want: Failed},
		"refunded failure": {rec: Record{Failed: true, Canceled: true}, want: Canceled},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			testutil.AssertEqual(t, tc.rec.State(), tc.want)
		})
	}
}

func TestActive(t *testing.T) {
	t.Parallel()

	l := newLedger(t, nil)
	ctx := t.Context()

	if _, ok := l.Active(1); ok {
		t.Fatal("empty ledger has an active record")
	}

	l.Add(ctx, Record{OrderID: "A", BuyerChatID: 1, Quantity: 50})
	l.Add(ctx, Record{OrderID: "B", BuyerChatID: 1, Quantity: 100})
	l.Add(ctx, Record{OrderID: "C", BuyerChatID: 2, Quantity: 75})

	r, ok := l.Active(1)
	if !ok || r.OrderID != "B" {
		t.Fatalf("Active(1) = %q, %v; want B", r.OrderID, ok)
	}
	testutil.AssertEqual(t, r.CreatedAt, epoch)

	// Once B terminates, A becomes active again.
	if _, changed := l.Update(ctx, 1, "B", func(r *Record) bool {
		r.Canceled = true
		return true
	}); !changed {
		t.Fatal("Update didn't change B")
	}
	r, ok = l.Active(1)
	if !ok || r.OrderID != "A" {
		t.Fatalf("Active(1) = %q, %v; want A", r.OrderID, ok)
	}

	// Terminal records are still found.
	b, ok := l.Find(1, "B")
	if !ok || b.State() != Canceled {
		t.Fatalf("Find(1, B) = %+v, %v", b, ok)
	}
}

func TestAddIfAbsent(t *testing.T) {
	t.Parallel()

	l := newLedger(t, store.NewMemStore())
	ctx := t.Context()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		added int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.AddIfAbsent(ctx, Record{OrderID: "A", BuyerChatID: 1, Quantity: 50}); ok {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	testutil.AssertEqual(t, added, 1)
	testutil.AssertEqual(t, len(l.Snapshot()), 1)

	// A terminal record still counts as present.
	l.Update(ctx, 1, "A", func(r *Record) bool {
		r.Canceled = true
		return true
	})
	rec, ok := l.AddIfAbsent(ctx, Record{OrderID: "A", BuyerChatID: 1, Quantity: 75})
	testutil.AssertEqual(t, ok, false)
	testutil.AssertEqual(t, rec.Quantity, 50)

	// The same order id in another chat is a different record.
	if _, ok := l.AddIfAbsent(ctx, Record{OrderID: "A", BuyerChatID: 2}); !ok {
		t.Fatal("record for another chat wasn't added")
	}
}

func TestUpdateSkipsTerminal(t *testing.T) {
	t.Parallel()

	l := newLedger(t, nil)
	ctx := t.Context()
	l.Add(ctx, Record{OrderID: "A", BuyerChatID: 1, Completed: true})

	called := false
	_, changed := l.Update(ctx, 1, "A", func(r *Record) bool {
		called = true
		return true
	})
	if called || changed {
		t.Fatal("Update touched a terminal record")
	}
	if _, changed := l.Update(ctx, 1, "missing", func(*Record) bool { return true }); changed {
		t.Fatal("Update changed a missing record")
	}
}

func TestUpdateIsAtomic(t *testing.T) {
	t.Parallel()

	l := newLedger(t, nil)
	ctx := t.Context()
	l.Add(ctx, Record{OrderID: "A", BuyerChatID: 1, Username: "@alice"})

	// Only one of many concurrent confirmations wins.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed := l.Update(ctx, 1, "A", func(r *Record) bool {
				if r.Answered {
					return false
				}
				r.Answered, r.Confirmed = true, true
				return true
			})
			if changed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	testutil.AssertEqual(t, wins, 1)
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()

	l := newLedger(t, nil)
	ctx := t.Context()
	l.Add(ctx, Record{OrderID: "A", BuyerChatID: 1, Failed: true})
	l.Add(ctx, Record{OrderID: "B", BuyerChatID: 2, Completed: true})

	r, ok := l.CancelOrder(ctx, "A")
	if !ok || !r.Canceled {
		t.Fatalf("CancelOrder(A) = %+v, %v", r, ok)
	}
	if _, ok := l.CancelOrder(ctx, "A"); ok {
		t.Fatal("canceled A twice")
	}
	if _, ok := l.CancelOrder(ctx, "B"); ok {
		t.Fatal("canceled a completed order")
	}
	if _, ok := l.CancelOrder(ctx, "missing"); ok {
		t.Fatal("canceled a missing order")
	}
}

func TestPending(t *testing.T) {
	t.Parallel()

	l := newLedger(t, nil)
	ctx := t.Context()
	l.Add(ctx, Record{OrderID: "A", BuyerChatID: 1, Username: "@a", Confirmed: true})
	l.Add(ctx, Record{OrderID: "B", BuyerChatID: 1, Username: "@b"})
	l.Add(ctx, Record{OrderID: "C", BuyerChatID: 2, Username: "@c", Confirmed: true, Completed: true})

	var ids []string
	for _, r := range l.Pending() {
		ids = append(ids, r.OrderID)
	}
	testutil.AssertEqual(t, ids, []string{"A"})
}

func TestPersistence(t *testing.T) {
	t.Parallel()

	s := store.NewMemStore()
	ctx := t.Context()

	l := newLedger(t, s)
	l.Add(ctx, Record{OrderID: "A", BuyerChatID: 1, Quantity: 50})
	l.Add(ctx, Record{OrderID: "B", BuyerChatID: 2, Quantity: 100})
	l.Update(ctx, 1, "A", func(r *Record) bool {
		r.Username = "@alice"
		r.RetryCount = 2
		return true
	})

	reloaded := newLedger(t, s)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, reloaded.Snapshot(), l.Snapshot())

	r, ok := reloaded.Active(1)
	if !ok {
		t.Fatal("no active record after reload")
	}
	testutil.AssertEqual(t, r.RetryCount, 2)
	testutil.AssertEqual(t, r.State(), AwaitingConfirmation)
}

func TestLoadEmptyStore(t *testing.T) {
	t.Parallel()

	l := newLedger(t, store.NewMemStore())
	if err := l.Load(t.Context()); err != nil {
		t.Fatal(err)
	}
	if got := l.Snapshot(); len(got) != 0 {
		t.Fatalf("Snapshot() = %v, want empty", got)
	}
}
