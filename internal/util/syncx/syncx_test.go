// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package syncx

import (
	"errors"
	"sync"
	"testing"

	"go.astrophena.name/autostars/internal/testutil"
)

func TestProtected(t *testing.T) {
	t.Parallel()

	t.Run("read access", func(t *testing.T) {
		p := Protect(42)
		var result int
		p.RAccess(func(val int) { result = val })
		testutil.AssertEqual(t, result, 42)
	})

	t.Run("write access", func(t *testing.T) {
		p := Protect(map[string]int{})
		p.Access(func(m map[string]int) { m["orders"] = 3 })
		var result int
		p.RAccess(func(m map[string]int) { result = m["orders"] })
		testutil.AssertEqual(t, result, 3)
	})

	t.Run("concurrent access", func(t *testing.T) {
		var i int
		p := Protect(&i)
		var wg sync.WaitGroup
		for range 100 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Access(func(val *int) { *val++ })
			}()
		}
		wg.Wait()

		var result int
		p.RAccess(func(val *int) { result = *val })
		testutil.AssertEqual(t, result, 100)
	})

	t.Run("swap", func(t *testing.T) {
		p := Protect("old")
		testutil.AssertEqual(t, p.Swap("new"), "old")
		var result string
		p.RAccess(func(val string) { result = val })
		testutil.AssertEqual(t, result, "new")
	})
}

func TestLazy(t *testing.T) {
	t.Parallel()

	var (
		l     Lazy[int]
		count int
	)
	f := func() int {
		count++
		return count
	}
	testutil.AssertEqual(t, l.Get(f), 1)
	testutil.AssertEqual(t, l.Get(f), 1)
}

func TestLazyErr(t *testing.T) {
	t.Parallel()

	var l Lazy[string]
	errBoom := errors.New("boom")
	calls := 0
	f := func() (string, error) {
		calls++
		return "", errBoom
	}
	for range 2 {
		_, err := l.GetErr(f)
		if !errors.Is(err, errBoom) {
			t.Fatalf("want %v, got %v", errBoom, err)
		}
	}
	testutil.AssertEqual(t, calls, 1)
}
