// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package logger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/autostars/internal/testutil"
)

func TestLogfWriter(t *testing.T) {
	t.Parallel()

	var message string
	logf := func(format string, args ...any) { message = fmt.Sprintf(format, args...) }
	Logf(logf).Write([]byte("hello"))
	testutil.AssertEqual(t, message, "hello")
}

func TestNew(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := NewStreamer(10)
	level := new(slog.LevelVar)
	l := New(level, &buf, s)

	l.Debug("hidden")
	l.Info("payment settled", "order_id", "ABC123")

	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line logged at info level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "order_id=ABC123") {
		t.Fatalf("attribute missing: %q", buf.String())
	}
	testutil.AssertEqual(t, len(s.Lines()), 1)

	level.Set(slog.LevelDebug)
	l.Debug("visible")
	testutil.AssertEqual(t, len(s.Lines()), 2)
}

func TestStreamer(t *testing.T) {
	t.Parallel()

	s := NewStreamer(5)
	for i := 1; i <= 6; i++ {
		fmt.Fprintf(s, "Line %d\n", i)
	}
	// Partial lines are kept until the newline arrives.
	s.Write([]byte("Line "))
	s.Write([]byte("7\n"))

	lines := s.Lines()
	testutil.AssertEqual(t, lines, []string{"Line 3\n", "Line 4\n", "Line 5\n", "Line 6\n", "Line 7\n"})
	testutil.AssertEqual(t, s.Tail(2), []string{"Line 6\n", "Line 7\n"})
	testutil.AssertEqual(t, len(s.Tail(100)), 5)

	stream, closeStream := s.Stream()
	defer closeStream()

	go s.Write([]byte("New line\n"))

	select {
	case line := <-stream:
		testutil.AssertEqual(t, line, "New line\n")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for streamed line")
	}
}

func TestStreamerSnapshotHTTP(t *testing.T) {
	t.Parallel()

	s := NewStreamer(5)
	s.Write([]byte("one\ntwo\n"))

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/debug/logs", nil))
	testutil.AssertEqual(t, w.Body.String(), "one\ntwo\n")
}

func TestStreamerEventStreamHTTP(t *testing.T) {
	t.Parallel()

	s := NewStreamer(5)
	req := httptest.NewRequest("GET", "/debug/logs", nil)
	req.Header.Set("Accept", "text/event-stream")
	ctx, cancel := context.WithTimeout(req.Context(), 500*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.Write([]byte("HTTP line\n"))
	}()

	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	testutil.AssertEqual(t, w.Result().Header.Get("Content-Type"), "text/event-stream")
	if !strings.Contains(w.Body.String(), "event: logline\ndata: HTTP line\n") {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
}
