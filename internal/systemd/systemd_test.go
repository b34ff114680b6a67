// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package systemd

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.astrophena.name/autostars/internal/testutil"
)

func listen(t *testing.T) (string, *net.UnixConn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return path, conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 512)
	n, _, err := conn.ReadFromUnix(buf)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf[:n])
}

func env(m map[string]string) func(string) string {
	return func(name string) string { return m[name] }
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNotify(t *testing.T) {
	t.Parallel()
	path, conn := listen(t)

	n, err := New(env(map[string]string{"NOTIFY_SOCKET": path}), discard)
	if err != nil {
		t.Fatal(err)
	}
	n.Notify(Ready)
	testutil.AssertEqual(t, read(t, conn), string(Ready))
}

func TestNew(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		env     map[string]string
		enabled bool
		wantErr bool
	}{
		"not under systemd":   {env: map[string]string{}},
		"socket":              {env: map[string]string{"NOTIFY_SOCKET": "/run/notify"}, enabled: true},
		"invalid watchdog":    {env: map[string]string{"WATCHDOG_USEC": "soon"}, wantErr: true},
		"negative watchdog":   {env: map[string]string{"WATCHDOG_USEC": "-1"}, wantErr: true},
		"watchdog and socket": {env: map[string]string{"NOTIFY_SOCKET": "/run/notify", "WATCHDOG_USEC": "1000"}, enabled: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			n, err := New(env(tc.env), discard)
			if (err != nil) != tc.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			testutil.AssertEqual(t, n.Enabled(), tc.enabled)
		})
	}
}

func TestWatchdog(t *testing.T) {
	t.Parallel()
	path, conn := listen(t)

	n, err := New(env(map[string]string{
		"NOTIFY_SOCKET": path,
		"WATCHDOG_USEC": "100000",
	}), discard)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx) }()

	testutil.AssertEqual(t, read(t, conn), string(Watchdog))
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watchdog() = %v", err)
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Parallel()
	n, err := New(env(map[string]string{}), discard)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Watchdog(context.Background()); err != nil {
		t.Fatalf("Watchdog() = %v", err)
	}
}
