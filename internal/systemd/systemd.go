// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd implements the parts of the sd_notify protocol the service
// needs: readiness and watchdog keepalives.
//
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// State is a sd_notify state line.
type State string

const (
	// Ready tells the service manager that startup is finished.
	Ready State = "READY=1"
	// Stopping tells the service manager that shutdown began.
	Stopping State = "STOPPING=1"
	// Watchdog updates the watchdog timestamp.
	Watchdog State = "WATCHDOG=1"
)

// Notifier sends states to the socket named by NOTIFY_SOCKET. The zero value
// is not usable; use [New].
type Notifier struct {
	socket   string
	interval time.Duration
	logger   *slog.Logger
}

// New returns a Notifier configured from getenv. If the process isn't running
// under systemd, the Notifier does nothing.
func New(getenv func(string) string, logger *slog.Logger) (*Notifier, error) {
	n := &Notifier{socket: getenv("NOTIFY_SOCKET"), logger: logger}
	if usec := getenv("WATCHDOG_USEC"); usec != "" {
		v, err := strconv.Atoi(usec)
		if err != nil {
			return nil, fmt.Errorf("systemd: parsing WATCHDOG_USEC: %w", err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("systemd: WATCHDOG_USEC must be positive, got %d", v)
		}
		// Keepalives go out twice per interval.
		n.interval = time.Duration(v) * time.Microsecond / 2
	}
	return n, nil
}

// Enabled reports whether NOTIFY_SOCKET is set.
func (n *Notifier) Enabled() bool { return n.socket != "" }

// Notify sends state. Errors are logged.
func (n *Notifier) Notify(state State) {
	if !n.Enabled() {
		return
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Net: "unixgram", Name: n.socket})
	if err != nil {
		n.logger.Error("systemd: notifying", "state", state, "error", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		n.logger.Error("systemd: notifying", "state", state, "error", err)
	}
}

// Watchdog sends keepalives until ctx is canceled. It returns immediately if
// the watchdog isn't enabled.
func (n *Notifier) Watchdog(ctx context.Context) error {
	if !n.Enabled() || n.interval == 0 {
		return nil
	}
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.Notify(Watchdog)
		case <-ctx.Done():
			return nil
		}
	}
}
