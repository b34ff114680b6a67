// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Autostars sells Telegram Stars on a marketplace automatically.

A marketplace bridge forwards paid orders and chat messages to autostars. For
every order that sells Stars, autostars asks the buyer for their Telegram
@username, confirms it, buys the Stars on Fragment, pays for them from the
seller's TON wallet and waits for the transaction to settle. Failures are
refunded or reported to the operator, depending on the configuration.

The operator controls the service from a Telegram bot: /stars opens the
settings menu.

# Usage

	$ autostars [flags...]

# Environment Variables

Every flag can be set with the environment variable named in its help. In
addition:

  - TELEGRAM_TOKEN: operator bot token. Required.
  - TELEGRAM_SECRET: secret token configured for the bot webhook. Requests to
    /telegram without it are rejected.
  - BRIDGE_URL: base URL of the marketplace bridge. Required.
  - BRIDGE_TOKEN: bearer token used in both directions between autostars and
    the bridge. It also protects /api and /debug endpoints.
  - DATABASE_URL: PostgreSQL connection string for -store=postgres.
  - REDIS_URL: Redis URL for -store=redis.

Variables missing from the environment are read from .env files in the working
directory and in the state directory.

Under systemd, autostars reports readiness through NOTIFY_SOCKET and sends
watchdog keepalives when WATCHDOG_USEC is set.

# State

The state directory holds config.json, the operator configuration, and
autostars.lock, which keeps a second instance from starting. With the default
file store, state.json keeps the order ledger, daily statistics and the list
of deactivated lots.

# Endpoints

  - POST /bridge/order: a paid order.
  - POST /bridge/message: a new chat message.
  - POST /telegram: updates of the operator bot.
  - GET /api/stats?date=YYYY-MM-DD: daily statistics.
  - GET /api/orders: all order records.
  - GET /debug/logs: recent log lines, streamed with Accept: text/event-stream.
  - GET /health: health checks.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/autostars/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
