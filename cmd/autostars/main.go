// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.astrophena.name/autostars/cmd/autostars/internal/config"
	"go.astrophena.name/autostars/cmd/autostars/internal/conversation"
	"go.astrophena.name/autostars/cmd/autostars/internal/ledger"
	"go.astrophena.name/autostars/cmd/autostars/internal/lots"
	"go.astrophena.name/autostars/cmd/autostars/internal/marketplace"
	"go.astrophena.name/autostars/cmd/autostars/internal/notify"
	"go.astrophena.name/autostars/cmd/autostars/internal/panel"
	"go.astrophena.name/autostars/cmd/autostars/internal/payment"
	"go.astrophena.name/autostars/cmd/autostars/internal/rail"
	"go.astrophena.name/autostars/cmd/autostars/internal/settle"
	"go.astrophena.name/autostars/cmd/autostars/internal/stats"
	"go.astrophena.name/autostars/cmd/autostars/internal/telegram"
	"go.astrophena.name/autostars/internal/cli"
	"go.astrophena.name/autostars/internal/cli/envflag"
	"go.astrophena.name/autostars/internal/filelock"
	"go.astrophena.name/autostars/internal/logger"
	"go.astrophena.name/autostars/internal/request"
	"go.astrophena.name/autostars/internal/store"
	"go.astrophena.name/autostars/internal/systemd"
	"go.astrophena.name/autostars/internal/web"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const (
	logLines  = 300
	lockFile  = "autostars.lock"
	dotenv    = ".env"
	redisKeys = "autostars:"
)

// Store kinds accepted by -store.
const (
	storeFile     = "file"
	storePostgres = "postgres"
	storeRedis    = "redis"
)

var errAlreadyRunning = errors.New("another instance uses the state directory")

func main() { cli.Main(new(service)) }

type service struct {
	// configuration
	addr      *string
	stateDir  *string
	storeKind *string
	debug     *bool

	// set by tests
	httpc *http.Client
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	ready func(net.Addr)

	// initialized by setup
	getenv         func(string) string
	bridgeToken    string
	telegramSecret string
	logLevel       *slog.LevelVar
	logs           logger.Streamer
	logger         *slog.Logger
	lock           *filelock.Lock
	store          store.Store
	config         *config.Store
	ledger         *ledger.Ledger
	stats          *stats.Stats
	notifier       *notify.Notifier
	queue          *payment.Queue
	worker         *payment.Worker
	machine        *conversation.Machine
	panel          *panel.Panel
	mux            *http.ServeMux
}

func (s *service) Flags(fs *flag.FlagSet, getenv func(string) string) {
	s.addr = envflag.Value("addr", "ADDR", "localhost:3000", "Listen on `host:port`.", fs, getenv)
	s.stateDir = envflag.Value("state-dir", "STATE_DIRECTORY", "", "State `directory`. Defaults to $XDG_STATE_HOME/autostars.", fs, getenv)
	s.storeKind = envflag.Value("store", "STORE", storeFile, "Where to keep orders and statistics: file, postgres or redis.", fs, getenv)
	s.debug = envflag.Value("debug", "DEBUG", false, "Enable debug logging.", fs, getenv)
}

func (s *service) Run(ctx context.Context, env *cli.Env) error {
	if len(env.Args) > 0 {
		return fmt.Errorf("%w: unexpected arguments %q", cli.ErrInvalidArgs, env.Args)
	}
	if err := s.setup(ctx, env); err != nil {
		s.close()
		return err
	}
	defer s.close()

	sd, err := systemd.New(s.getenv, s.logger.With("component", "systemd"))
	if err != nil {
		return err
	}

	s.reportPending(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.worker.Run(ctx) })
	g.Go(func() error { return sd.Watchdog(ctx) })
	g.Go(func() error {
		// Confirmations arriving after shutdown began are rejected.
		defer s.queue.Close()
		defer sd.Notify(systemd.Stopping)
		return web.ListenAndServe(ctx, &web.ListenAndServeConfig{
			Addr:    *s.addr,
			Handler: s.mux,
			Logf:    env.Logf,
			Ready: func(addr net.Addr) {
				sd.Notify(systemd.Ready)
				if s.ready != nil {
					s.ready(addr)
				}
			},
		})
	})
	return g.Wait()
}

// setup loads state and wires the components. It doesn't start anything.
func (s *service) setup(ctx context.Context, env *cli.Env) error {
	stateDir, err := s.resolveStateDir(env.Getenv)
	if err != nil {
		return err
	}
	s.getenv, err = withDotenv(env.Getenv, dotenv, filepath.Join(stateDir, dotenv))
	if err != nil {
		return err
	}

	tgToken := s.getenv("TELEGRAM_TOKEN")
	bridgeURL := s.getenv("BRIDGE_URL")
	switch {
	case tgToken == "":
		return fmt.Errorf("%w: TELEGRAM_TOKEN is not set", cli.ErrInvalidArgs)
	case bridgeURL == "":
		return fmt.Errorf("%w: BRIDGE_URL is not set", cli.ErrInvalidArgs)
	}
	s.bridgeToken = s.getenv("BRIDGE_TOKEN")
	s.telegramSecret = s.getenv("TELEGRAM_SECRET")

	s.logLevel = new(slog.LevelVar)
	if *s.debug {
		s.logLevel.Set(slog.LevelDebug)
	}
	s.logs = logger.NewStreamer(logLines)
	s.logger = logger.New(s.logLevel, env.Stderr, s.logs)
	if s.now == nil {
		s.now = time.Now
	}
	httpc := cmp.Or(s.httpc, request.DefaultClient)

	lockPath := filepath.Join(stateDir, lockFile)
	s.lock, err = filelock.Acquire(lockPath, "pid "+strconv.Itoa(os.Getpid()))
	if errors.Is(err, filelock.ErrAlreadyLocked) {
		holder, _ := filelock.Holder(lockPath)
		return fmt.Errorf("%w: %s (%s)", errAlreadyRunning, stateDir, cmp.Or(holder, "unknown holder"))
	}
	if err != nil {
		return err
	}

	s.config, err = config.Open(filepath.Join(stateDir, "config.json"))
	if err != nil {
		return err
	}
	s.store, err = s.openStore(ctx, stateDir)
	if err != nil {
		return err
	}

	component := func(name string) *slog.Logger { return s.logger.With("component", name) }

	market := marketplace.NewClient(bridgeURL, s.bridgeToken, httpc)
	self, err := market.Me(ctx)
	if err != nil {
		return fmt.Errorf("getting marketplace account: %w", err)
	}
	s.logger.Info("logged in to marketplace", "account", self.Username, "id", self.ID)

	bot := telegram.NewClient(tgToken, httpc)
	operatorChat := func() int64 { return s.config.Get().OperatorChatID }
	s.notifier = notify.New(market, bot, operatorChat, component("notify"))

	s.ledger = ledger.New(ledger.Options{Store: s.store, Logger: component("ledger"), Now: s.now})
	if err := s.ledger.Load(ctx); err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}
	s.stats = stats.New(stats.Options{Store: s.store, Logger: component("stats"), Now: s.now})
	if err := s.stats.Load(ctx); err != nil {
		return fmt.Errorf("loading statistics: %w", err)
	}

	payRail := rail.New(s.config.Get, httpc, component("rail"))
	poller := &settle.Poller{
		BaseURL:    func() string { return s.config.Get().ToncenterURL },
		HTTPClient: httpc,
		Logger:     component("settle"),
	}
	lotsCtl := lots.New(lots.Options{
		Account:     market,
		Subcategory: func() int64 { return s.config.Get().Fragment.SubcategoryID },
		Store:       s.store,
		Logger:      component("lots"),
	})

	s.queue = payment.NewQueue()
	s.worker = &payment.Worker{
		Queue:    s.queue,
		Ledger:   s.ledger,
		Rail:     payRail,
		Settler:  poller,
		Refunder: market,
		Lots:     lotsCtl,
		Stats:    s.stats,
		Notifier: s.notifier,
		Config:   s.config.Get,
		Logger:   component("payment"),
	}
	if s.sleep != nil {
		s.worker.Sleep = s.sleep
		poller.Sleep = s.sleep
		bot.Sleep = s.sleep
	}

	s.machine = conversation.New(conversation.Options{
		Market:     market,
		Recipients: payRail,
		Queue:      s.queue,
		Ledger:     s.ledger,
		Notifier:   s.notifier,
		Stats:      s.stats,
		Config:     s.config.Get,
		Self:       self,
		Logger:     component("conversation"),
		Now:        s.now,
	})

	s.panel = panel.New(panel.Options{
		Bot:      bot,
		Config:   s.config,
		Wallet:   payRail,
		Refunder: market,
		Ledger:   s.ledger,
		Stats:    s.stats,
		Logs:     s.logs,
		Logger:   component("panel"),
	})
	s.panel.Register(lotsCtl.Extension())

	s.mux = s.routes()
	return nil
}

func (s *service) resolveStateDir(getenv func(string) string) (string, error) {
	dir := *s.stateDir
	if dir == "" {
		xdgStateHome := getenv("XDG_STATE_HOME")
		if xdgStateHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			xdgStateHome = filepath.Join(home, ".local", "state")
		}
		dir = filepath.Join(xdgStateHome, "autostars")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *service) openStore(ctx context.Context, stateDir string) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch *s.storeKind {
	case storeFile:
		st, err = store.NewJSONFile(filepath.Join(stateDir, "state.json"))
	case storePostgres:
		url := s.getenv("DATABASE_URL")
		if url == "" {
			return nil, fmt.Errorf("%w: DATABASE_URL is required with -store=postgres", cli.ErrInvalidArgs)
		}
		st, err = store.NewPostgresStore(ctx, url)
	case storeRedis:
		url := s.getenv("REDIS_URL")
		if url == "" {
			return nil, fmt.Errorf("%w: REDIS_URL is required with -store=redis", cli.ErrInvalidArgs)
		}
		st, err = store.NewRedisStore(ctx, url, redisKeys)
	default:
		return nil, fmt.Errorf("%w: unknown store %q", cli.ErrInvalidArgs, *s.storeKind)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", *s.storeKind, err)
	}
	return st, nil
}

// reportPending tells the operator about orders confirmed before the last
// shutdown that never reached an outcome.
func (s *service) reportPending(ctx context.Context) {
	pending := s.ledger.Pending()
	if len(pending) == 0 {
		return
	}
	ids := make([]string, 0, len(pending))
	for _, rec := range pending {
		ids = append(ids, rec.OrderID)
	}
	s.logger.Warn("confirmed orders without outcome", "order_ids", ids)
	s.notifier.Operator(ctx, notify.Pending(ids), nil)
}

func (s *service) close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("closing store", "error", err)
		}
	}
	if err := s.lock.Release(); err != nil {
		s.logger.Error("releasing lock", "error", err)
	}
}

// withDotenv returns getenv that falls back to variables from the .env files
// at paths. Missing files are skipped; earlier files win.
func withDotenv(getenv func(string) string, paths ...string) (func(string) string, error) {
	vars := make(map[string]string)
	for _, path := range paths {
		m, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for k, v := range m {
			if _, ok := vars[k]; !ok {
				vars[k] = v
			}
		}
	}
	return func(name string) string {
		if v := getenv(name); v != "" {
			return v
		}
		return vars[name]
	}, nil
}
