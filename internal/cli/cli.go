// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package cli runs a command-line service: it parses flags with defaults from
// the environment, prints help built from the command doc comment and handles
// termination signals.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.astrophena.name/autostars/internal/logger"
	"go.astrophena.name/autostars/internal/util/syncx"
	"go.astrophena.name/autostars/internal/version"
)

// Exit statuses used by [Main].
const (
	exitFailure = 1
	exitUsage   = 2
)

// Main runs app in the operating system environment and exits on failure.
// The context passed to app is canceled on SIGINT or SIGTERM.
func Main(app App) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := Run(ctx, app, OSEnv())
	if err == nil {
		return
	}
	if isPrintableError(err) {
		fmt.Fprintln(os.Stderr, err)
	}
	cancel()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if errors.Is(err, ErrInvalidArgs) || errors.Is(err, flag.ErrHelp) {
		return exitUsage
	}
	return exitFailure
}

type unprintableError struct{ err error }

func (e *unprintableError) Error() string { return e.err.Error() }
func (e *unprintableError) Unwrap() error { return e.err }

func isPrintableError(err error) bool {
	if errors.Is(err, flag.ErrHelp) {
		return false
	}
	var ue *unprintableError
	return !errors.As(err, &ue)
}

// ErrExitVersion is returned by [Run] after printing the version.
var ErrExitVersion = &unprintableError{errors.New("version flag exit")}

// ErrInvalidArgs indicates that the arguments or environment are invalid or
// insufficient. Wrap it to say what is wrong:
//
//	return fmt.Errorf("%w: TELEGRAM_TOKEN is not set", cli.ErrInvalidArgs)
var ErrInvalidArgs = errors.New("invalid arguments")

// App is a command-line application.
type App interface {
	Run(context.Context, *Env) error
}

// HasFlags is an [App] that defines flags.
type HasFlags interface {
	App

	// Flags adds flags to fs. Getenv lets flags take their defaults from
	// the environment.
	Flags(fs *flag.FlagSet, getenv func(string) string)
}

// Env is the environment an application runs in.
type Env struct {
	Args   []string
	Getenv func(string) string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	logf syncx.Lazy[logger.Logf]
}

// Logf writes the formatted message to the standard error of env.
func (e *Env) Logf(format string, args ...any) {
	e.logf.Get(func() logger.Logf {
		return log.New(e.Stderr, "", 0).Printf
	})(format, args...)
}

// OSEnv returns the current operating system environment.
func OSEnv() *Env {
	return &Env{
		Args:   os.Args[1:],
		Getenv: os.Getenv,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run parses flags and runs app in env.
func Run(ctx context.Context, app App, env *Env) error {
	flags := flag.NewFlagSet(version.CmdName(), flag.ContinueOnError)
	if fa, ok := app.(HasFlags); ok {
		fa.Flags(flags, env.Getenv)
	}

	var showVersion bool
	if flags.Lookup("version") == nil {
		flags.BoolVar(&showVersion, "version", false, "Show version.")
	}

	flags.Usage = usage(flags, env.Stderr)
	flags.SetOutput(env.Stderr)
	if err := flags.Parse(env.Args); err != nil {
		// The flag package has already printed it.
		return &unprintableError{err}
	}

	if showVersion {
		fmt.Fprint(env.Stderr, version.Version())
		return ErrExitVersion
	}
	env.Args = flags.Args()

	return app.Run(ctx, env)
}

func usage(flags *flag.FlagSet, stderr io.Writer) func() {
	return func() {
		if docSrc != nil {
			fmt.Fprintf(stderr, "%s\n", doc.Get(parseDocComment))
		}
		fmt.Fprint(stderr, "Available flags:\n\n")
		flags.PrintDefaults()
	}
}

var (
	docSrc []byte
	doc    syncx.Lazy[string]
)

// SetDocComment sets the source of the doc comment printed with -help.
//
// The comment must be the first /* ... */ block in src:
//
//	//go:embed doc.go
//	var doc []byte
//
//	func init() { cli.SetDocComment(doc) }
func SetDocComment(src []byte) { docSrc = src }

func parseDocComment() string {
	_, rest, ok := strings.Cut(string(docSrc), "/*\n")
	if !ok {
		return ""
	}
	body, _, _ := strings.Cut(rest, "\n*/")
	return body + "\n"
}
