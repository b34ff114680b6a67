// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package clitest runs table tests against a [cli.App].
package clitest

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"go.astrophena.name/autostars/internal/cli"
)

// Case is one invocation of the application.
type Case[App cli.App] struct {
	// Args are the command-line arguments.
	Args []string
	// Env holds the only environment variables the application sees.
	Env map[string]string
	// WantErr is matched against the returned error with errors.Is. A nil
	// WantErr means Run must succeed.
	WantErr error
	// WantInStderr must be a substring of what the application wrote to
	// standard error.
	WantInStderr string
	// CheckFunc, if set, inspects the application after it returned.
	CheckFunc func(*testing.T, App)
}

// Run runs every case in parallel against a fresh application returned by
// setup.
func Run[App cli.App](t *testing.T, setup func(*testing.T) App, cases map[string]Case[App]) {
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			app := setup(t)
			var stdout, stderr bytes.Buffer
			err := cli.Run(t.Context(), app, &cli.Env{
				Args:   tc.Args,
				Getenv: func(name string) string { return tc.Env[name] },
				Stdin:  strings.NewReader(""),
				Stdout: &stdout,
				Stderr: &stderr,
			})

			switch {
			case err == nil && tc.WantErr != nil:
				t.Fatalf("must fail with error: %v", tc.WantErr)
			case err != nil && tc.WantErr == nil:
				t.Fatalf("unexpected error: %v", err)
			case err != nil && !errors.Is(err, tc.WantErr):
				t.Fatalf("want error %v, got: %v", tc.WantErr, err)
			}

			if tc.WantInStderr != "" && !strings.Contains(stderr.String(), tc.WantInStderr) {
				t.Errorf("stderr must contain %q, got: %q", tc.WantInStderr, stderr.String())
			}
			if tc.CheckFunc != nil {
				tc.CheckFunc(t, app)
			}
		})
	}
}
