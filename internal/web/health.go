// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"maps"
	"net/http"
	"net/url"

	"go.astrophena.name/autostars/internal/util/syncx"
)

const healthPath = "/health"

// Health returns the [HealthHandler] registered on mux at /health, creating it
// if necessary.
func Health(mux *http.ServeMux) *HealthHandler {
	h, pat := mux.Handler(&http.Request{Method: http.MethodGet, URL: &url.URL{Path: healthPath}})
	if hh, ok := h.(*HealthHandler); ok && pat == healthPath {
		return hh
	}
	hh := &HealthHandler{checks: syncx.Protect(make(map[string]HealthFunc))}
	mux.Handle(healthPath, hh)
	return hh
}

// HealthHandler reports the state of every registered check. It responds with
// 503 Service Unavailable if any of them fails.
type HealthHandler struct {
	checks *syncx.Protected[map[string]HealthFunc]
}

// HealthFunc reports the state of one subsystem. It must be safe for
// concurrent use.
type HealthFunc func() (status string, ok bool)

// RegisterFunc adds a check. It panics if name is already taken.
func (h *HealthHandler) RegisterFunc(name string, f HealthFunc) {
	h.checks.Access(func(checks map[string]HealthFunc) {
		if _, dup := checks[name]; dup {
			panic("web: health check " + name + " registered twice")
		}
		checks[name] = f
	})
}

// HealthResponse is the body of a /health response.
type HealthResponse struct {
	OK     bool                     `json:"ok"`
	Checks map[string]CheckResponse `json:"checks"`
}

// CheckResponse is the result of one check.
type CheckResponse struct {
	Status string `json:"status"`
	OK     bool   `json:"ok"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var checks map[string]HealthFunc
	h.checks.RAccess(func(m map[string]HealthFunc) { checks = maps.Clone(m) })

	// Checks run without the lock held.
	hr := &HealthResponse{OK: true, Checks: make(map[string]CheckResponse, len(checks))}
	for name, f := range checks {
		status, ok := f()
		hr.OK = hr.OK && ok
		hr.Checks[name] = CheckResponse{Status: status, OK: ok}
	}

	code := http.StatusOK
	if !hr.OK {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, hr)
}
