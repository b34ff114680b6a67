// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// RespondJSON marshals response as JSON and writes it to w.
func RespondJSON(w http.ResponseWriter, response any) {
	respondJSON(w, http.StatusOK, response)
}

func respondJSON(w http.ResponseWriter, code int, response any) {
	b, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		b, _ = json.Marshal(&errorResponse{Status: "error", Error: "JSON marshal error: " + err.Error()})
		w.Write(b)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(b, '\n'))
}

// RespondJSONError writes err to w as a JSON error response.
//
// If err is a [StatusErr] or wraps it, its code becomes the response status
// code. Otherwise the status is 500 and the error is logged with
// [slog.Default]:
//
//	web.RespondJSONError(w, r, fmt.Errorf("order %q: %w", id, web.ErrNotFound))
func RespondJSONError(w http.ResponseWriter, r *http.Request, err error) {
	var se StatusErr
	if !errors.As(err, &se) {
		se = ErrInternalServerError
	}
	if se == ErrInternalServerError {
		slog.Default().Error("internal server error", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondJSON(w, int(se), &errorResponse{Status: "error", Error: err.Error()})
}
