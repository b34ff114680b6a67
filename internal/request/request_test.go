// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package request_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"go.astrophena.name/autostars/internal/request"
	"go.astrophena.name/autostars/internal/testutil"
)

func TestMake(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /json", func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, r.Header.Get("Content-Type"), "application/json")
		in := testutil.UnmarshalJSON[map[string]string](t, testutil.ReadBody(t, r.Body))
		w.Write([]byte(`{"echo": "` + in["key"] + `"}`))
	})
	mux.HandleFunc("POST /form", func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, r.Header.Get("Content-Type"), "application/x-www-form-urlencoded")
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{"echo": "` + r.PostForm.Get("method") + `"}`))
	})
	mux.HandleFunc("GET /headers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"echo": "` + r.Header.Get("X-Test") + `"}`))
	})
	mux.HandleFunc("GET /broken", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"echo": `))
	})
	mux.HandleFunc("GET /empty", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /limited", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"parameters": {"retry_after": 3}}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	type echo struct {
		Echo string `json:"echo"`
	}

	cases := map[string]struct {
		params         request.Params
		want           string
		wantStatusCode int
		wantDecode     bool
	}{
		"json body": {
			params: request.Params{Method: http.MethodPost, URL: ts.URL + "/json", Body: map[string]string{"key": "value"}},
			want:   "value",
		},
		"form body": {
			params: request.Params{Method: http.MethodPost, URL: ts.URL + "/form", Form: url.Values{"method": {"searchStarsRecipient"}}},
			want:   "searchStarsRecipient",
		},
		"headers": {
			params: request.Params{Method: http.MethodGet, URL: ts.URL + "/headers", Headers: map[string]string{"X-Test": "test"}},
			want:   "test",
		},
		"custom HTTP client": {
			params: request.Params{Method: http.MethodGet, URL: ts.URL + "/headers", HTTPClient: &http.Client{}},
		},
		"status error": {
			params:         request.Params{Method: http.MethodGet, URL: ts.URL + "/limited"},
			wantStatusCode: http.StatusTooManyRequests,
		},
		"broken json": {
			params:     request.Params{Method: http.MethodGet, URL: ts.URL + "/broken"},
			wantDecode: true,
		},
		"empty body": {
			params:     request.Params{Method: http.MethodGet, URL: ts.URL + "/empty"},
			wantDecode: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := request.Make[echo](t.Context(), tc.params)

			var statusErr *request.StatusError
			if tc.wantStatusCode != 0 {
				if !errors.As(err, &statusErr) {
					t.Fatalf("want *request.StatusError, got %v", err)
				}
				testutil.AssertEqual(t, statusErr.StatusCode, tc.wantStatusCode)
				return
			}
			var decodeErr *request.DecodeError
			if tc.wantDecode {
				if !errors.As(err, &decodeErr) {
					t.Fatalf("want *request.DecodeError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, got.Echo, tc.want)
		})
	}
}

func TestMakeIgnoreResponse(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	t.Cleanup(ts.Close)

	if _, err := request.Make[request.IgnoreResponse](t.Context(), request.Params{
		Method: http.MethodPost,
		URL:    ts.URL,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestMakeScrubber(t *testing.T) {
	t.Parallel()

	const secret = "123456:SECRET"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	t.Cleanup(ts.Close)

	_, err := request.Make[request.IgnoreResponse](t.Context(), request.Params{
		Method:   http.MethodGet,
		URL:      ts.URL + "/bot" + secret + "/getMe",
		Scrubber: strings.NewReplacer(secret, "[EXPUNGED]"),
	})
	if err == nil {
		t.Fatal("want error")
	}
	if strings.Contains(err.Error(), secret) {
		t.Fatalf("error leaks secret: %v", err)
	}
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("want *request.StatusError, got %v", err)
	}
}
