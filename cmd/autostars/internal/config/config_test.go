// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.astrophena.name/autostars/internal/testutil"
)

func TestOpenCreatesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, s.Get(), Default())

	onDisk := testutil.UnmarshalJSON[map[string]any](t, read(t, path))
	if _, ok := onDisk["allowed_quantities"]; !ok {
		t.Fatalf("defaults were not written: %v", onDisk)
	}
}

func TestOpenMergesMissingKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	write(t, path, `{"fragment": {"hash": "abc"}, "auto_refund": true}`)

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := s.Get()
	testutil.AssertEqual(t, cfg.Fragment.Hash, "abc")
	testutil.AssertEqual(t, cfg.Fragment.URL, "https://fragment.com/api")
	testutil.AssertEqual(t, cfg.Fragment.SubcategoryID, int64(2418))
	testutil.AssertEqual(t, cfg.AutoRefund, true)

	// The file now holds the merged document.
	reopened := testutil.UnmarshalJSON[Config](t, read(t, path))
	testutil.AssertEqual(t, reopened, cfg)
}

func TestOpenLeavesCompleteFileAlone(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if _, err := Open(path); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err != nil {
		t.Fatal(err)
	}
	backups, err := filepath.Glob(path + ".*.bak")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(backups), 0)
}

func TestOpenInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"broken json":          `{"fragment": `,
		"negative subcategory": `{"fragment": {"subcategory_id": -1}}`,
		"zero quantity":        `{"allowed_quantities": [0, 50]}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "config.json")
			write(t, path, content)
			if _, err := Open(path); err == nil {
				t.Fatal("want error")
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := s.Update(func(c *Config) {
		c.AutoRefund = true
		c.Fragment.Cookie = "stel_ssid=1"
	})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, cfg.AutoRefund, true)
	testutil.AssertEqual(t, testutil.UnmarshalJSON[Config](t, read(t, path)), cfg)

	_, err = s.Update(func(c *Config) { c.Fragment.URL = "" })
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
	testutil.AssertEqual(t, s.Get().Fragment.URL, "https://fragment.com/api")
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := s.Get()
	cfg.AllowedQuantities[0] = 999
	testutil.AssertEqual(t, s.Get().AllowedQuantities[0], 10)
}

func TestMissing(t *testing.T) {
	t.Parallel()

	testutil.AssertEqual(t, Default().Missing(), []string{
		"fragment.hash", "fragment.cookie", "wallet.url", "destination_address", "operator_chat_id",
	})
	c := Default()
	c.Fragment.Hash, c.Fragment.Cookie = "h", "c"
	c.Wallet.URL = "http://localhost:8081"
	c.DestinationAddress = "UQ..."
	c.OperatorChatID = 1
	testutil.AssertEqual(t, len(c.Missing()), 0)
}

func TestCompletedMessage(t *testing.T) {
	t.Parallel()

	c := Config{CompletedOrderMessage: "#{order_id} {quantity} {ref_id} {ton_viewer_url}"}
	testutil.AssertEqual(t,
		c.CompletedMessage("https://tonviewer.com/transaction/abc", 100, "R1", "ABC123"),
		"#ABC123 100 R1 https://tonviewer.com/transaction/abc",
	)
}

func TestQuantityAllowed(t *testing.T) {
	t.Parallel()

	c := Default()
	testutil.AssertEqual(t, c.QuantityAllowed(50), true)
	testutil.AssertEqual(t, c.QuantityAllowed(51), false)
	c.AllowedQuantities = nil
	testutil.AssertEqual(t, c.QuantityAllowed(51), true)
}

func read(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}
