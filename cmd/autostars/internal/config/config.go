// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package config holds the operator configuration: a JSON document in the
// state directory that the operator panel edits at runtime.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.astrophena.name/autostars/internal/atomicio"
)

// ErrInvalid is returned when a configuration change would leave the
// configuration unusable.
var ErrInvalid = errors.New("invalid configuration")

// Config is the operator configuration.
type Config struct {
	Fragment           Fragment `json:"fragment"`
	Wallet             Wallet   `json:"wallet"`
	ToncenterURL       string   `json:"toncenter_url"`
	DestinationAddress string   `json:"destination_address"`
	AllowedQuantities  []int    `json:"allowed_quantities"`
	// OperatorChatID is the Telegram chat receiving operator notifications.
	OperatorChatID int64 `json:"operator_chat_id"`
	// CompletedOrderMessage is sent to the buyer after settlement. See
	// [Config.CompletedMessage] for placeholders.
	CompletedOrderMessage string `json:"completed_order_message"`
	AutoRefund            bool   `json:"auto_refund"`
	// ShowSender makes the purchase show the seller's wallet to the recipient.
	ShowSender bool `json:"show_sender"`
	// UseOldBalance shows the wallet balance in raw nanotons.
	UseOldBalance bool `json:"use_old_balance"`
	// Autosale enables order processing.
	Autosale bool `json:"autosale"`
}

// Fragment holds the Fragment API session.
type Fragment struct {
	URL           string `json:"url"`
	Hash          string `json:"hash"`
	Cookie        string `json:"cookie"`
	SubcategoryID int64  `json:"subcategory_id"`
	// Account and Device are the JSON blobs Fragment expects from the wallet
	// connector when building a purchase link.
	Account string `json:"account"`
	Device  string `json:"device"`
}

// Wallet points at the wallet daemon that signs transfers.
type Wallet struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Default returns the configuration used for missing keys.
func Default() Config {
	return Config{
		Fragment: Fragment{
			URL:           "https://fragment.com/api",
			SubcategoryID: 2418,
		},
		ToncenterURL:      "https://preview.toncenter.com",
		AllowedQuantities: []int{10, 15, 25, 50, 75, 100, 150, 200, 250, 350, 500, 1000, 2500},
		CompletedOrderMessage: "Заказ #{order_id} выполнен: отправлено {quantity} звёзд.\n" +
			"Ref#{ref_id}\n" +
			"Транзакция: {ton_viewer_url}\n\n" +
			"Пожалуйста, подтвердите выполнение заказа и оставьте отзыв.",
	}
}

// Validate reports whether c can be used.
func (c Config) Validate() error {
	switch {
	case c.Fragment.URL == "":
		return fmt.Errorf("%w: fragment.url is empty", ErrInvalid)
	case c.Fragment.SubcategoryID <= 0:
		return fmt.Errorf("%w: fragment.subcategory_id must be positive", ErrInvalid)
	case c.ToncenterURL == "":
		return fmt.Errorf("%w: toncenter_url is empty", ErrInvalid)
	case slices.ContainsFunc(c.AllowedQuantities, func(q int) bool { return q <= 0 }):
		return fmt.Errorf("%w: allowed_quantities must be positive", ErrInvalid)
	}
	return nil
}

// Missing returns the names of settings that must be filled in before
// payments can be made.
func (c Config) Missing() []string {
	var missing []string
	add := func(name, v string) {
		if v == "" {
			missing = append(missing, name)
		}
	}
	add("fragment.hash", c.Fragment.Hash)
	add("fragment.cookie", c.Fragment.Cookie)
	add("wallet.url", c.Wallet.URL)
	add("destination_address", c.DestinationAddress)
	if c.OperatorChatID == 0 {
		missing = append(missing, "operator_chat_id")
	}
	return missing
}

// QuantityAllowed reports whether q is one of the allowed quantities. An empty
// list allows everything.
func (c Config) QuantityAllowed(q int) bool {
	return len(c.AllowedQuantities) == 0 || slices.Contains(c.AllowedQuantities, q)
}

// CompletedMessage renders CompletedOrderMessage, replacing {ton_viewer_url},
// {quantity}, {ref_id} and {order_id}.
func (c Config) CompletedMessage(tonViewerURL string, quantity int, refID, orderID string) string {
	return strings.NewReplacer(
		"{ton_viewer_url}", tonViewerURL,
		"{quantity}", strconv.Itoa(quantity),
		"{ref_id}", refID,
		"{order_id}", orderID,
		"{orderID}", orderID,
	).Replace(c.CompletedOrderMessage)
}

func (c Config) clone() Config {
	c.AllowedQuantities = slices.Clone(c.AllowedQuantities)
	return c
}

// Store keeps the configuration in memory and in the file it was loaded from.
type Store struct {
	path string

	mu  sync.RWMutex
	cfg Config
}

// Open loads the configuration from path. Missing keys are filled from
// [Default], and the file is rewritten if anything was filled in or if it
// didn't exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, cfg: Default()}

	orig, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if len(orig) > 0 {
		if err := json.Unmarshal(orig, &s.cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	merged, err := json.Marshal(s.cfg)
	if err != nil {
		return nil, err
	}
	if !sameJSON(orig, merged) {
		if err := atomicio.WriteJSON(path, s.cfg, 0o600); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// sameJSON reports whether a and b decode to the same document.
func sameJSON(a, b []byte) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return bytes.Equal(ca, cb)
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Update applies f to a copy of the configuration, validates it and
// persists it. On error the configuration is left unchanged.
func (s *Store) Update(f func(*Config)) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.clone()
	f(&next)
	if err := next.Validate(); err != nil {
		return s.cfg.clone(), err
	}
	if err := atomicio.WriteJSON(s.path, next, 0o600); err != nil {
		return s.cfg.clone(), fmt.Errorf("config: saving: %w", err)
	}
	s.cfg = next
	return next.clone(), nil
}
