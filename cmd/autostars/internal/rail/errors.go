// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package rail

import "errors"

// Kind classifies payment failures. The payment worker picks its recovery
// path by Kind.
type Kind int

// Error kinds.
const (
	// KindUnclassified is any failure without a dedicated recovery path.
	KindUnclassified Kind = iota
	// KindTransientRejection means the network didn't accept the transfer
	// yet. Retrying shortly usually helps.
	KindTransientRejection
	// KindRecipientNotFound means the handle doesn't resolve to a Telegram
	// user. The buyer must provide another one.
	KindRecipientNotFound
	// KindDecode means a response couldn't be decoded.
	KindDecode
	// KindInsufficientFunds means the wallet can't pay for the purchase.
	KindInsufficientFunds
	// KindSettlementTimeout means the transfer wasn't confirmed in time.
	KindSettlementTimeout
	// KindTransferUnknown means the transfer was handed to the wallet but
	// its outcome is unknown. The money may be gone; never retry.
	KindTransferUnknown
)

var kindNames = map[Kind]string{
	KindUnclassified:       "unclassified",
	KindTransientRejection: "transient rejection",
	KindRecipientNotFound:  "recipient not found",
	KindDecode:             "decode failure",
	KindInsufficientFunds:  "insufficient funds",
	KindSettlementTimeout:  "settlement timeout",
	KindTransferUnknown:    "transfer outcome unknown",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is a classified payment failure.
type Error struct {
	Kind Kind
	// Op names the failed step, like "searchStarsRecipient" or "transfer".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnclassified if there is none.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnclassified
}
