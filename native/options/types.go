package options

import (
	"fmt"
	"math/big"
	"strings"
)

// Settlement records how an option's escrow was unwound. Open options keep
// SettlementNone until they are exercised or closed.
type Settlement uint8

const (
	SettlementNone Settlement = iota
	SettlementExercised
	SettlementClosed
)

// Valid reports whether the settlement value is within the supported range.
func (s Settlement) Valid() bool {
	switch s {
	case SettlementNone, SettlementExercised, SettlementClosed:
		return true
	default:
		return false
	}
}

// String returns the label used for the settlement state in events and RPC
// responses.
func (s Settlement) String() string {
	switch s {
	case SettlementExercised:
		return "exercised"
	case SettlementClosed:
		return "closed"
	default:
		return "none"
	}
}

// Option captures the terms and runtime state of a covered call written over a
// single escrowed item. Identifiers are assigned from a monotonic sequence and
// never reused; settled options stay in the registry as history with
// Escrowed=false.
type Option struct {
	ID         uint64
	Seller     [20]byte
	Buyer      [20]byte
	Collection string
	ItemID     uint64
	QuoteToken string
	Strike     *big.Int
	Premium    *big.Int
	Expiry     int64
	CreatedAt  int64
	Escrowed   bool
	Settlement Settlement
}

// Purchased reports whether a buyer has been assigned. The zero address marks
// an option that is still open for sale.
func (o *Option) Purchased() bool {
	if o == nil {
		return false
	}
	return o.Buyer != ([20]byte{})
}

// Clone returns a deep copy of the option so callers can safely mutate the
// copy without affecting the stored instance.
func (o *Option) Clone() *Option {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Strike != nil {
		clone.Strike = new(big.Int).Set(o.Strike)
	} else {
		clone.Strike = big.NewInt(0)
	}
	if o.Premium != nil {
		clone.Premium = new(big.Int).Set(o.Premium)
	} else {
		clone.Premium = big.NewInt(0)
	}
	return &clone
}

// NormalizeSymbol canonicalises a collection or token symbol to uppercase and
// rejects empty values.
func NormalizeSymbol(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("options: symbol must not be empty")
	}
	return trimmed, nil
}

// SanitizeOption validates and normalises the supplied option, returning a
// cloned instance with canonical symbol casing and non-nil amount fields. The
// function does not mutate the original value.
func SanitizeOption(o *Option) (*Option, error) {
	if o == nil {
		return nil, fmt.Errorf("options: nil option")
	}
	clone := o.Clone()
	collection, err := NormalizeSymbol(clone.Collection)
	if err != nil {
		return nil, err
	}
	clone.Collection = collection
	quote, err := NormalizeSymbol(clone.QuoteToken)
	if err != nil {
		return nil, err
	}
	clone.QuoteToken = quote
	if clone.Strike.Sign() < 0 {
		return nil, fmt.Errorf("options: strike must be non-negative")
	}
	if clone.Premium.Sign() < 0 {
		return nil, fmt.Errorf("options: premium must be non-negative")
	}
	if !clone.Settlement.Valid() {
		return nil, fmt.Errorf("options: invalid settlement: %d", clone.Settlement)
	}
	return clone, nil
}
