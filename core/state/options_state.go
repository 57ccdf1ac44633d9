package state

import (
	"fmt"
	"math"
	"math/big"
	"strconv"

	"optionvault/native/options"
)

var (
	optionRecordPrefix = []byte("options/record/")
	optionSeqKey       = []byte("options/seq")
)

func optionRecordKey(id uint64) []byte {
	suffix := strconv.FormatUint(id, 10)
	buf := make([]byte, 0, len(optionRecordPrefix)+len(suffix))
	buf = append(buf, optionRecordPrefix...)
	buf = append(buf, suffix...)
	return buf
}

// storedOption is the RLP form of an option record. Timestamps are persisted
// as uint64 because RLP has no signed integer encoding.
type storedOption struct {
	ID         uint64
	Seller     [20]byte
	Buyer      [20]byte
	Collection string
	ItemID     uint64
	QuoteToken string
	Strike     *big.Int
	Premium    *big.Int
	Expiry     uint64
	CreatedAt  uint64
	Escrowed   bool
	Settlement uint8
}

func storedOptionFromDomain(o *options.Option) (*storedOption, error) {
	if o == nil {
		return nil, fmt.Errorf("state: nil option record")
	}
	expiry, err := int64ToUint64(o.Expiry)
	if err != nil {
		return nil, fmt.Errorf("state: option expiry out of range: %w", err)
	}
	createdAt, err := int64ToUint64(o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("state: option created at out of range: %w", err)
	}
	return &storedOption{
		ID:         o.ID,
		Seller:     o.Seller,
		Buyer:      o.Buyer,
		Collection: o.Collection,
		ItemID:     o.ItemID,
		QuoteToken: o.QuoteToken,
		Strike:     new(big.Int).Set(o.Strike),
		Premium:    new(big.Int).Set(o.Premium),
		Expiry:     expiry,
		CreatedAt:  createdAt,
		Escrowed:   o.Escrowed,
		Settlement: uint8(o.Settlement),
	}, nil
}

func (s *storedOption) toDomain() (*options.Option, error) {
	if s == nil {
		return nil, fmt.Errorf("state: nil stored option")
	}
	expiry, err := uint64ToInt64(s.Expiry)
	if err != nil {
		return nil, fmt.Errorf("state: option expiry overflow: %w", err)
	}
	createdAt, err := uint64ToInt64(s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("state: option created at overflow: %w", err)
	}
	record := &options.Option{
		ID:         s.ID,
		Seller:     s.Seller,
		Buyer:      s.Buyer,
		Collection: s.Collection,
		ItemID:     s.ItemID,
		QuoteToken: s.QuoteToken,
		Strike:     new(big.Int).Set(s.Strike),
		Premium:    new(big.Int).Set(s.Premium),
		Expiry:     expiry,
		CreatedAt:  createdAt,
		Escrowed:   s.Escrowed,
		Settlement: options.Settlement(s.Settlement),
	}
	return options.SanitizeOption(record)
}

// OptionsPut persists the option record keyed by its identifier.
func (m *Manager) OptionsPut(o *options.Option) error {
	sanitized, err := options.SanitizeOption(o)
	if err != nil {
		return err
	}
	stored, err := storedOptionFromDomain(sanitized)
	if err != nil {
		return err
	}
	return m.KVPut(optionRecordKey(stored.ID), stored)
}

// OptionsGet loads the option with the given identifier. Storage failures
// surface as absence, matching the engine's state contract.
func (m *Manager) OptionsGet(id uint64) (*options.Option, bool) {
	stored := new(storedOption)
	ok, err := m.KVGet(optionRecordKey(id), stored)
	if err != nil || !ok {
		return nil, false
	}
	record, err := stored.toDomain()
	if err != nil {
		return nil, false
	}
	return record, true
}

// OptionsNextSequence reserves and returns the next option identifier.
// Identifiers are dense: every value below the current sequence names a
// record that exists in state.
func (m *Manager) OptionsNextSequence() (uint64, error) {
	var seq uint64
	if _, err := m.KVGet(optionSeqKey, &seq); err != nil {
		return 0, err
	}
	if err := m.KVPut(optionSeqKey, seq+1); err != nil {
		return 0, err
	}
	return seq, nil
}

// OptionsSequence reports how many option records exist without reserving an
// identifier.
func (m *Manager) OptionsSequence() (uint64, error) {
	var seq uint64
	if _, err := m.KVGet(optionSeqKey, &seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func int64ToUint64(value int64) (uint64, error) {
	if value < 0 {
		return 0, fmt.Errorf("value %d is negative", value)
	}
	return uint64(value), nil
}

func uint64ToInt64(value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds int64 range", value)
	}
	return int64(value), nil
}
