package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
)

// GenesisSpec describes the initial chain state: the registered quote tokens,
// the custody collections with their pre-minted items, and the opening token
// balances. The spec is applied exactly once, when the data directory is
// fresh; afterwards the committed state root is authoritative.
type GenesisSpec struct {
	ChainName   string                       `json:"chainName"`
	ChainID     *uint64                      `json:"chainId"`
	QuoteTokens []QuoteTokenSpec             `json:"quoteTokens"`
	Alloc       map[string]map[string]string `json:"alloc,omitempty"` // addr -> token -> amount
	Collections []CollectionSpec             `json:"collections,omitempty"`
	Items       []ItemSpec                   `json:"items,omitempty"`

	chainIDValue uint64
}

// QuoteTokenSpec registers a fungible token options can be quoted in.
type QuoteTokenSpec struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// CollectionSpec registers a non-fungible collection items are minted under.
type CollectionSpec struct {
	Symbol  string `json:"symbol"`
	Name    string `json:"name"`
	Creator string `json:"creator,omitempty"`
}

// ItemSpec pre-mints a single item into a registered collection.
type ItemSpec struct {
	Collection string `json:"collection"`
	ItemID     uint64 `json:"itemId"`
	Owner      string `json:"owner"`
}

// LoadGenesisSpec reads and validates a genesis spec from disk. Unknown JSON
// fields are rejected so typos in hand-written files surface at startup
// instead of silently dropping configuration.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseGenesisSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseGenesisSpec decodes and validates a genesis spec from raw JSON.
func ParseGenesisSpec(raw []byte) (*GenesisSpec, error) {
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ChainIDValue returns the validated chain identifier.
func (s *GenesisSpec) ChainIDValue() uint64 { return s.chainIDValue }

func (s *GenesisSpec) validate() error {
	if strings.TrimSpace(s.ChainName) == "" {
		return fmt.Errorf("chainName must be provided")
	}
	if s.ChainID == nil || *s.ChainID == 0 {
		return fmt.Errorf("chainId must be provided and non-zero")
	}
	s.chainIDValue = *s.ChainID

	// quote tokens
	tokenSymbols := make(map[string]struct{}, len(s.QuoteTokens))
	for i := range s.QuoteTokens {
		if err := s.QuoteTokens[i].validate(); err != nil {
			return fmt.Errorf("quoteToken[%d]: %w", i, err)
		}
		key := strings.ToUpper(strings.TrimSpace(s.QuoteTokens[i].Symbol))
		if _, exists := tokenSymbols[key]; exists {
			return fmt.Errorf("quoteToken[%d]: duplicate symbol %q", i, s.QuoteTokens[i].Symbol)
		}
		tokenSymbols[key] = struct{}{}
	}

	// alloc
	if len(s.Alloc) > 0 {
		accounts := make([]string, 0, len(s.Alloc))
		for account := range s.Alloc {
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)
		for _, account := range accounts {
			if _, err := ParseBech32Account(account); err != nil {
				return fmt.Errorf("alloc[%q]: %w", account, err)
			}
			tokenAlloc := s.Alloc[account]
			if len(tokenAlloc) == 0 {
				continue
			}
			symbols := make([]string, 0, len(tokenAlloc))
			for symbol := range tokenAlloc {
				symbols = append(symbols, symbol)
			}
			sort.Strings(symbols)
			seen := make(map[string]struct{}, len(symbols))
			for _, symbol := range symbols {
				amount := tokenAlloc[symbol]
				if strings.TrimSpace(amount) == "" {
					return fmt.Errorf("alloc[%q][%q]: amount must be provided", account, symbol)
				}
				parsed, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
				if !ok {
					return fmt.Errorf("alloc[%q][%q]: invalid amount %q", account, symbol, amount)
				}
				if parsed.Sign() < 0 {
					return fmt.Errorf("alloc[%q][%q]: amount must not be negative", account, symbol)
				}
				symKey := strings.ToUpper(strings.TrimSpace(symbol))
				if _, exists := tokenSymbols[symKey]; !exists {
					return fmt.Errorf("alloc[%q][%q]: undefined token", account, symbol)
				}
				if _, dup := seen[symKey]; dup {
					return fmt.Errorf("alloc[%q]: duplicate token %q", account, symbol)
				}
				seen[symKey] = struct{}{}
			}
		}
	}

	// collections
	collectionSymbols := make(map[string]struct{}, len(s.Collections))
	for i := range s.Collections {
		if err := s.Collections[i].validate(); err != nil {
			return fmt.Errorf("collection[%d]: %w", i, err)
		}
		key := strings.ToUpper(strings.TrimSpace(s.Collections[i].Symbol))
		if _, exists := collectionSymbols[key]; exists {
			return fmt.Errorf("collection[%d]: duplicate symbol %q", i, s.Collections[i].Symbol)
		}
		collectionSymbols[key] = struct{}{}
	}

	// items
	seenItems := make(map[string]struct{}, len(s.Items))
	for i := range s.Items {
		item := &s.Items[i]
		symKey := strings.ToUpper(strings.TrimSpace(item.Collection))
		if symKey == "" {
			return fmt.Errorf("item[%d]: collection must be provided", i)
		}
		if _, exists := collectionSymbols[symKey]; !exists {
			return fmt.Errorf("item[%d]: undefined collection %q", i, item.Collection)
		}
		if strings.TrimSpace(item.Owner) == "" {
			return fmt.Errorf("item[%d]: owner must be provided", i)
		}
		if _, err := ParseBech32Account(item.Owner); err != nil {
			return fmt.Errorf("item[%d]: owner: %w", i, err)
		}
		itemKey := fmt.Sprintf("%s/%d", symKey, item.ItemID)
		if _, dup := seenItems[itemKey]; dup {
			return fmt.Errorf("item[%d]: duplicate item %q #%d", i, item.Collection, item.ItemID)
		}
		seenItems[itemKey] = struct{}{}
	}
	return nil
}

func (t *QuoteTokenSpec) validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("symbol must be provided")
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name must be provided")
	}
	if t.Decimals > 18 {
		return fmt.Errorf("decimals must be 18 or fewer")
	}
	return nil
}

func (c *CollectionSpec) validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("symbol must be provided")
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name must be provided")
	}
	if strings.TrimSpace(c.Creator) != "" {
		if _, err := ParseBech32Account(c.Creator); err != nil {
			return fmt.Errorf("creator: %w", err)
		}
	}
	return nil
}
