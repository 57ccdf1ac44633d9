package genesis

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"optionvault/core/state"
	"optionvault/native/assets"
	"optionvault/native/bank"
	"optionvault/storage"
	"optionvault/storage/trie"
)

// BuildGenesisState applies the spec to an empty trie and commits the result,
// returning the genesis state root. Every map is walked in sorted order so
// the same spec always produces the same root regardless of iteration order.
func BuildGenesisState(spec *GenesisSpec, db storage.Database) (common.Hash, error) {
	if spec == nil {
		return common.Hash{}, fmt.Errorf("genesis spec must not be nil")
	}
	if db == nil {
		return common.Hash{}, fmt.Errorf("database must not be nil")
	}
	if err := spec.validate(); err != nil {
		return common.Hash{}, err
	}

	stateTrie, err := trie.NewTrie(db, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("init state trie: %w", err)
	}
	manager := state.NewManager(stateTrie)
	parentRoot := stateTrie.Root()

	tokenLedger := bank.NewLedger(manager, spec.chainIDValue)
	custody := assets.NewLedger(manager)

	// 1) Quote tokens (sorted by symbol)
	tokens := append([]QuoteTokenSpec(nil), spec.QuoteTokens...)
	sort.Slice(tokens, func(i, j int) bool {
		return strings.ToUpper(tokens[i].Symbol) < strings.ToUpper(tokens[j].Symbol)
	})
	for i := range tokens {
		token := &tokens[i]
		if err := tokenLedger.RegisterToken(token.Symbol, token.Name, token.Decimals); err != nil {
			return common.Hash{}, fmt.Errorf("register token %q: %w", token.Symbol, err)
		}
	}

	// 2) Balances (outer: addresses sorted; inner: symbols sorted)
	allocAddresses := make([]string, 0, len(spec.Alloc))
	for addr := range spec.Alloc {
		allocAddresses = append(allocAddresses, addr)
	}
	sort.Strings(allocAddresses)
	for _, addrStr := range allocAddresses {
		parsed, err := ParseBech32Account(addrStr)
		if err != nil {
			return common.Hash{}, fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		balances := spec.Alloc[addrStr]
		symbols := make([]string, 0, len(balances))
		for symbol := range balances {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			amount, ok := new(big.Int).SetString(strings.TrimSpace(balances[symbol]), 10)
			if !ok {
				return common.Hash{}, fmt.Errorf("alloc[%q][%q]: invalid amount %q", addrStr, symbol, balances[symbol])
			}
			if amount.Sign() == 0 {
				continue
			}
			if err := tokenLedger.Mint(symbol, parsed, amount); err != nil {
				return common.Hash{}, fmt.Errorf("alloc[%q][%q]: %w", addrStr, symbol, err)
			}
		}
	}

	// 3) Collections (sorted by symbol)
	collections := append([]CollectionSpec(nil), spec.Collections...)
	sort.Slice(collections, func(i, j int) bool {
		return strings.ToUpper(collections[i].Symbol) < strings.ToUpper(collections[j].Symbol)
	})
	for i := range collections {
		collection := &collections[i]
		var creator [20]byte
		if strings.TrimSpace(collection.Creator) != "" {
			creator, err = ParseBech32Account(collection.Creator)
			if err != nil {
				return common.Hash{}, fmt.Errorf("collection %q creator: %w", collection.Symbol, err)
			}
		}
		if err := custody.RegisterCollection(collection.Symbol, collection.Name, creator); err != nil {
			return common.Hash{}, fmt.Errorf("register collection %q: %w", collection.Symbol, err)
		}
	}

	// 4) Pre-minted items (sorted by collection then id)
	items := append([]ItemSpec(nil), spec.Items...)
	sort.Slice(items, func(i, j int) bool {
		left := strings.ToUpper(items[i].Collection)
		right := strings.ToUpper(items[j].Collection)
		if left != right {
			return left < right
		}
		return items[i].ItemID < items[j].ItemID
	})
	for i := range items {
		item := &items[i]
		owner, err := ParseBech32Account(item.Owner)
		if err != nil {
			return common.Hash{}, fmt.Errorf("item %q #%d owner: %w", item.Collection, item.ItemID, err)
		}
		if err := custody.Mint(item.Collection, item.ItemID, owner); err != nil {
			return common.Hash{}, fmt.Errorf("mint item %q #%d: %w", item.Collection, item.ItemID, err)
		}
	}

	// 5) Commit
	newRoot, err := stateTrie.Commit(parentRoot, 0)
	if err != nil {
		return common.Hash{}, fmt.Errorf("commit genesis state: %w", err)
	}
	return newRoot, nil
}
