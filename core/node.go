package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"optionvault/core/genesis"
	"optionvault/core/state"
	"optionvault/native/assets"
	"optionvault/native/bank"
	"optionvault/native/options"
	"optionvault/observability/metrics"
	"optionvault/storage"
	"optionvault/storage/trie"
)

// vaultModuleSeed derives the module account that holds every escrowed item.
// The address has no known private key; items leave the vault only through
// the option engine's settlement paths.
const vaultModuleSeed = "module/options/vault"

// Raw database keys for chain metadata living outside the state trie.
var (
	stateRootKey    = []byte("state-root")
	stateVersionKey = []byte("state-version")
	chainIDKey      = []byte("chain-id")
	chainNameKey    = []byte("chain-name")
)

var (
	// ErrGenesisRequired is returned when a fresh data directory is opened
	// without a genesis spec to initialise it from.
	ErrGenesisRequired = errors.New("core: fresh data directory requires a genesis spec")
	// ErrNetworkMismatch is returned when a data directory was initialised
	// for a different network than the one configured.
	ErrNetworkMismatch = errors.New("core: data directory belongs to a different network")
)

// Node is the central controller. It owns the database handle, serializes
// every state transition behind stateMu, and exposes the option lifecycle to
// the RPC layer. Each operation runs against a fresh state manager over the
// shared trie; the accumulated overlay is committed when the operation
// succeeds and discarded when it fails, so settlements apply all-or-nothing.
type Node struct {
	db          storage.Database
	chainID     uint64
	networkName string
	vault       [20]byte

	stateMu sync.Mutex
	trie    *trie.Trie
	version uint64

	feed      *eventFeed
	telemetry *metrics.OptionMetrics
	nowFn     func() int64
}

// NewNode opens (or initialises) a node over the supplied database. A fresh
// database is bootstrapped from the genesis spec at genesisPath; an existing
// one resumes from its last committed state root and ignores the spec. When
// networkName is non-empty it must match the name recorded at genesis.
func NewNode(db storage.Database, genesisPath string, networkName string) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database must not be nil")
	}

	initialised, err := db.Has(stateRootKey)
	if err != nil {
		return nil, fmt.Errorf("core: probe state root: %w", err)
	}

	var (
		root      common.Hash
		version   uint64
		chainID   uint64
		chainName string
	)
	if initialised {
		root, version, chainID, chainName, err = readChainMetadata(db)
		if err != nil {
			return nil, err
		}
	} else {
		if genesisPath == "" {
			return nil, ErrGenesisRequired
		}
		spec, err := genesis.LoadGenesisSpec(genesisPath)
		if err != nil {
			return nil, err
		}
		root, err = genesis.BuildGenesisState(spec, db)
		if err != nil {
			return nil, err
		}
		chainID = spec.ChainIDValue()
		chainName = spec.ChainName
		if err := writeChainMetadata(db, root, 0, chainID, chainName); err != nil {
			return nil, err
		}
	}

	if networkName != "" && networkName != chainName {
		return nil, fmt.Errorf("%w: stored %q, configured %q", ErrNetworkMismatch, chainName, networkName)
	}

	stateTrie, err := trie.NewTrie(db, root.Bytes())
	if err != nil {
		return nil, fmt.Errorf("core: open state trie: %w", err)
	}

	node := &Node{
		db:          db,
		chainID:     chainID,
		networkName: chainName,
		vault:       vaultModuleAddress(),
		trie:        stateTrie,
		version:     version,
		feed:        newEventFeed(eventFeedCapacity),
		telemetry:   metrics.Options(),
		nowFn:       func() int64 { return time.Now().Unix() },
	}
	if err := node.rebuildGauges(); err != nil {
		return nil, err
	}
	return node, nil
}

// rebuildGauges recounts the standing totals from the option registry so the
// gauges survive restarts.
func (n *Node) rebuildGauges() error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.trie)
	total, err := manager.OptionsSequence()
	if err != nil {
		return err
	}
	var open, escrowed float64
	for id := uint64(0); id < total; id++ {
		opt, ok := manager.OptionsGet(id)
		if !ok {
			return fmt.Errorf("core: missing option record %d", id)
		}
		if opt.Settlement == options.SettlementNone {
			open++
		}
		if opt.Escrowed {
			escrowed++
		}
	}
	n.telemetry.SetOpenOptions(open)
	n.telemetry.SetEscrowedItems(escrowed)
	return nil
}

func vaultModuleAddress() [20]byte {
	hash := ethcrypto.Keccak256([]byte(vaultModuleSeed))
	var addr [20]byte
	copy(addr[:], hash[len(hash)-20:])
	return addr
}

func readChainMetadata(db storage.Database) (common.Hash, uint64, uint64, string, error) {
	rootBytes, err := db.Get(stateRootKey)
	if err != nil {
		return common.Hash{}, 0, 0, "", fmt.Errorf("core: load state root: %w", err)
	}
	versionBytes, err := db.Get(stateVersionKey)
	if err != nil {
		return common.Hash{}, 0, 0, "", fmt.Errorf("core: load state version: %w", err)
	}
	if len(versionBytes) != 8 {
		return common.Hash{}, 0, 0, "", fmt.Errorf("core: malformed state version record")
	}
	chainIDBytes, err := db.Get(chainIDKey)
	if err != nil {
		return common.Hash{}, 0, 0, "", fmt.Errorf("core: load chain id: %w", err)
	}
	if len(chainIDBytes) != 8 {
		return common.Hash{}, 0, 0, "", fmt.Errorf("core: malformed chain id record")
	}
	nameBytes, err := db.Get(chainNameKey)
	if err != nil {
		return common.Hash{}, 0, 0, "", fmt.Errorf("core: load chain name: %w", err)
	}
	return common.BytesToHash(rootBytes),
		binary.BigEndian.Uint64(versionBytes),
		binary.BigEndian.Uint64(chainIDBytes),
		string(nameBytes),
		nil
}

func writeChainMetadata(db storage.Database, root common.Hash, version, chainID uint64, chainName string) error {
	if err := db.Put(stateRootKey, root.Bytes()); err != nil {
		return fmt.Errorf("core: persist state root: %w", err)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	if err := db.Put(stateVersionKey, buf); err != nil {
		return fmt.Errorf("core: persist state version: %w", err)
	}
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, chainID)
	if err := db.Put(chainIDKey, idBuf); err != nil {
		return fmt.Errorf("core: persist chain id: %w", err)
	}
	if err := db.Put(chainNameKey, []byte(chainName)); err != nil {
		return fmt.Errorf("core: persist chain name: %w", err)
	}
	return nil
}

// SetNowFunc overrides the node's time source for deterministic tests.
// Passing nil restores the wall clock.
func (n *Node) SetNowFunc(now func() int64) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if now == nil {
		n.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	n.nowFn = now
}

// ChainID returns the chain identifier permits are bound to.
func (n *Node) ChainID() uint64 { return n.chainID }

// NetworkName returns the chain name recorded at genesis.
func (n *Node) NetworkName() string { return n.networkName }

// VaultAddress returns the module account holding escrowed items.
func (n *Node) VaultAddress() [20]byte { return n.vault }

// StateRoot returns the last committed state root.
func (n *Node) StateRoot() common.Hash {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.trie.Root()
}

// StateVersion returns the number of committed state transitions.
func (n *Node) StateVersion() uint64 {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.version
}

func (n *Node) newOptionsEngine(manager *state.Manager, collector *eventCollector) *options.Engine {
	custody := assets.NewLedger(manager)
	ledger := bank.NewLedger(manager, n.chainID)
	ledger.SetClock(func() time.Time { return time.Unix(n.nowFn(), 0) })

	engine := options.NewEngine()
	engine.SetState(manager)
	engine.SetCustody(custody)
	engine.SetQuoteLedger(ledger)
	engine.SetVault(n.vault)
	engine.SetNowFunc(n.nowFn)
	if collector != nil {
		engine.SetEmitter(collector)
	}
	custody.RegisterReceiver(n.vault, engine)
	return engine
}

// execute runs fn against a fresh engine over the shared trie, committing the
// overlay when it succeeds and resetting to the previous root when it fails.
// Events collected during the operation are published only after the commit.
func (n *Node) execute(fn func(engine *options.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.trie)
	collector := &eventCollector{}
	engine := n.newOptionsEngine(manager, collector)

	parent := n.trie.Root()
	if err := fn(engine); err != nil {
		if resetErr := n.trie.Reset(parent); resetErr != nil {
			return fmt.Errorf("core: reset state after failed operation: %v: %w", resetErr, err)
		}
		return err
	}

	newRoot, err := n.trie.Commit(parent, n.version+1)
	if err != nil {
		if resetErr := n.trie.Reset(parent); resetErr != nil {
			return fmt.Errorf("core: reset state after failed commit: %v: %w", resetErr, err)
		}
		return fmt.Errorf("core: commit state: %w", err)
	}
	n.version++
	if err := writeChainMetadata(n.db, newRoot, n.version, n.chainID, n.networkName); err != nil {
		return err
	}
	n.feed.publish(collector.events)
	return nil
}

// OptionsDeposit escrows the seller's item in the vault and opens an option
// over it. The returned record carries the newly assigned identifier.
func (n *Node) OptionsDeposit(seller [20]byte, collection string, itemID uint64, quoteToken string, strike, premium *big.Int, expiry int64) (*options.Option, error) {
	var created *options.Option
	err := n.execute(func(engine *options.Engine) error {
		opt, err := engine.Deposit(seller, collection, itemID, quoteToken, strike, premium, expiry)
		if err != nil {
			return err
		}
		created = opt
		return nil
	})
	if err != nil {
		n.telemetry.ObserveFailure("deposit", failureReason(err))
		return nil, err
	}
	n.telemetry.ObserveDeposited()
	return created, nil
}

// OptionsPurchase assigns the buyer and settles the premium to the seller.
func (n *Node) OptionsPurchase(id uint64, buyer [20]byte, permit *bank.PermitSubmission) (*options.Option, error) {
	opt, err := n.transition(id, func(engine *options.Engine) error {
		return engine.Purchase(id, buyer, permit)
	})
	if err != nil {
		n.telemetry.ObserveFailure("purchase", failureReason(err))
		return nil, err
	}
	n.telemetry.ObservePurchased()
	return opt, nil
}

// OptionsExercise settles the strike to the seller and releases the escrowed
// item to the buyer.
func (n *Node) OptionsExercise(id uint64, caller [20]byte, permit *bank.PermitSubmission) (*options.Option, error) {
	opt, err := n.transition(id, func(engine *options.Engine) error {
		return engine.Exercise(id, caller, permit)
	})
	if err != nil {
		n.telemetry.ObserveFailure("exercise", failureReason(err))
		return nil, err
	}
	n.telemetry.ObserveExercised()
	return opt, nil
}

// OptionsClose returns the escrowed item to the seller once the option can no
// longer be exercised.
func (n *Node) OptionsClose(id uint64, caller [20]byte) (*options.Option, error) {
	opt, err := n.transition(id, func(engine *options.Engine) error {
		return engine.Close(id, caller)
	})
	if err != nil {
		n.telemetry.ObserveFailure("close", failureReason(err))
		return nil, err
	}
	n.telemetry.ObserveClosed()
	return opt, nil
}

// failureReason maps engine errors to the low-cardinality labels used by the
// failure counter.
func failureReason(err error) string {
	switch {
	case errors.Is(err, options.ErrNotFound):
		return "not_found"
	case errors.Is(err, options.ErrAlreadyPurchased):
		return "already_purchased"
	case errors.Is(err, options.ErrNotDeposited):
		return "not_deposited"
	case errors.Is(err, options.ErrExpired):
		return "expired"
	case errors.Is(err, options.ErrNotExpired):
		return "not_expired"
	case errors.Is(err, options.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, options.ErrAuthorizationInvalid):
		return "authorization_invalid"
	case errors.Is(err, options.ErrTransferFailed):
		return "transfer_failed"
	default:
		return "invalid_request"
	}
}

// transition runs a lifecycle step and returns the updated record as stored.
func (n *Node) transition(id uint64, fn func(engine *options.Engine) error) (*options.Option, error) {
	var updated *options.Option
	err := n.execute(func(engine *options.Engine) error {
		if err := fn(engine); err != nil {
			return err
		}
		opt, err := engine.Get(id)
		if err != nil {
			return err
		}
		updated = opt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// OptionsGet returns the option record for the supplied identifier.
func (n *Node) OptionsGet(id uint64) (*options.Option, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.trie)
	engine := n.newOptionsEngine(manager, nil)
	return engine.Get(id)
}

// OptionsCount returns the number of identifiers assigned so far. Identifiers
// are dense, so records live at [0, count).
func (n *Node) OptionsCount() (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.trie)
	return manager.OptionsSequence()
}

// OptionsList returns up to limit option records starting at the supplied
// identifier, along with the total number of records. A non-positive limit
// returns every record from start onward.
func (n *Node) OptionsList(start uint64, limit int) ([]*options.Option, uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.trie)
	total, err := manager.OptionsSequence()
	if err != nil {
		return nil, 0, err
	}
	if start >= total {
		return []*options.Option{}, total, nil
	}
	end := total
	if limit > 0 && start+uint64(limit) < total {
		end = start + uint64(limit)
	}
	records := make([]*options.Option, 0, end-start)
	for id := start; id < end; id++ {
		opt, ok := manager.OptionsGet(id)
		if !ok {
			return nil, 0, fmt.Errorf("core: missing option record %d", id)
		}
		records = append(records, opt)
	}
	return records, total, nil
}

// BankBalance returns the token balance held by the supplied account.
func (n *Node) BankBalance(token string, addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.trie)
	ledger := bank.NewLedger(manager, n.chainID)
	return ledger.Balance(token, addr)
}

// BankToken returns the metadata for a registered quote token.
func (n *Node) BankToken(symbol string) (*bank.Token, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.trie)
	ledger := bank.NewLedger(manager, n.chainID)
	return ledger.Token(symbol)
}

// BankTokens returns the registered quote token symbols in sorted order.
func (n *Node) BankTokens() ([]string, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.trie)
	ledger := bank.NewLedger(manager, n.chainID)
	return ledger.Tokens()
}

// BankPermitNonce returns the next unredeemed permit nonce for the owner.
func (n *Node) BankPermitNonce(owner [20]byte) (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.trie)
	ledger := bank.NewLedger(manager, n.chainID)
	return ledger.PermitNonce(owner)
}

// AssetsOwnerOf returns the current owner of the supplied item.
func (n *Node) AssetsOwnerOf(collection string, itemID uint64) ([20]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.trie)
	custody := assets.NewLedger(manager)
	return custody.OwnerOf(collection, itemID)
}

// AssetsCollections returns the registered collection symbols in sorted order.
func (n *Node) AssetsCollections() ([]string, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.trie)
	custody := assets.NewLedger(manager)
	return custody.Collections()
}

// EventsAfter returns committed events with sequence numbers greater than the
// supplied cursor, up to limit entries, along with the latest sequence number.
func (n *Node) EventsAfter(cursor uint64, limit int) ([]StreamEvent, uint64) {
	return n.feed.after(cursor, limit)
}

// SubscribeEvents registers a live event subscriber. The returned channel
// receives committed events until Unsubscribe is called; slow consumers are
// dropped rather than allowed to stall the feed.
func (n *Node) SubscribeEvents(buffer int) (uint64, <-chan StreamEvent) {
	return n.feed.subscribe(buffer)
}

// UnsubscribeEvents removes a subscriber and closes its channel.
func (n *Node) UnsubscribeEvents(id uint64) {
	n.feed.unsubscribe(id)
}
