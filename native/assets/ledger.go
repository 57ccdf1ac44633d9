package assets

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Storage abstracts the subset of state manager functionality required by the
// custody ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	collectionPrefix  = []byte("assets/collection/")
	collectionListKey = []byte("assets/collection-list")
	itemPrefix        = []byte("assets/item/")
	operatorPrefix    = []byte("assets/operator/")
)

type storedCollection struct {
	Symbol  string
	Name    string
	Creator [20]byte
}

type storedItem struct {
	Owner    [20]byte
	Approved [20]byte
}

// Ledger tracks item ownership, per-item transfer approvals and operator
// grants for registered collections. Movement rules follow the usual
// non-fungible custody contract: the caller must be the owner, hold the item
// approval, or be an operator for the owner, and inbound transfers to a
// registered Receiver settle only once the hook acknowledges custody.
type Ledger struct {
	store     Storage
	receivers map[[20]byte]Receiver
}

// NewLedger constructs a custody ledger bound to the provided storage backend.
func NewLedger(store Storage) *Ledger {
	return &Ledger{store: store, receivers: make(map[[20]byte]Receiver)}
}

// RegisterReceiver wires an in-process receipt hook to the supplied module
// account. Registrations live for the lifetime of the ledger instance.
func (l *Ledger) RegisterReceiver(addr [20]byte, receiver Receiver) {
	if l == nil || receiver == nil || addr == ([20]byte{}) {
		return
	}
	l.receivers[addr] = receiver
}

func collectionKey(symbol string) []byte {
	buf := make([]byte, len(collectionPrefix)+len(symbol))
	copy(buf, collectionPrefix)
	copy(buf[len(collectionPrefix):], symbol)
	return buf
}

func itemKey(symbol string, itemID uint64) []byte {
	id := strconv.FormatUint(itemID, 10)
	buf := make([]byte, 0, len(itemPrefix)+len(symbol)+1+len(id))
	buf = append(buf, itemPrefix...)
	buf = append(buf, symbol...)
	buf = append(buf, '/')
	buf = append(buf, id...)
	return buf
}

func operatorKey(owner, operator [20]byte) []byte {
	ownerHex := hex.EncodeToString(owner[:])
	operatorHex := hex.EncodeToString(operator[:])
	buf := make([]byte, 0, len(operatorPrefix)+len(ownerHex)+1+len(operatorHex))
	buf = append(buf, operatorPrefix...)
	buf = append(buf, ownerHex...)
	buf = append(buf, '/')
	buf = append(buf, operatorHex...)
	return buf
}

func (l *Ledger) requireStore() error {
	if l == nil || l.store == nil {
		return fmt.Errorf("assets: ledger not initialised")
	}
	return nil
}

// RegisterCollection stores the metadata for a collection and records it in
// the collection index.
func (l *Ledger) RegisterCollection(symbol, name string, creator [20]byte) error {
	if err := l.requireStore(); err != nil {
		return err
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("assets: collection %s: name must not be empty", normalized)
	}
	var existing storedCollection
	ok, err := l.store.KVGet(collectionKey(normalized), &existing)
	if err != nil {
		return err
	}
	if ok {
		return ErrCollectionExists
	}
	var list []string
	if _, err := l.store.KVGet(collectionListKey, &list); err != nil {
		return err
	}
	list = append(list, normalized)
	sort.Strings(list)
	if err := l.store.KVPut(collectionListKey, list); err != nil {
		return err
	}
	return l.store.KVPut(collectionKey(normalized), storedCollection{Symbol: normalized, Name: strings.TrimSpace(name), Creator: creator})
}

// Collection retrieves metadata for a registered collection.
func (l *Ledger) Collection(symbol string) (*Collection, bool, error) {
	if err := l.requireStore(); err != nil {
		return nil, false, err
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, false, err
	}
	var stored storedCollection
	ok, err := l.store.KVGet(collectionKey(normalized), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Collection{Symbol: stored.Symbol, Name: stored.Name, Creator: stored.Creator}, true, nil
}

// Collections returns all registered collection symbols in sorted order.
func (l *Ledger) Collections() ([]string, error) {
	if err := l.requireStore(); err != nil {
		return nil, err
	}
	var list []string
	if _, err := l.store.KVGet(collectionListKey, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

func (l *Ledger) loadItem(symbol string, itemID uint64) (*storedItem, error) {
	var item storedItem
	ok, err := l.store.KVGet(itemKey(symbol, itemID), &item)
	if err != nil {
		return nil, err
	}
	if !ok || item.Owner == ([20]byte{}) {
		return nil, ErrItemNotFound
	}
	return &item, nil
}

func (l *Ledger) storeItem(symbol string, itemID uint64, item *storedItem) error {
	return l.store.KVPut(itemKey(symbol, itemID), item)
}

// Mint creates a new item owned by the supplied account. Item identifiers are
// unique within their collection and cannot be reissued.
func (l *Ledger) Mint(collection string, itemID uint64, owner [20]byte) error {
	if err := l.requireStore(); err != nil {
		return err
	}
	normalized, err := NormalizeSymbol(collection)
	if err != nil {
		return err
	}
	if owner == ([20]byte{}) {
		return fmt.Errorf("assets: owner address required")
	}
	var meta storedCollection
	ok, err := l.store.KVGet(collectionKey(normalized), &meta)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCollectionNotFound
	}
	var existing storedItem
	ok, err = l.store.KVGet(itemKey(normalized, itemID), &existing)
	if err != nil {
		return err
	}
	if ok && existing.Owner != ([20]byte{}) {
		return ErrItemExists
	}
	return l.storeItem(normalized, itemID, &storedItem{Owner: owner})
}

// OwnerOf returns the current owner of the supplied item.
func (l *Ledger) OwnerOf(collection string, itemID uint64) ([20]byte, error) {
	if err := l.requireStore(); err != nil {
		return [20]byte{}, err
	}
	normalized, err := NormalizeSymbol(collection)
	if err != nil {
		return [20]byte{}, err
	}
	item, err := l.loadItem(normalized, itemID)
	if err != nil {
		return [20]byte{}, err
	}
	return item.Owner, nil
}

// Approve grants a single account the right to move the supplied item. Only
// the owner or one of its operators may grant the approval; passing the zero
// address clears it.
func (l *Ledger) Approve(caller [20]byte, collection string, itemID uint64, spender [20]byte) error {
	if err := l.requireStore(); err != nil {
		return err
	}
	normalized, err := NormalizeSymbol(collection)
	if err != nil {
		return err
	}
	item, err := l.loadItem(normalized, itemID)
	if err != nil {
		return err
	}
	if caller != item.Owner {
		operator, err := l.IsOperator(item.Owner, caller)
		if err != nil {
			return err
		}
		if !operator {
			return ErrNotAuthorized
		}
	}
	item.Approved = spender
	return l.storeItem(normalized, itemID, item)
}

// Approved returns the account currently approved to move the supplied item,
// or the zero address when no approval is set.
func (l *Ledger) Approved(collection string, itemID uint64) ([20]byte, error) {
	if err := l.requireStore(); err != nil {
		return [20]byte{}, err
	}
	normalized, err := NormalizeSymbol(collection)
	if err != nil {
		return [20]byte{}, err
	}
	item, err := l.loadItem(normalized, itemID)
	if err != nil {
		return [20]byte{}, err
	}
	return item.Approved, nil
}

// SetApprovalForAll grants or revokes an operator's right to move every item
// the owner holds, across all collections.
func (l *Ledger) SetApprovalForAll(owner, operator [20]byte, approved bool) error {
	if err := l.requireStore(); err != nil {
		return err
	}
	if owner == ([20]byte{}) || operator == ([20]byte{}) {
		return fmt.Errorf("assets: owner and operator addresses required")
	}
	return l.store.KVPut(operatorKey(owner, operator), approved)
}

// IsOperator reports whether the operator may move items on behalf of owner.
func (l *Ledger) IsOperator(owner, operator [20]byte) (bool, error) {
	if err := l.requireStore(); err != nil {
		return false, err
	}
	var approved bool
	ok, err := l.store.KVGet(operatorKey(owner, operator), &approved)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return approved, nil
}

// Transfer moves an item between accounts. The source must own the item and
// the caller must be the source, the approved account, or one of the source's
// operators. A successful transfer clears the item approval. When the
// recipient carries a registered Receiver the hook must acknowledge custody
// before any state changes.
func (l *Ledger) Transfer(caller [20]byte, collection string, itemID uint64, from, to [20]byte) error {
	if err := l.requireStore(); err != nil {
		return err
	}
	normalized, err := NormalizeSymbol(collection)
	if err != nil {
		return err
	}
	if to == ([20]byte{}) {
		return fmt.Errorf("assets: recipient address required")
	}
	item, err := l.loadItem(normalized, itemID)
	if err != nil {
		return err
	}
	if item.Owner != from {
		return ErrNotOwner
	}
	if caller != from && caller != item.Approved {
		operator, err := l.IsOperator(from, caller)
		if err != nil {
			return err
		}
		if !operator {
			return ErrNotAuthorized
		}
	}
	if receiver, ok := l.receivers[to]; ok && receiver != nil {
		ack, err := receiver.OnAssetReceived(caller, from, normalized, itemID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReceiverRejected, err)
		}
		if ack != ReceiptAck {
			return ErrReceiverRejected
		}
	}
	item.Owner = to
	item.Approved = [20]byte{}
	return l.storeItem(normalized, itemID, item)
}
