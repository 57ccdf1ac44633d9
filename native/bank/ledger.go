package bank

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Storage abstracts the subset of state manager functionality required by the
// token ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	tokenPrefix     = []byte("bank/token/")
	tokenListKey    = []byte("bank/token-list")
	balancePrefix   = []byte("bank/balance/")
	allowancePrefix = []byte("bank/allowance/")
	noncePrefix     = []byte("bank/permit-nonce/")
)

// Token describes a registered fungible token.
type Token struct {
	Symbol   string
	Name     string
	Decimals uint8
}

// NormalizeSymbol canonicalises a token symbol to uppercase and rejects empty
// values.
func NormalizeSymbol(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("bank: token symbol must not be empty")
	}
	return trimmed, nil
}

// Ledger persists token balances, spend allowances and permit nonces in the
// underlying key-value store. Allowances follow the usual fungible custody
// contract: TransferFrom by a third party consumes the owner's allowance for
// that spender, while self-transfers need no grant.
type Ledger struct {
	store   Storage
	chainID uint64
	clock   func() time.Time
}

// NewLedger constructs a ledger bound to the provided storage backend. The
// chain identifier scopes permit signatures to this deployment.
func NewLedger(store Storage, chainID uint64) *Ledger {
	return &Ledger{store: store, chainID: chainID, clock: time.Now}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// ChainID returns the chain identifier permits must be bound to.
func (l *Ledger) ChainID() uint64 {
	if l == nil {
		return 0
	}
	return l.chainID
}

func tokenKey(symbol string) []byte {
	buf := make([]byte, len(tokenPrefix)+len(symbol))
	copy(buf, tokenPrefix)
	copy(buf[len(tokenPrefix):], symbol)
	return buf
}

func balanceKey(symbol string, addr [20]byte) []byte {
	addrHex := hex.EncodeToString(addr[:])
	buf := make([]byte, 0, len(balancePrefix)+len(symbol)+1+len(addrHex))
	buf = append(buf, balancePrefix...)
	buf = append(buf, symbol...)
	buf = append(buf, '/')
	buf = append(buf, addrHex...)
	return buf
}

func allowanceKey(symbol string, owner, spender [20]byte) []byte {
	ownerHex := hex.EncodeToString(owner[:])
	spenderHex := hex.EncodeToString(spender[:])
	buf := make([]byte, 0, len(allowancePrefix)+len(symbol)+2+len(ownerHex)+len(spenderHex))
	buf = append(buf, allowancePrefix...)
	buf = append(buf, symbol...)
	buf = append(buf, '/')
	buf = append(buf, ownerHex...)
	buf = append(buf, '/')
	buf = append(buf, spenderHex...)
	return buf
}

func nonceKey(owner [20]byte) []byte {
	ownerHex := hex.EncodeToString(owner[:])
	buf := make([]byte, 0, len(noncePrefix)+len(ownerHex))
	buf = append(buf, noncePrefix...)
	buf = append(buf, ownerHex...)
	return buf
}

func (l *Ledger) requireStore() error {
	if l == nil || l.store == nil {
		return fmt.Errorf("bank: ledger not initialised")
	}
	return nil
}

// RegisterToken stores the metadata for a token and records it in the token
// index.
func (l *Ledger) RegisterToken(symbol, name string, decimals uint8) error {
	if err := l.requireStore(); err != nil {
		return err
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("bank: token %s: name must not be empty", normalized)
	}
	var existing Token
	ok, err := l.store.KVGet(tokenKey(normalized), &existing)
	if err != nil {
		return err
	}
	if ok {
		return ErrTokenExists
	}
	var list []string
	if _, err := l.store.KVGet(tokenListKey, &list); err != nil {
		return err
	}
	list = append(list, normalized)
	sort.Strings(list)
	if err := l.store.KVPut(tokenListKey, list); err != nil {
		return err
	}
	return l.store.KVPut(tokenKey(normalized), Token{Symbol: normalized, Name: strings.TrimSpace(name), Decimals: decimals})
}

// Token retrieves metadata for a registered token.
func (l *Ledger) Token(symbol string) (*Token, bool, error) {
	if err := l.requireStore(); err != nil {
		return nil, false, err
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, false, err
	}
	var stored Token
	ok, err := l.store.KVGet(tokenKey(normalized), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &stored, true, nil
}

// Tokens returns all registered token symbols in sorted order.
func (l *Ledger) Tokens() ([]string, error) {
	if err := l.requireStore(); err != nil {
		return nil, err
	}
	var list []string
	if _, err := l.store.KVGet(tokenListKey, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

func (l *Ledger) requireToken(symbol string) (string, error) {
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return "", err
	}
	var stored Token
	ok, err := l.store.KVGet(tokenKey(normalized), &stored)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrTokenNotFound
	}
	return normalized, nil
}

// Balance retrieves the token balance for the provided account.
func (l *Ledger) Balance(symbol string, addr [20]byte) (*big.Int, error) {
	if err := l.requireStore(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int)
	ok, err := l.store.KVGet(balanceKey(normalized, addr), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// setBalance persists the balance after checking it still fits the 256-bit
// range used across the wire and storage encodings.
func (l *Ledger) setBalance(symbol string, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: negative balance not allowed")
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return fmt.Errorf("bank: balance exceeds 256 bits")
	}
	return l.store.KVPut(balanceKey(symbol, addr), amount)
}

// Mint credits freshly issued units to the supplied account. Minting is a
// genesis and administrative operation; the node gates access to it.
func (l *Ledger) Mint(symbol string, to [20]byte, amount *big.Int) error {
	if err := l.requireStore(); err != nil {
		return err
	}
	normalized, err := l.requireToken(symbol)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == ([20]byte{}) {
		return fmt.Errorf("bank: recipient address required")
	}
	balance, err := l.Balance(normalized, to)
	if err != nil {
		return err
	}
	return l.setBalance(normalized, to, new(big.Int).Add(balance, amount))
}

// Approve sets the spender's allowance on the owner's balance to exactly the
// supplied amount. A zero amount clears the grant.
func (l *Ledger) Approve(symbol string, owner, spender [20]byte, amount *big.Int) error {
	if err := l.requireStore(); err != nil {
		return err
	}
	normalized, err := l.requireToken(symbol)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: negative allowance not allowed")
	}
	if owner == ([20]byte{}) || spender == ([20]byte{}) {
		return fmt.Errorf("bank: owner and spender addresses required")
	}
	return l.store.KVPut(allowanceKey(normalized, owner, spender), amount)
}

// Allowance retrieves the spender's remaining allowance on the owner's
// balance.
func (l *Ledger) Allowance(symbol string, owner, spender [20]byte) (*big.Int, error) {
	if err := l.requireStore(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int)
	ok, err := l.store.KVGet(allowanceKey(normalized, owner, spender), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// Transfer moves tokens out of the caller's own balance.
func (l *Ledger) Transfer(symbol string, from, to [20]byte, amount *big.Int) error {
	return l.TransferFrom(symbol, from, from, to, amount)
}

// TransferFrom moves tokens from the owner's balance on the spender's
// authority. Spenders other than the owner consume their allowance. Every
// check runs before the first write, so a rejected transfer leaves both the
// allowance and the balances untouched.
func (l *Ledger) TransferFrom(symbol string, spender, from, to [20]byte, amount *big.Int) error {
	if err := l.requireStore(); err != nil {
		return err
	}
	normalized, err := l.requireToken(symbol)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if from == ([20]byte{}) || to == ([20]byte{}) {
		return fmt.Errorf("bank: source and recipient addresses required")
	}
	var remainingAllowance *big.Int
	if spender != from {
		allowance, err := l.Allowance(normalized, from, spender)
		if err != nil {
			return err
		}
		if allowance.Cmp(amount) < 0 {
			return ErrInsufficientAllowance
		}
		remainingAllowance = new(big.Int).Sub(allowance, amount)
	}
	fromBalance, err := l.Balance(normalized, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := l.Balance(normalized, to)
	if err != nil {
		return err
	}
	newTo := new(big.Int).Add(toBalance, amount)
	if _, overflow := uint256.FromBig(newTo); overflow {
		return fmt.Errorf("bank: balance exceeds 256 bits")
	}
	if remainingAllowance != nil {
		if err := l.store.KVPut(allowanceKey(normalized, from, spender), remainingAllowance); err != nil {
			return err
		}
	}
	if err := l.setBalance(normalized, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.setBalance(normalized, to, newTo)
}

// PermitNonce returns the next permit nonce expected from the owner.
func (l *Ledger) PermitNonce(owner [20]byte) (uint64, error) {
	if err := l.requireStore(); err != nil {
		return 0, err
	}
	var nonce uint64
	ok, err := l.store.KVGet(nonceKey(owner), &nonce)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return nonce, nil
}

// RedeemPermit verifies a signed spend grant and converts it into an
// allowance for the named spender. Each grant is redeemable exactly once: the
// owner's nonce is consumed on success.
func (l *Ledger) RedeemPermit(sub *PermitSubmission) error {
	if err := l.requireStore(); err != nil {
		return err
	}
	if sub == nil || sub.Permit == nil {
		return fmt.Errorf("bank: permit payload required")
	}
	permit := sub.Permit
	if strings.TrimSpace(permit.Domain) != PermitDomainV1 {
		return fmt.Errorf("bank: unsupported permit domain %q", permit.Domain)
	}
	if permit.ChainID != l.chainID {
		return fmt.Errorf("bank: permit chain id mismatch: got %d want %d", permit.ChainID, l.chainID)
	}
	normalized, err := l.requireToken(permit.Token)
	if err != nil {
		return err
	}
	if permit.Amount == nil || permit.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if permit.Owner == ([20]byte{}) || permit.Spender == ([20]byte{}) {
		return fmt.Errorf("bank: permit owner and spender required")
	}
	if l.clock().Unix() > permit.Deadline {
		return ErrPermitExpired
	}
	nonce, err := l.PermitNonce(permit.Owner)
	if err != nil {
		return err
	}
	if permit.Nonce != nonce {
		return ErrPermitNonce
	}
	signer, err := permit.RecoverSigner(sub.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermitSignature, err)
	}
	if signer != permit.Owner {
		return ErrPermitSignature
	}
	if err := l.store.KVPut(allowanceKey(normalized, permit.Owner, permit.Spender), new(big.Int).Set(permit.Amount)); err != nil {
		return err
	}
	return l.store.KVPut(nonceKey(permit.Owner), nonce+1)
}
