package options

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"optionvault/core/events"
	"optionvault/core/types"
	"optionvault/native/assets"
	"optionvault/native/bank"
)

var (
	errNilState   = errors.New("options engine: state not configured")
	errNilCustody = errors.New("options engine: asset custody not configured")
	errNilLedger  = errors.New("options engine: quote ledger not configured")
	errNilVault   = errors.New("options engine: vault address not configured")
)

// engineState is the slice of state management the engine needs to persist
// option records and allocate identifiers.
type engineState interface {
	OptionsPut(*Option) error
	OptionsGet(id uint64) (*Option, bool)
	OptionsNextSequence() (uint64, error)
}

// AssetCustody moves uniquely identified items between accounts. The custody
// ledger rejects a transfer unless the caller owns the item or carries an
// approval from the owner, and refuses to move items the source no longer
// holds.
type AssetCustody interface {
	Transfer(caller [20]byte, collection string, itemID uint64, from, to [20]byte) error
}

// QuoteLedger settles premium and strike payments. TransferFrom consumes the
// spender's allowance on the owner's balance; RedeemPermit converts a signed
// single-use grant into such an allowance immediately before the pull.
type QuoteLedger interface {
	TransferFrom(token string, spender, from, to [20]byte, amount *big.Int) error
	RedeemPermit(sub *bank.PermitSubmission) error
}

type optionEvent struct {
	evt *types.Event
}

func (e optionEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e optionEvent) Event() *types.Event { return e.evt }

// Engine drives the option lifecycle: Deposit escrows the covered asset and
// opens the record, Purchase assigns the single buyer and settles the premium,
// Exercise settles the strike and releases the asset to the buyer, Close
// returns the asset to the seller. Records stay in the registry forever, and
// every lifecycle precondition is enforced inside the engine.
type Engine struct {
	state   engineState
	custody AssetCustody
	ledger  QuoteLedger
	emitter events.Emitter
	vault   [20]byte
	nowFn   func() int64
}

// NewEngine creates an options engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCustody configures the non-fungible custody ledger the engine escrows
// assets through.
func (e *Engine) SetCustody(custody AssetCustody) { e.custody = custody }

// SetQuoteLedger configures the fungible ledger used for premium and strike
// settlement.
func (e *Engine) SetQuoteLedger(ledger QuoteLedger) { e.ledger = ledger }

// SetVault configures the module account that holds escrowed assets and acts
// as the authorized spender when pulling quote funds.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Vault returns the module account configured for escrow custody.
func (e *Engine) Vault() [20]byte { return e.vault }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(optionEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) requireCollaborators() error {
	switch {
	case e == nil || e.state == nil:
		return errNilState
	case e.custody == nil:
		return errNilCustody
	case e.ledger == nil:
		return errNilLedger
	case e.vault == ([20]byte{}):
		return errNilVault
	}
	return nil
}

func (e *Engine) loadOption(id uint64) (*Option, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	opt, ok := e.state.OptionsGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return opt, nil
}

func (e *Engine) storeOption(opt *Option) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.OptionsPut(opt)
}

// redeemPermit validates that the supplied grant is bound to the expected
// owner, spender, token and exact amount before handing it to the quote ledger
// for signature and nonce verification.
func (e *Engine) redeemPermit(sub *bank.PermitSubmission, owner [20]byte, token string, amount *big.Int) error {
	if sub == nil || sub.Permit == nil {
		return fmt.Errorf("%w: missing permit payload", ErrAuthorizationInvalid)
	}
	permit := sub.Permit
	if permit.Owner != owner {
		return fmt.Errorf("%w: permit owner does not match caller", ErrAuthorizationInvalid)
	}
	if permit.Spender != e.vault {
		return fmt.Errorf("%w: permit spender is not the option vault", ErrAuthorizationInvalid)
	}
	normalized, err := NormalizeSymbol(permit.Token)
	if err != nil || normalized != token {
		return fmt.Errorf("%w: permit token mismatch", ErrAuthorizationInvalid)
	}
	if permit.Amount == nil || permit.Amount.Cmp(amount) != 0 {
		return fmt.Errorf("%w: permit amount must equal the settled amount", ErrAuthorizationInvalid)
	}
	if err := e.ledger.RedeemPermit(sub); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthorizationInvalid, err)
	}
	return nil
}

// Deposit escrows the seller's asset and opens a new option record. The
// custody transfer into the vault runs with the seller's own authority; when
// it fails no record is created.
func (e *Engine) Deposit(seller [20]byte, collection string, itemID uint64, quoteToken string, strike, premium *big.Int, expiry int64) (*Option, error) {
	if err := e.requireCollaborators(); err != nil {
		return nil, err
	}
	if seller == ([20]byte{}) {
		return nil, fmt.Errorf("options: seller address required")
	}
	normalizedCollection, err := NormalizeSymbol(collection)
	if err != nil {
		return nil, err
	}
	normalizedQuote, err := NormalizeSymbol(quoteToken)
	if err != nil {
		return nil, err
	}
	strikeAmt := cloneBigInt(strike)
	if strikeAmt.Sign() <= 0 {
		return nil, fmt.Errorf("options: strike must be positive")
	}
	premiumAmt := cloneBigInt(premium)
	if premiumAmt.Sign() <= 0 {
		return nil, fmt.Errorf("options: premium must be positive")
	}
	now := e.now()
	if expiry < now {
		return nil, fmt.Errorf("options: expiry before creation time")
	}
	if err := e.custody.Transfer(seller, normalizedCollection, itemID, seller, e.vault); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	id, err := e.state.OptionsNextSequence()
	if err != nil {
		return nil, err
	}
	opt := &Option{
		ID:         id,
		Seller:     seller,
		Collection: normalizedCollection,
		ItemID:     itemID,
		QuoteToken: normalizedQuote,
		Strike:     strikeAmt,
		Premium:    premiumAmt,
		Expiry:     expiry,
		CreatedAt:  now,
		Escrowed:   true,
		Settlement: SettlementNone,
	}
	if err := e.storeOption(opt); err != nil {
		return nil, err
	}
	e.emit(NewDepositedEvent(opt))
	return opt.Clone(), nil
}

// Purchase assigns the caller as the option's single buyer and settles the
// premium straight from buyer to seller. When a permit is supplied it is
// redeemed for exactly the premium amount before any funds move. The buyer
// field is set only once the premium transfer fully succeeded.
func (e *Engine) Purchase(id uint64, buyer [20]byte, permit *bank.PermitSubmission) error {
	if err := e.requireCollaborators(); err != nil {
		return err
	}
	if buyer == ([20]byte{}) {
		return fmt.Errorf("options: buyer address required")
	}
	opt, err := e.loadOption(id)
	if err != nil {
		return err
	}
	if opt.Purchased() {
		return ErrAlreadyPurchased
	}
	if !opt.Escrowed {
		return ErrNotDeposited
	}
	if e.now() > opt.Expiry {
		return ErrExpired
	}
	if permit != nil {
		if err := e.redeemPermit(permit, buyer, opt.QuoteToken, opt.Premium); err != nil {
			return err
		}
	}
	if err := e.ledger.TransferFrom(opt.QuoteToken, e.vault, buyer, opt.Seller, opt.Premium); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	opt.Buyer = buyer
	if err := e.storeOption(opt); err != nil {
		return err
	}
	e.emit(NewPurchasedEvent(opt))
	return nil
}

// Exercise settles the strike from the buyer to the seller and releases the
// escrowed asset to the buyer. The asset only leaves the vault after the
// strike payment fully succeeded.
func (e *Engine) Exercise(id uint64, caller [20]byte, permit *bank.PermitSubmission) error {
	if err := e.requireCollaborators(); err != nil {
		return err
	}
	opt, err := e.loadOption(id)
	if err != nil {
		return err
	}
	if !opt.Purchased() || caller != opt.Buyer {
		return ErrNotAuthorized
	}
	if !opt.Escrowed {
		return ErrNotDeposited
	}
	if e.now() > opt.Expiry {
		return ErrExpired
	}
	if permit != nil {
		if err := e.redeemPermit(permit, caller, opt.QuoteToken, opt.Strike); err != nil {
			return err
		}
	}
	if err := e.ledger.TransferFrom(opt.QuoteToken, e.vault, caller, opt.Seller, opt.Strike); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.custody.Transfer(e.vault, opt.Collection, opt.ItemID, e.vault, opt.Buyer); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	opt.Escrowed = false
	opt.Settlement = SettlementExercised
	if err := e.storeOption(opt); err != nil {
		return err
	}
	e.emit(NewExercisedEvent(opt))
	return nil
}

// Close returns the escrowed asset to the seller once the option lapsed or was
// never purchased. A second close fails because the escrow flag has already
// been cleared.
func (e *Engine) Close(id uint64, caller [20]byte) error {
	if err := e.requireCollaborators(); err != nil {
		return err
	}
	opt, err := e.loadOption(id)
	if err != nil {
		return err
	}
	if caller != opt.Seller {
		return ErrNotAuthorized
	}
	if !opt.Escrowed {
		return ErrNotDeposited
	}
	if opt.Purchased() && e.now() <= opt.Expiry {
		return ErrNotExpired
	}
	if err := e.custody.Transfer(e.vault, opt.Collection, opt.ItemID, e.vault, opt.Seller); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	opt.Escrowed = false
	opt.Settlement = SettlementClosed
	if err := e.storeOption(opt); err != nil {
		return err
	}
	e.emit(NewClosedEvent(opt))
	return nil
}

// Get returns a copy of the option record for the supplied identifier.
func (e *Engine) Get(id uint64) (*Option, error) {
	opt, err := e.loadOption(id)
	if err != nil {
		return nil, err
	}
	return opt.Clone(), nil
}

// OnAssetReceived acknowledges custody transfers into the vault so Deposit's
// inbound pull completes. The hook is stateless and accepts unconditionally.
func (e *Engine) OnAssetReceived(operator, from [20]byte, collection string, itemID uint64) ([4]byte, error) {
	return assets.ReceiptAck, nil
}
