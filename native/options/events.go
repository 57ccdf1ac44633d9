package options

import (
	"encoding/hex"
	"strconv"

	"optionvault/core/types"
)

const (
	EventTypeOptionDeposited = "options.deposited"
	EventTypeOptionPurchased = "options.purchased"
	EventTypeOptionExercised = "options.exercised"
	EventTypeOptionClosed    = "options.closed"
)

// NewDepositedEvent returns the canonical event payload emitted when a seller
// escrows an asset and the option record is created.
func NewDepositedEvent(o *Option) *types.Event { return newOptionEvent(EventTypeOptionDeposited, o) }

// NewPurchasedEvent returns the canonical event payload emitted when a buyer
// is assigned and the premium settles.
func NewPurchasedEvent(o *Option) *types.Event { return newOptionEvent(EventTypeOptionPurchased, o) }

// NewExercisedEvent returns the canonical event payload emitted when the buyer
// pays the strike and takes delivery of the escrowed asset.
func NewExercisedEvent(o *Option) *types.Event { return newOptionEvent(EventTypeOptionExercised, o) }

// NewClosedEvent returns the canonical event payload emitted when the seller
// reclaims the escrowed asset.
func NewClosedEvent(o *Option) *types.Event { return newOptionEvent(EventTypeOptionClosed, o) }

func newOptionEvent(eventType string, o *Option) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeOption(o)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["collection"] = sanitized.Collection
	attrs["itemId"] = strconv.FormatUint(sanitized.ItemID, 10)
	attrs["quoteToken"] = sanitized.QuoteToken
	attrs["strike"] = sanitized.Strike.String()
	attrs["premium"] = sanitized.Premium.String()
	attrs["expiry"] = strconv.FormatInt(sanitized.Expiry, 10)
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	attrs["escrowed"] = strconv.FormatBool(sanitized.Escrowed)
	attrs["settlement"] = sanitized.Settlement.String()
	if sanitized.Purchased() {
		attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
