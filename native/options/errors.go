package options

import "errors"

// Terminal failures surfaced by the engine. Every violation aborts the whole
// operation; no error leaves a partially mutated record behind.
var (
	ErrNotFound             = errors.New("options: option not found")
	ErrTransferFailed       = errors.New("options: transfer failed")
	ErrAlreadyPurchased     = errors.New("options: option already purchased")
	ErrNotDeposited         = errors.New("options: no asset in escrow")
	ErrExpired              = errors.New("options: option expired")
	ErrNotAuthorized        = errors.New("options: caller not authorized")
	ErrNotExpired           = errors.New("options: option not expired")
	ErrAuthorizationInvalid = errors.New("options: invalid spend authorization")
)
