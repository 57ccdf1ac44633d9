package bank

import "errors"

var (
	ErrTokenNotFound         = errors.New("bank: token not registered")
	ErrTokenExists           = errors.New("bank: token already registered")
	ErrInvalidAmount         = errors.New("bank: amount must be positive")
	ErrInsufficientBalance   = errors.New("bank: insufficient balance")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
	ErrPermitExpired         = errors.New("bank: permit deadline passed")
	ErrPermitNonce           = errors.New("bank: permit nonce mismatch")
	ErrPermitSignature       = errors.New("bank: permit signature invalid")
)
