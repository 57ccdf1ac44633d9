package assets

import "errors"

var (
	ErrCollectionNotFound = errors.New("assets: collection not found")
	ErrCollectionExists   = errors.New("assets: collection already registered")
	ErrItemNotFound       = errors.New("assets: item not found")
	ErrItemExists         = errors.New("assets: item already minted")
	ErrNotOwner           = errors.New("assets: source does not own item")
	ErrNotAuthorized      = errors.New("assets: caller not authorized to move item")
	ErrReceiverRejected   = errors.New("assets: receiver rejected custody")
)
