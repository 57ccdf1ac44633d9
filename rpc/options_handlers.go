package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"optionvault/core"
	"optionvault/core/genesis"
	"optionvault/crypto"
	"optionvault/native/assets"
	"optionvault/native/bank"
	"optionvault/native/options"
)

const (
	codeOptionsInvalidParams = -32050
	codeOptionsNotFound      = -32051
	codeOptionsForbidden     = -32052
	codeOptionsConflict      = -32053
	codeOptionsBadPermit     = -32054
	codeOptionsSettlement    = -32055
)

type optionsDepositParams struct {
	Seller     string  `json:"seller"`
	Collection string  `json:"collection"`
	ItemID     *uint64 `json:"itemId"`
	QuoteToken string  `json:"quoteToken"`
	Strike     string  `json:"strike"`
	Premium    string  `json:"premium"`
	Expiry     int64   `json:"expiry"`
}

type optionsPurchaseParams struct {
	ID        *uint64      `json:"id"`
	Buyer     string       `json:"buyer"`
	Permit    *bank.Permit `json:"permit,omitempty"`
	Signature string       `json:"signature,omitempty"`
}

type optionsExerciseParams struct {
	ID        *uint64      `json:"id"`
	Caller    string       `json:"caller"`
	Permit    *bank.Permit `json:"permit,omitempty"`
	Signature string       `json:"signature,omitempty"`
}

type optionsCloseParams struct {
	ID     *uint64 `json:"id"`
	Caller string  `json:"caller"`
}

type optionsIDParams struct {
	ID *uint64 `json:"id"`
}

type optionsListParams struct {
	Start uint64 `json:"start"`
	Limit int    `json:"limit"`
}

type optionsEventsParams struct {
	Cursor uint64 `json:"cursor"`
	Limit  int    `json:"limit"`
}

type bankBalanceParams struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

type bankPermitDigestParams struct {
	Token    string  `json:"token"`
	Owner    string  `json:"owner"`
	Amount   string  `json:"amount"`
	Deadline int64   `json:"deadline"`
	Nonce    *uint64 `json:"nonce,omitempty"`
}

type assetsOwnerOfParams struct {
	Collection string  `json:"collection"`
	ItemID     *uint64 `json:"itemId"`
}

type optionJSON struct {
	ID         uint64  `json:"id"`
	Seller     string  `json:"seller"`
	Buyer      *string `json:"buyer,omitempty"`
	Collection string  `json:"collection"`
	ItemID     uint64  `json:"itemId"`
	QuoteToken string  `json:"quoteToken"`
	Strike     string  `json:"strike"`
	Premium    string  `json:"premium"`
	Expiry     int64   `json:"expiry"`
	CreatedAt  int64   `json:"createdAt"`
	Escrowed   bool    `json:"escrowed"`
	Settlement string  `json:"settlement"`
}

type optionsListResult struct {
	Options []optionJSON `json:"options"`
	Total   uint64       `json:"total"`
}

type optionsEventsResult struct {
	Events         []core.StreamEvent `json:"events"`
	LatestSequence uint64             `json:"latestSequence"`
}

type bankBalanceResult struct {
	Token   string `json:"token"`
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type bankPermitDigestResult struct {
	Digest string      `json:"digest"`
	Permit bank.Permit `json:"permit"`
}

type assetsOwnerOfResult struct {
	Collection string `json:"collection"`
	ItemID     uint64 `json:"itemId"`
	Owner      string `json:"owner"`
}

func (s *Server) handleOptionsDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params optionsDepositParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ItemID == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "itemId required")
		return
	}
	strike, err := parsePositiveBigInt(params.Strike)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", fmt.Sprintf("strike: %v", err))
		return
	}
	premium, err := parsePositiveBigInt(params.Premium)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", fmt.Sprintf("premium: %v", err))
		return
	}
	if !s.allowWrite(w, r, req.ID) {
		return
	}
	opt, err := s.node.OptionsDeposit(seller, params.Collection, *params.ItemID, params.QuoteToken, strike, premium, params.Expiry)
	if err != nil {
		writeOptionsError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatOptionJSON(opt))
}

func (s *Server) handleOptionsPurchase(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params optionsPurchaseParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ID == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "id required")
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	submission, err := parsePermitSubmission(params.Permit, params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	if !s.allowWrite(w, r, req.ID) {
		return
	}
	opt, err := s.node.OptionsPurchase(*params.ID, buyer, submission)
	if err != nil {
		writeOptionsError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatOptionJSON(opt))
}

func (s *Server) handleOptionsExercise(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params optionsExerciseParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ID == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "id required")
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	submission, err := parsePermitSubmission(params.Permit, params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	if !s.allowWrite(w, r, req.ID) {
		return
	}
	opt, err := s.node.OptionsExercise(*params.ID, caller, submission)
	if err != nil {
		writeOptionsError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatOptionJSON(opt))
}

func (s *Server) handleOptionsClose(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params optionsCloseParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ID == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "id required")
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	if !s.allowWrite(w, r, req.ID) {
		return
	}
	opt, err := s.node.OptionsClose(*params.ID, caller)
	if err != nil {
		writeOptionsError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatOptionJSON(opt))
}

func (s *Server) handleOptionsGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params optionsIDParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ID == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "id required")
		return
	}
	opt, err := s.node.OptionsGet(*params.ID)
	if err != nil {
		writeOptionsError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatOptionJSON(opt))
}

func (s *Server) handleOptionsList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "too many parameters")
		return
	}
	params := optionsListParams{}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if params.Limit <= 0 {
		params.Limit = 50
	} else if params.Limit > 500 {
		params.Limit = 500
	}
	records, total, err := s.node.OptionsList(params.Start, params.Limit)
	if err != nil {
		writeOptionsError(w, req.ID, err)
		return
	}
	result := optionsListResult{Options: make([]optionJSON, 0, len(records)), Total: total}
	for _, opt := range records {
		result.Options = append(result.Options, formatOptionJSON(opt))
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleOptionsEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "too many parameters")
		return
	}
	params := optionsEventsParams{}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	events, latest := s.node.EventsAfter(params.Cursor, params.Limit)
	writeResult(w, req.ID, optionsEventsResult{Events: events, LatestSequence: latest})
}

func (s *Server) handleBankBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params bankBalanceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.BankBalance(params.Token, addr)
	if err != nil {
		writeOptionsError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bankBalanceResult{
		Token:   strings.ToUpper(strings.TrimSpace(params.Token)),
		Address: strings.TrimSpace(params.Address),
		Balance: balance.String(),
	})
}

// handleBankPermitDigest assembles the canonical permit a wallet must sign for
// the requested spend. The node fills in the domain, chain id, vault spender
// and, unless the caller pins one, the owner's next permit nonce.
func (s *Server) handleBankPermitDigest(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params bankPermitDigestParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", fmt.Sprintf("amount: %v", err))
		return
	}
	token := strings.ToUpper(strings.TrimSpace(params.Token))
	if token == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "token required")
		return
	}
	nonce := uint64(0)
	if params.Nonce != nil {
		nonce = *params.Nonce
	} else {
		next, err := s.node.BankPermitNonce(owner)
		if err != nil {
			writeOptionsError(w, req.ID, err)
			return
		}
		nonce = next
	}
	permit := bank.Permit{
		Domain:   bank.PermitDomainV1,
		ChainID:  s.node.ChainID(),
		Token:    token,
		Owner:    owner,
		Spender:  s.node.VaultAddress(),
		Amount:   amount,
		Nonce:    nonce,
		Deadline: params.Deadline,
	}
	writeResult(w, req.ID, bankPermitDigestResult{
		Digest: "0x" + hex.EncodeToString(permit.Hash()),
		Permit: permit,
	})
}

func (s *Server) handleAssetsOwnerOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params assetsOwnerOfParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ItemID == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeOptionsInvalidParams, "invalid_params", "itemId required")
		return
	}
	owner, err := s.node.AssetsOwnerOf(params.Collection, *params.ItemID)
	if err != nil {
		writeOptionsError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, assetsOwnerOfResult{
		Collection: strings.ToUpper(strings.TrimSpace(params.Collection)),
		ItemID:     *params.ItemID,
		Owner:      crypto.NewAddress(crypto.OVTPrefix, owner[:]).String(),
	})
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return genesis.ParseBech32Account(trimmed)
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

// parsePermitSubmission pairs the optional permit payload with its signature.
// A permit without a signature (or the reverse) is rejected outright.
func parsePermitSubmission(permit *bank.Permit, signature string) (*bank.PermitSubmission, error) {
	trimmed := strings.TrimSpace(signature)
	if permit == nil {
		if trimmed != "" {
			return nil, fmt.Errorf("signature supplied without permit")
		}
		return nil, nil
	}
	if trimmed == "" {
		return nil, fmt.Errorf("permit requires a signature")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	sig, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %v", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes")
	}
	return &bank.PermitSubmission{Permit: permit, Signature: sig}, nil
}

func formatOptionJSON(opt *options.Option) optionJSON {
	seller := crypto.NewAddress(crypto.OVTPrefix, opt.Seller[:]).String()
	var buyerPtr *string
	if opt.Purchased() {
		buyer := crypto.NewAddress(crypto.OVTPrefix, opt.Buyer[:]).String()
		buyerPtr = &buyer
	}
	strike := "0"
	if opt.Strike != nil {
		strike = opt.Strike.String()
	}
	premium := "0"
	if opt.Premium != nil {
		premium = opt.Premium.String()
	}
	return optionJSON{
		ID:         opt.ID,
		Seller:     seller,
		Buyer:      buyerPtr,
		Collection: opt.Collection,
		ItemID:     opt.ItemID,
		QuoteToken: opt.QuoteToken,
		Strike:     strike,
		Premium:    premium,
		Expiry:     opt.Expiry,
		CreatedAt:  opt.CreatedAt,
		Escrowed:   opt.Escrowed,
		Settlement: opt.Settlement.String(),
	}
}

func writeOptionsError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeServerError
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, options.ErrNotFound),
		errors.Is(err, assets.ErrCollectionNotFound),
		errors.Is(err, assets.ErrItemNotFound),
		errors.Is(err, bank.ErrTokenNotFound):
		status = http.StatusNotFound
		code = codeOptionsNotFound
		message = "not_found"
	case errors.Is(err, options.ErrNotAuthorized):
		status = http.StatusForbidden
		code = codeOptionsForbidden
		message = "forbidden"
	case errors.Is(err, options.ErrAuthorizationInvalid):
		status = http.StatusBadRequest
		code = codeOptionsBadPermit
		message = "invalid_authorization"
	case errors.Is(err, options.ErrTransferFailed):
		status = http.StatusConflict
		code = codeOptionsSettlement
		message = "settlement_failed"
	case errors.Is(err, options.ErrAlreadyPurchased),
		errors.Is(err, options.ErrNotDeposited),
		errors.Is(err, options.ErrExpired),
		errors.Is(err, options.ErrNotExpired):
		status = http.StatusConflict
		code = codeOptionsConflict
		message = "conflict"
	case strings.Contains(err.Error(), "options:"):
		status = http.StatusBadRequest
		code = codeOptionsInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, data)
}
