package bank

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	repoCrypto "optionvault/crypto"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PermitDomainV1 defines the domain string for the first permit version.
const PermitDomainV1 = "OPTIONVAULT_PERMIT_V1"

// Permit is a signed, single-use spend grant: the owner authorizes the spender
// to pull exactly Amount of Token before Deadline. Redemption consumes the
// owner's permit nonce, so a grant can never be replayed.
type Permit struct {
	Domain   string
	ChainID  uint64
	Token    string
	Owner    [20]byte
	Spender  [20]byte
	Amount   *big.Int
	Nonce    uint64
	Deadline int64
}

// PermitSubmission bundles the permit payload with the owner's signature as
// supplied over RPC.
type PermitSubmission struct {
	Permit    *Permit
	Signature []byte
}

type permitJSON struct {
	Domain   string `json:"domain"`
	ChainID  uint64 `json:"chainId"`
	Token    string `json:"token"`
	Owner    string `json:"owner"`
	Spender  string `json:"spender"`
	Amount   string `json:"amount"`
	Nonce    uint64 `json:"nonce"`
	Deadline int64  `json:"deadline"`
}

// MarshalJSON encodes the permit into the JSON representation consumed by RPC
// clients.
func (p Permit) MarshalJSON() ([]byte, error) {
	amountStr := "0"
	if p.Amount != nil {
		amountStr = strings.TrimSpace(p.Amount.String())
	}
	owner := ""
	if p.Owner != ([20]byte{}) {
		owner = repoCrypto.NewAddress(repoCrypto.OVTPrefix, p.Owner[:]).String()
	}
	spender := ""
	if p.Spender != ([20]byte{}) {
		spender = repoCrypto.NewAddress(repoCrypto.OVTPrefix, p.Spender[:]).String()
	}
	payload := permitJSON{
		Domain:   strings.TrimSpace(p.Domain),
		ChainID:  p.ChainID,
		Token:    strings.TrimSpace(p.Token),
		Owner:    owner,
		Spender:  spender,
		Amount:   amountStr,
		Nonce:    p.Nonce,
		Deadline: p.Deadline,
	}
	return json.Marshal(payload)
}

// UnmarshalJSON decodes the on-wire representation into the canonical struct.
func (p *Permit) UnmarshalJSON(data []byte) error {
	if p == nil {
		return fmt.Errorf("permit: nil receiver")
	}
	var payload permitJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	domain := strings.TrimSpace(payload.Domain)
	if domain == "" {
		return fmt.Errorf("permit: domain required")
	}
	token := strings.ToUpper(strings.TrimSpace(payload.Token))
	if token == "" {
		return fmt.Errorf("permit: token required")
	}
	ownerStr := strings.TrimSpace(payload.Owner)
	if ownerStr == "" {
		return fmt.Errorf("permit: owner required")
	}
	ownerAddr, err := repoCrypto.DecodeAddress(ownerStr)
	if err != nil {
		return fmt.Errorf("permit: owner: %w", err)
	}
	var owner [20]byte
	copy(owner[:], ownerAddr.Bytes())
	spenderStr := strings.TrimSpace(payload.Spender)
	if spenderStr == "" {
		return fmt.Errorf("permit: spender required")
	}
	spenderAddr, err := repoCrypto.DecodeAddress(spenderStr)
	if err != nil {
		return fmt.Errorf("permit: spender: %w", err)
	}
	var spender [20]byte
	copy(spender[:], spenderAddr.Bytes())
	amountStr := strings.TrimSpace(payload.Amount)
	if amountStr == "" {
		return fmt.Errorf("permit: amount required")
	}
	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return fmt.Errorf("permit: invalid amount %q", payload.Amount)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("permit: amount must be positive")
	}
	*p = Permit{
		Domain:   domain,
		ChainID:  payload.ChainID,
		Token:    token,
		Owner:    owner,
		Spender:  spender,
		Amount:   amount,
		Nonce:    payload.Nonce,
		Deadline: payload.Deadline,
	}
	return nil
}

// Hash reconstructs the canonical message digest signed by the owner.
func (p Permit) Hash() []byte {
	amountStr := "0"
	if p.Amount != nil {
		amountStr = p.Amount.String()
	}
	payload := fmt.Sprintf("%s|chain=%d|token=%s|owner=%s|spender=%s|amount=%s|nonce=%d|deadline=%d",
		strings.TrimSpace(p.Domain),
		p.ChainID,
		strings.TrimSpace(p.Token),
		hex.EncodeToString(p.Owner[:]),
		hex.EncodeToString(p.Spender[:]),
		amountStr,
		p.Nonce,
		p.Deadline,
	)
	return ethcrypto.Keccak256([]byte(payload))
}

// RecoverSigner returns the address that produced the supplied signature over
// the permit digest.
func (p Permit) RecoverSigner(signature []byte) ([20]byte, error) {
	if len(signature) != 65 {
		return [20]byte{}, fmt.Errorf("permit: signature must be 65 bytes")
	}
	pub, err := ethcrypto.SigToPub(p.Hash(), signature)
	if err != nil {
		return [20]byte{}, fmt.Errorf("permit: recover signer: %w", err)
	}
	addr := ethcrypto.PubkeyToAddress(*pub)
	var out [20]byte
	copy(out[:], addr[:])
	return out, nil
}
