package bank

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var permitKeySeed byte = 1

func mustGenerateOwner(t *testing.T) (*ecdsa.PrivateKey, [20]byte) {
	t.Helper()
	seed := bytes.Repeat([]byte{permitKeySeed}, 32)
	permitKeySeed++
	key, err := ethcrypto.ToECDSA(seed)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	var out [20]byte
	copy(out[:], addr[:])
	return key, out
}

func testPermit(owner [20]byte) *Permit {
	return &Permit{
		Domain:   PermitDomainV1,
		ChainID:  testLedgerChainID,
		Token:    "USDQ",
		Owner:    owner,
		Spender:  newTestAddress(0xEE),
		Amount:   big.NewInt(250),
		Nonce:    0,
		Deadline: 1_700_000_500,
	}
}

func signTestPermit(t *testing.T, permit *Permit, key *ecdsa.PrivateKey) *PermitSubmission {
	t.Helper()
	sig, err := ethcrypto.Sign(permit.Hash(), key)
	if err != nil {
		t.Fatalf("sign permit: %v", err)
	}
	return &PermitSubmission{Permit: permit, Signature: sig}
}

func TestPermitHashBindsEveryField(t *testing.T) {
	_, owner := mustGenerateOwner(t)
	base := testPermit(owner)
	baseHash := base.Hash()

	mutations := []struct {
		name   string
		mutate func(*Permit)
	}{
		{"domain", func(p *Permit) { p.Domain = "OPTIONVAULT_PERMIT_V2" }},
		{"chain id", func(p *Permit) { p.ChainID++ }},
		{"token", func(p *Permit) { p.Token = "EURQ" }},
		{"owner", func(p *Permit) { p.Owner = newTestAddress(0x01) }},
		{"spender", func(p *Permit) { p.Spender = newTestAddress(0x02) }},
		{"amount", func(p *Permit) { p.Amount = big.NewInt(251) }},
		{"nonce", func(p *Permit) { p.Nonce++ }},
		{"deadline", func(p *Permit) { p.Deadline++ }},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			mutated := *base
			tc.mutate(&mutated)
			if bytes.Equal(baseHash, mutated.Hash()) {
				t.Fatalf("hash must change when %s changes", tc.name)
			}
		})
	}
	if !bytes.Equal(baseHash, base.Hash()) {
		t.Fatalf("hash must be deterministic")
	}
}

func TestPermitRecoverSigner(t *testing.T) {
	key, owner := mustGenerateOwner(t)
	permit := testPermit(owner)
	sub := signTestPermit(t, permit, key)

	signer, err := permit.RecoverSigner(sub.Signature)
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	if signer != owner {
		t.Fatalf("expected owner recovered")
	}
	if _, err := permit.RecoverSigner(sub.Signature[:64]); err == nil {
		t.Fatalf("expected short signature rejection")
	}
	// A flipped payload byte invalidates the recovered address.
	tampered := *permit
	tampered.Amount = big.NewInt(999)
	signer, err = tampered.RecoverSigner(sub.Signature)
	if err == nil && signer == owner {
		t.Fatalf("tampered permit must not recover the owner")
	}
}

func TestPermitJSONRoundTrip(t *testing.T) {
	_, owner := mustGenerateOwner(t)
	permit := testPermit(owner)

	encoded, err := json.Marshal(permit)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Permit
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Owner != permit.Owner || decoded.Spender != permit.Spender {
		t.Fatalf("address round trip failed")
	}
	if decoded.Amount.Cmp(permit.Amount) != 0 || decoded.Nonce != permit.Nonce || decoded.Deadline != permit.Deadline {
		t.Fatalf("payload round trip failed: %+v", decoded)
	}
	if !bytes.Equal(decoded.Hash(), permit.Hash()) {
		t.Fatalf("decoded permit must hash identically")
	}
}

func TestPermitJSONValidation(t *testing.T) {
	_, owner := mustGenerateOwner(t)
	valid, err := json.Marshal(testPermit(owner))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"missing domain", func(m map[string]interface{}) { m["domain"] = "" }},
		{"missing token", func(m map[string]interface{}) { m["token"] = "  " }},
		{"missing owner", func(m map[string]interface{}) { m["owner"] = "" }},
		{"bad owner", func(m map[string]interface{}) { m["owner"] = "nonsense" }},
		{"bad spender", func(m map[string]interface{}) { m["spender"] = "nonsense" }},
		{"zero amount", func(m map[string]interface{}) { m["amount"] = "0" }},
		{"negative amount", func(m map[string]interface{}) { m["amount"] = "-5" }},
		{"non-numeric amount", func(m map[string]interface{}) { m["amount"] = "ten" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var fields map[string]interface{}
			if err := json.Unmarshal(valid, &fields); err != nil {
				t.Fatalf("decode fields: %v", err)
			}
			tc.mutate(fields)
			raw, err := json.Marshal(fields)
			if err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			var decoded Permit
			if err := json.Unmarshal(raw, &decoded); err == nil {
				t.Fatalf("expected decode rejection")
			}
		})
	}
}

func TestRedeemPermit(t *testing.T) {
	ledger := newTestLedger(t)
	key, owner := mustGenerateOwner(t)
	permit := testPermit(owner)

	if err := ledger.RedeemPermit(signTestPermit(t, permit, key)); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	allowance, err := ledger.Allowance("usdq", owner, permit.Spender)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected allowance 250, got %s", allowance)
	}
	nonce, err := ledger.PermitNonce(owner)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if nonce != 1 {
		t.Fatalf("expected nonce consumed, got %d", nonce)
	}

	// The same grant cannot be redeemed twice.
	if err := ledger.RedeemPermit(signTestPermit(t, permit, key)); !errors.Is(err, ErrPermitNonce) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestRedeemPermitValidation(t *testing.T) {
	key, owner := mustGenerateOwner(t)
	forgerKey, _ := mustGenerateOwner(t)

	cases := []struct {
		name    string
		mutate  func(*Permit)
		signer  *ecdsa.PrivateKey
		wantErr error
	}{
		{"wrong domain", func(p *Permit) { p.Domain = "SOMETHING_ELSE" }, key, nil},
		{"wrong chain", func(p *Permit) { p.ChainID = testLedgerChainID + 1 }, key, nil},
		{"unregistered token", func(p *Permit) { p.Token = "EURQ" }, key, ErrTokenNotFound},
		{"zero amount", func(p *Permit) { p.Amount = big.NewInt(0) }, key, ErrInvalidAmount},
		{"expired deadline", func(p *Permit) { p.Deadline = 1_699_999_999 }, key, ErrPermitExpired},
		{"future nonce", func(p *Permit) { p.Nonce = 5 }, key, ErrPermitNonce},
		{"forged signature", func(p *Permit) {}, forgerKey, ErrPermitSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := newTestLedger(t)
			permit := testPermit(owner)
			tc.mutate(permit)
			err := ledger.RedeemPermit(signTestPermit(t, permit, tc.signer))
			if err == nil {
				t.Fatalf("expected rejection")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			allowance, _ := ledger.Allowance("usdq", owner, permit.Spender)
			if allowance.Sign() != 0 {
				t.Fatalf("rejected permit must not grant an allowance")
			}
			nonce, _ := ledger.PermitNonce(owner)
			if nonce != 0 {
				t.Fatalf("rejected permit must not consume the nonce")
			}
		})
	}

	ledger := newTestLedger(t)
	if err := ledger.RedeemPermit(nil); err == nil {
		t.Fatalf("expected nil submission rejection")
	}
	if err := ledger.RedeemPermit(&PermitSubmission{}); err == nil {
		t.Fatalf("expected missing permit rejection")
	}
}

func TestRedeemPermitAtDeadlineAllowed(t *testing.T) {
	ledger := newTestLedger(t)
	ledger.SetClock(func() time.Time { return time.Unix(1_700_000_500, 0) })
	key, owner := mustGenerateOwner(t)
	permit := testPermit(owner)

	if err := ledger.RedeemPermit(signTestPermit(t, permit, key)); err != nil {
		t.Fatalf("redeem at deadline instant: %v", err)
	}
}
