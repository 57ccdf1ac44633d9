package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"reflect"
	"strings"
	"testing"
	"time"

	"optionvault/native/bank"
)

func TestOptionsCommandArgValidation(t *testing.T) {
	originalNow := optionsNow
	optionsNow = func() time.Time { return time.Unix(1_700_000_000, 0) }
	defer func() { optionsNow = originalNow }()

	originalCall := nodeRPCCall
	nodeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		t.Fatalf("unexpected RPC call for method %s", method)
		return nil, nil, nil
	}
	defer func() { nodeRPCCall = originalCall }()

	cases := []struct {
		name       string
		args       []string
		wantStderr string
	}{
		{
			name:       "usage",
			args:       nil,
			wantStderr: optionsUsage() + "\n",
		},
		{
			name:       "unknown_subcommand",
			args:       []string{"unknown"},
			wantStderr: "Unknown options subcommand: unknown\n" + optionsUsage() + "\n",
		},
		{
			name: "deposit_missing_seller",
			args: []string{
				"deposit",
				"--collection", "ARTIFACT",
				"--item", "7",
				"--quote-token", "USDQ",
				"--strike", "300",
				"--premium", "100",
				"--expiry", "+30d",
			},
			wantStderr: "Error: --seller is required\n",
		},
		{
			name: "deposit_negative_strike",
			args: []string{
				"deposit",
				"--seller", "ovt1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq3ls9h0",
				"--collection", "ARTIFACT",
				"--item", "7",
				"--quote-token", "USDQ",
				"--strike", "-10",
				"--premium", "100",
				"--expiry", "+30d",
			},
			wantStderr: "Error: --strike must be positive\n",
		},
		{
			name: "deposit_fractional_premium",
			args: []string{
				"deposit",
				"--seller", "ovt1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq3ls9h0",
				"--collection", "ARTIFACT",
				"--item", "7",
				"--quote-token", "USDQ",
				"--strike", "300",
				"--premium", "1.23e-1",
				"--expiry", "+30d",
			},
			wantStderr: "Error: --premium must be an integer\n",
		},
		{
			name:       "purchase_missing_buyer",
			args:       []string{"purchase", "--id", "0"},
			wantStderr: "Error: --buyer is required when no --keystore is provided\n",
		},
		{
			name:       "exercise_missing_caller",
			args:       []string{"exercise", "--id", "2"},
			wantStderr: "Error: --caller is required when no --keystore is provided\n",
		},
		{
			name:       "close_missing_caller",
			args:       []string{"close", "--id", "4"},
			wantStderr: "Error: --caller is required\n",
		},
		{
			name:       "get_missing_id",
			args:       []string{"get"},
			wantStderr: "Error: --id is required\n",
		},
		{
			name:       "get_invalid_id",
			args:       []string{"get", "--id", "abc"},
			wantStderr: "Error: --id must be a non-negative integer\n",
		},
		{
			name:       "list_zero_limit",
			args:       []string{"list", "--limit", "0"},
			wantStderr: "Error: --limit must be positive\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}
			exitCode := runOptionsCommand(tc.args, stdout, stderr)
			if exitCode != 1 {
				t.Fatalf("unexpected exit code: got %d, want 1", exitCode)
			}
			if stdout.Len() != 0 {
				t.Fatalf("expected empty stdout, got %q", stdout.String())
			}
			if got := stderr.String(); got != tc.wantStderr {
				t.Fatalf("stderr mismatch:\n--- got ---\n%q\n--- want ---\n%q", got, tc.wantStderr)
			}
		})
	}
}

func TestOptionsRPCErrorsAndSuccess(t *testing.T) {
	originalNow := optionsNow
	optionsNow = func() time.Time { return time.Unix(1_700_000_000, 0) }
	defer func() { optionsNow = originalNow }()

	t.Run("rpc_error", func(t *testing.T) {
		originalCall := nodeRPCCall
		nodeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "options_get" {
				t.Fatalf("unexpected method: %s", method)
			}
			return nil, &rpcError{Code: -32051, Message: "not_found"}, nil
		}
		defer func() { nodeRPCCall = originalCall }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		exitCode := runOptionsCommand([]string{"get", "--id", "9"}, stdout, stderr)
		if exitCode != 1 {
			t.Fatalf("unexpected exit code: got %d, want 1", exitCode)
		}
		if stdout.Len() != 0 {
			t.Fatalf("expected empty stdout, got %q", stdout.String())
		}
		want := "RPC error -32051: not_found\n"
		if stderr.String() != want {
			t.Fatalf("unexpected stderr: got %q, want %q", stderr.String(), want)
		}
	})

	t.Run("deposit_success", func(t *testing.T) {
		seller := "ovt1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq3ls9h0"
		originalCall := nodeRPCCall
		nodeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "options_deposit" {
				t.Fatalf("unexpected method: %s", method)
			}
			if !requireAuth {
				t.Fatalf("options_deposit must require auth")
			}
			want := map[string]interface{}{
				"seller":     seller,
				"collection": "ARTIFACT",
				"itemId":     uint64(7),
				"quoteToken": "USDQ",
				"strike":     "300000000000000000000",
				"premium":    "500000000000000000",
				"expiry":     int64(1_700_003_600),
			}
			if !reflect.DeepEqual(params, want) {
				t.Fatalf("unexpected params: %#v", params)
			}
			return json.RawMessage(`{"id":0,"escrowed":true}`), nil, nil
		}
		defer func() { nodeRPCCall = originalCall }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		args := []string{
			"deposit",
			"--seller", seller,
			"--collection", "ARTIFACT",
			"--item", "7",
			"--quote-token", "USDQ",
			"--strike", "300e18",
			"--premium", "0.5e18",
			"--expiry", "+1h",
		}
		exitCode := runOptionsCommand(args, stdout, stderr)
		if exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, stderr %q", exitCode, stderr.String())
		}
		if stderr.Len() != 0 {
			t.Fatalf("expected empty stderr, got %q", stderr.String())
		}
		want := "{\"id\":0,\"escrowed\":true}\n"
		if stdout.String() != want {
			t.Fatalf("unexpected stdout: got %q, want %q", stdout.String(), want)
		}
	})

	t.Run("close_success", func(t *testing.T) {
		caller := "ovt1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq3ls9h0"
		originalCall := nodeRPCCall
		nodeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "options_close" {
				t.Fatalf("unexpected method: %s", method)
			}
			want := map[string]interface{}{"id": uint64(4), "caller": caller}
			if !reflect.DeepEqual(params, want) {
				t.Fatalf("unexpected params: %#v", params)
			}
			return json.RawMessage(`{"id":4,"settlement":"closed"}`), nil, nil
		}
		defer func() { nodeRPCCall = originalCall }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		exitCode := runOptionsCommand([]string{"close", "--id", "4", "--caller", caller}, stdout, stderr)
		if exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, stderr %q", exitCode, stderr.String())
		}
		want := "{\"id\":4,\"settlement\":\"closed\"}\n"
		if stdout.String() != want {
			t.Fatalf("unexpected stdout: got %q, want %q", stdout.String(), want)
		}
	})
}

func TestOptionsPurchaseSignsPremiumPermit(t *testing.T) {
	stubPassphrase(t)
	keystorePath, key := walletFixture(t)
	buyerAddr := key.PubKey().Address()
	buyer := buyerAddr.String()

	originalNow := optionsNow
	optionsNow = func() time.Time { return time.Unix(1_700_000_000, 0) }
	defer func() { optionsNow = originalNow }()

	var owner [20]byte
	copy(owner[:], buyerAddr.Bytes())
	var spender [20]byte
	spender[19] = 0x01

	var purchaseParams map[string]interface{}
	originalCall := nodeRPCCall
	nodeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		switch method {
		case "options_get":
			return json.RawMessage(`{"id":3,"quoteToken":"USDQ","strike":"300","premium":"100"}`), nil, nil
		case "bank_permitDigest":
			got, ok := params.(map[string]interface{})
			if !ok {
				t.Fatalf("digest params are not an object: %#v", params)
			}
			if got["token"] != "USDQ" || got["owner"] != buyer || got["amount"] != "100" {
				t.Fatalf("unexpected digest params: %#v", got)
			}
			if got["deadline"] != int64(1_700_000_900) {
				t.Fatalf("unexpected permit deadline: %#v", got["deadline"])
			}
			permit := bank.Permit{
				Domain:   bank.PermitDomainV1,
				ChainID:  4217,
				Token:    "USDQ",
				Owner:    owner,
				Spender:  spender,
				Amount:   big.NewInt(100),
				Nonce:    0,
				Deadline: 1_700_000_900,
			}
			payload, err := json.Marshal(map[string]interface{}{
				"digest": "0x" + hex.EncodeToString(permit.Hash()),
				"permit": permit,
			})
			if err != nil {
				t.Fatalf("marshal digest result: %v", err)
			}
			return payload, nil, nil
		case "options_purchase":
			if !requireAuth {
				t.Fatalf("options_purchase must require auth")
			}
			purchaseParams = params.(map[string]interface{})
			return json.RawMessage(`{"id":3}`), nil, nil
		default:
			t.Fatalf("unexpected RPC method %s", method)
			return nil, nil, nil
		}
	}
	defer func() { nodeRPCCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exitCode := runOptionsCommand([]string{"purchase", "--id", "3", "--keystore", keystorePath}, stdout, stderr)
	if exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d, stderr %q", exitCode, stderr.String())
	}
	if stderr.Len() != 0 {
		t.Fatalf("expected empty stderr, got %q", stderr.String())
	}
	if purchaseParams == nil {
		t.Fatalf("options_purchase was never called")
	}
	if purchaseParams["id"] != uint64(3) {
		t.Fatalf("unexpected id param: %#v", purchaseParams["id"])
	}
	if purchaseParams["buyer"] != buyer {
		t.Fatalf("unexpected buyer param: %#v", purchaseParams["buyer"])
	}
	permit, ok := purchaseParams["permit"].(*bank.Permit)
	if !ok {
		t.Fatalf("expected signed permit, got %#v", purchaseParams["permit"])
	}
	if permit.Amount == nil || permit.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected permit amount: %v", permit.Amount)
	}
	sigHex, ok := purchaseParams["signature"].(string)
	if !ok || !strings.HasPrefix(sigHex, "0x") {
		t.Fatalf("expected signature hex, got %#v", purchaseParams["signature"])
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	signer, err := permit.RecoverSigner(sig)
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	if signer != owner {
		t.Fatalf("signature does not recover to the keystore address")
	}
}

func TestOptionsExerciseSignsStrikePermit(t *testing.T) {
	stubPassphrase(t)
	keystorePath, key := walletFixture(t)
	callerAddr := key.PubKey().Address()
	caller := callerAddr.String()

	originalNow := optionsNow
	optionsNow = func() time.Time { return time.Unix(1_700_000_000, 0) }
	defer func() { optionsNow = originalNow }()

	var owner [20]byte
	copy(owner[:], callerAddr.Bytes())
	var spender [20]byte
	spender[0] = 0x02

	var exerciseParams map[string]interface{}
	originalCall := nodeRPCCall
	nodeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		switch method {
		case "options_get":
			return json.RawMessage(`{"id":3,"quoteToken":"USDQ","strike":"300","premium":"100"}`), nil, nil
		case "bank_permitDigest":
			got := params.(map[string]interface{})
			if got["amount"] != "300" {
				t.Fatalf("exercise permit must cover the strike, got %#v", got["amount"])
			}
			permit := bank.Permit{
				Domain:   bank.PermitDomainV1,
				ChainID:  4217,
				Token:    "USDQ",
				Owner:    owner,
				Spender:  spender,
				Amount:   big.NewInt(300),
				Nonce:    1,
				Deadline: 1_700_000_900,
			}
			payload, err := json.Marshal(map[string]interface{}{
				"digest": "0x" + hex.EncodeToString(permit.Hash()),
				"permit": permit,
			})
			if err != nil {
				t.Fatalf("marshal digest result: %v", err)
			}
			return payload, nil, nil
		case "options_exercise":
			exerciseParams = params.(map[string]interface{})
			return json.RawMessage(`{"id":3,"settlement":"exercised"}`), nil, nil
		default:
			t.Fatalf("unexpected RPC method %s", method)
			return nil, nil, nil
		}
	}
	defer func() { nodeRPCCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exitCode := runOptionsCommand([]string{"exercise", "--id", "3", "--keystore", keystorePath}, stdout, stderr)
	if exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d, stderr %q", exitCode, stderr.String())
	}
	if exerciseParams == nil {
		t.Fatalf("options_exercise was never called")
	}
	if exerciseParams["caller"] != caller {
		t.Fatalf("unexpected caller param: %#v", exerciseParams["caller"])
	}
	permit, ok := exerciseParams["permit"].(*bank.Permit)
	if !ok {
		t.Fatalf("expected signed permit, got %#v", exerciseParams["permit"])
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(exerciseParams["signature"].(string), "0x"))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	signer, err := permit.RecoverSigner(sig)
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	if signer != owner {
		t.Fatalf("signature does not recover to the keystore address")
	}
}

func TestOptionsPurchaseRefusesMismatchedDigest(t *testing.T) {
	stubPassphrase(t)
	keystorePath, key := walletFixture(t)
	buyerAddr := key.PubKey().Address()

	originalNow := optionsNow
	optionsNow = func() time.Time { return time.Unix(1_700_000_000, 0) }
	defer func() { optionsNow = originalNow }()

	var owner [20]byte
	copy(owner[:], buyerAddr.Bytes())
	var spender [20]byte
	spender[19] = 0x01

	originalCall := nodeRPCCall
	nodeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		switch method {
		case "options_get":
			return json.RawMessage(`{"id":3,"quoteToken":"USDQ","strike":"300","premium":"100"}`), nil, nil
		case "bank_permitDigest":
			permit := bank.Permit{
				Domain:   bank.PermitDomainV1,
				ChainID:  4217,
				Token:    "USDQ",
				Owner:    owner,
				Spender:  spender,
				Amount:   big.NewInt(100),
				Nonce:    0,
				Deadline: 1_700_000_900,
			}
			payload, err := json.Marshal(map[string]interface{}{
				"digest": "0x" + strings.Repeat("00", 32),
				"permit": permit,
			})
			if err != nil {
				t.Fatalf("marshal digest result: %v", err)
			}
			return payload, nil, nil
		default:
			t.Fatalf("unexpected RPC method %s", method)
			return nil, nil, nil
		}
	}
	defer func() { nodeRPCCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exitCode := runOptionsCommand([]string{"purchase", "--id", "3", "--keystore", keystorePath}, stdout, stderr)
	if exitCode != 1 {
		t.Fatalf("unexpected exit code: got %d, want 1", exitCode)
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected empty stdout, got %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "does not match the returned permit") {
		t.Fatalf("expected digest mismatch error, got %q", stderr.String())
	}
}

func TestOptionsPurchaseRejectsForeignBuyer(t *testing.T) {
	stubPassphrase(t)
	keystorePath, _ := walletFixture(t)

	originalCall := nodeRPCCall
	nodeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		t.Fatalf("unexpected RPC call for method %s", method)
		return nil, nil, nil
	}
	defer func() { nodeRPCCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{"purchase", "--id", "0", "--buyer", "ovt1somebodyelse", "--keystore", keystorePath}
	exitCode := runOptionsCommand(args, stdout, stderr)
	if exitCode != 1 {
		t.Fatalf("unexpected exit code: got %d, want 1", exitCode)
	}
	if !strings.Contains(stderr.String(), "does not match keystore address") {
		t.Fatalf("expected buyer mismatch error, got %q", stderr.String())
	}
}

func TestNormalizeAmount(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "100", want: "100"},
		{input: "00100", want: "100"},
		{input: "100e18", want: "100000000000000000000"},
		{input: "0.5e18", want: "500000000000000000"},
		{input: "1.0", want: "1"},
		{input: "1_000", want: "1000"},
		{input: "1.23e-1", wantErr: true},
		{input: "-10", wantErr: true},
		{input: "", wantErr: true},
		{input: "abc", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := normalizeAmount("--strike", tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for input %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected result: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseDeadline(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "relative_minutes", input: "+15m", want: now.Add(15 * time.Minute).Unix()},
		{name: "relative_days", input: "+1.5d", want: now.Add(36 * time.Hour).Unix()},
		{name: "absolute", input: "2026-01-01T00:00:00Z", want: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()},
		{name: "invalid", input: "soon", wantErr: true},
		{name: "negative_duration", input: "+-5m", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseDeadline(tc.input, now)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for input %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected deadline: got %d, want %d", got, tc.want)
			}
		})
	}
}
