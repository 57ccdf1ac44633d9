package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"testing"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestApplyGlobalFlags(t *testing.T) {
	originalEndpoint := rpcEndpoint
	defer func() { rpcEndpoint = originalEndpoint }()

	args, err := applyGlobalFlags([]string{"--rpc", "http://node:9999", "options", "get"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(args, []string{"options", "get"}) {
		t.Fatalf("unexpected remaining args: %#v", args)
	}
	if rpcEndpoint != "http://node:9999" {
		t.Fatalf("unexpected endpoint: %q", rpcEndpoint)
	}

	args, err = applyGlobalFlags([]string{"--rpc=http://other:1234", "info"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(args, []string{"info"}) {
		t.Fatalf("unexpected remaining args: %#v", args)
	}
	if rpcEndpoint != "http://other:1234" {
		t.Fatalf("unexpected endpoint: %q", rpcEndpoint)
	}

	if _, err := applyGlobalFlags([]string{"--rpc"}); err == nil {
		t.Fatalf("expected error for --rpc without a value")
	}
}

func TestRPCCallFailureIncludesEndpoint(t *testing.T) {
	originalEndpoint := rpcEndpoint
	rpcEndpoint = "http://test.invalid"
	defer func() { rpcEndpoint = originalEndpoint }()

	originalClient := http.DefaultClient
	http.DefaultClient = &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused (stub)")
	})}
	defer func() { http.DefaultClient = originalClient }()

	_, _, err := callNodeRPC("net_info", nil, false)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "POST http://test.invalid") {
		t.Fatalf("expected endpoint in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection refused (stub)") {
		t.Fatalf("expected underlying cause in error, got %v", err)
	}
}

func TestPrivilegedCallRequiresToken(t *testing.T) {
	originalToken := rpcAuthToken
	rpcAuthToken = ""
	defer func() { rpcAuthToken = originalToken }()

	_, err := doRPCRequest([]byte(`{}`), true)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "OPTIONVAULT_RPC_TOKEN") {
		t.Fatalf("expected token hint in error, got %v", err)
	}
}

func TestPrivilegedCallSendsBearerToken(t *testing.T) {
	originalToken := rpcAuthToken
	rpcAuthToken = "secret-token"
	defer func() { rpcAuthToken = originalToken }()

	var gotAuth, gotContentType string
	var gotBody []byte
	originalClient := http.DefaultClient
	http.DefaultClient = &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		gotAuth = req.Header.Get("Authorization")
		gotContentType = req.Header.Get("Content-Type")
		var err error
		gotBody, err = io.ReadAll(req.Body)
		if err != nil {
			t.Fatalf("read request body: %v", err)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       io.NopCloser(bytes.NewReader([]byte(`{"result":{"id":7}}`))),
		}, nil
	})}
	defer func() { http.DefaultClient = originalClient }()

	result, rpcErr, err := callNodeRPC("options_get", map[string]interface{}{"id": 7}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rpcErr != nil {
		t.Fatalf("unexpected RPC error: %+v", rpcErr)
	}
	if string(result) != `{"id":7}` {
		t.Fatalf("unexpected result: %s", result)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected Authorization header: %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected Content-Type header: %q", gotContentType)
	}

	var envelope struct {
		JSONRPC string                   `json:"jsonrpc"`
		ID      int                      `json:"id"`
		Method  string                   `json:"method"`
		Params  []map[string]interface{} `json:"params"`
	}
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	if envelope.JSONRPC != "2.0" || envelope.ID != 1 || envelope.Method != "options_get" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if len(envelope.Params) != 1 || envelope.Params[0]["id"] != float64(7) {
		t.Fatalf("unexpected params: %+v", envelope.Params)
	}
}

func TestBalanceCommand(t *testing.T) {
	t.Run("missing_token", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		code := runBalanceCommand([]string{"--address", "ovt1x"}, stdout, stderr)
		if code != 1 {
			t.Fatalf("unexpected exit code: got %d, want 1", code)
		}
		if got := stderr.String(); got != "Error: --token is required\n" {
			t.Fatalf("unexpected stderr: %q", got)
		}
	})

	t.Run("success", func(t *testing.T) {
		originalCall := nodeRPCCall
		nodeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "bank_balance" {
				t.Fatalf("unexpected method: %s", method)
			}
			if requireAuth {
				t.Fatalf("bank_balance must not require auth")
			}
			want := map[string]interface{}{"token": "USDQ", "address": "ovt1x"}
			if !reflect.DeepEqual(params, want) {
				t.Fatalf("unexpected params: %#v", params)
			}
			return json.RawMessage(`{"token":"USDQ","address":"ovt1x","balance":"250"}`), nil, nil
		}
		defer func() { nodeRPCCall = originalCall }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		code := runBalanceCommand([]string{"--token", "USDQ", "--address", "ovt1x"}, stdout, stderr)
		if code != 0 {
			t.Fatalf("unexpected exit code: got %d, stderr %q", code, stderr.String())
		}
		want := "USDQ balance for ovt1x: 250\n"
		if stdout.String() != want {
			t.Fatalf("unexpected stdout: got %q, want %q", stdout.String(), want)
		}
	})
}
