package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func decodeLogLine(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	entry := map[string]any{}
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("decode log line %q: %v", raw, err)
	}
	return entry
}

func TestSetupWriterRemapsStandardKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := SetupWriter(buf, "optiond", "staging")

	logger.Info("node started", "network", "optionvault-local")

	entry := decodeLogLine(t, buf.Bytes())
	if entry["message"] != "node started" {
		t.Fatalf("unexpected message field: %v", entry)
	}
	if entry["severity"] != "INFO" {
		t.Fatalf("unexpected severity field: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("missing timestamp field: %v", entry)
	}
	if entry["service"] != "optiond" || entry["env"] != "staging" {
		t.Fatalf("missing service attributes: %v", entry)
	}
	if entry["network"] != "optionvault-local" {
		t.Fatalf("missing network attribute: %v", entry)
	}
}

func TestSetupWriterBridgesStandardLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	SetupWriter(buf, "optiond", "")

	log.Printf("legacy line %d", 7)

	entry := decodeLogLine(t, bytes.TrimSpace(buf.Bytes()))
	if entry["message"] != "legacy line 7" {
		t.Fatalf("unexpected bridged message: %v", entry)
	}
	if entry["service"] != "optiond" {
		t.Fatalf("bridged line missing service attribute: %v", entry)
	}
	if _, ok := entry["env"]; ok {
		t.Fatalf("blank env should be omitted: %v", entry)
	}
}

func TestMaskFieldRedactsAuthToken(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := SetupWriter(buf, "optiond", "")

	secret := "bearer-3f62a1"
	logger.Info("rpc auth configured", MaskField("rpc_token", secret))

	if IsAllowlisted("rpc_token") {
		t.Fatalf("rpc_token should not be allowlisted: %v", RedactionAllowlist())
	}
	if bytes.Contains(buf.Bytes(), []byte(secret)) {
		t.Fatalf("log output leaked token: %s", buf.Bytes())
	}
	entry := decodeLogLine(t, buf.Bytes())
	if entry["rpc_token"] != RedactedValue {
		t.Fatalf("expected redacted token, got %v", entry["rpc_token"])
	}
}

func TestMaskFieldPassesAllowlistedKeys(t *testing.T) {
	attr := MaskField("operation", "deposit")
	if attr.Value.String() != "deposit" {
		t.Fatalf("allowlisted key should pass through, got %q", attr.Value.String())
	}
	if got := MaskValue("  "); strings.TrimSpace(got) != "" {
		t.Fatalf("blank value should stay blank, got %q", got)
	}
	if got := MaskValue("sensitive"); got != RedactedValue {
		t.Fatalf("expected placeholder, got %q", got)
	}
}
