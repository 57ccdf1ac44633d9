package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"optionvault/cmd/internal/passphrase"
	"optionvault/crypto"
)

const (
	defaultKeystoreFile   = "wallet.keystore"
	keystorePassphraseEnv = "OPTIONVAULT_KEYSTORE_PASSPHRASE"
)

// keystorePassphrase resolves the wallet passphrase. Tests swap it out to
// avoid terminal prompts.
var keystorePassphrase = func() (string, error) {
	return passphrase.NewSource(keystorePassphraseEnv).Get()
}

func runGenerateKeyCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("generate-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var keystorePath string
	fs.StringVar(&keystorePath, "keystore", defaultKeystoreFile, "path for the new keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if _, err := os.Stat(keystorePath); err == nil {
		fmt.Fprintf(stderr, "Error: keystore %s already exists. move it aside before generating a new key\n", keystorePath)
		return 1
	} else if !os.IsNotExist(err) {
		fmt.Fprintf(stderr, "Error: stat %s: %v\n", keystorePath, err)
		return 1
	}
	pass, err := keystorePassphrase()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error generating key: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
		fmt.Fprintf(stderr, "Error saving keystore: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Generated new key in %s\n", keystorePath)
	fmt.Fprintf(stdout, "Address: %s\n", key.PubKey().Address().String())
	fmt.Fprintln(stdout, "Store the keystore file and passphrase securely. Signing commands need both.")
	return 0
}

// runImportKeyCommand encrypts an existing hex-encoded private key into a v3
// keystore, for wallets exported from other tooling.
func runImportKeyCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("import-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var keystorePath string
	fs.StringVar(&keystorePath, "keystore", defaultKeystoreFile, "path for the imported keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: expected exactly one argument: a file holding the hex-encoded private key")
		return 1
	}
	if _, err := os.Stat(keystorePath); err == nil {
		fmt.Fprintf(stderr, "Error: keystore %s already exists. move it aside before importing a key\n", keystorePath)
		return 1
	} else if !os.IsNotExist(err) {
		fmt.Fprintf(stderr, "Error: stat %s: %v\n", keystorePath, err)
		return 1
	}
	keyFile := fs.Arg(0)
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: read key file %s: %v\n", keyFile, err)
		return 1
	}
	encoded := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
	keyBytes, err := hex.DecodeString(encoded)
	if err != nil {
		fmt.Fprintf(stderr, "Error: key file %s is not valid hex: %v\n", keyFile, err)
		return 1
	}
	key, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid private key: %v\n", err)
		return 1
	}
	pass, err := keystorePassphrase()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
		fmt.Fprintf(stderr, "Error saving keystore: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Imported key into %s\n", keystorePath)
	fmt.Fprintf(stdout, "Address: %s\n", key.PubKey().Address().String())
	fmt.Fprintln(stdout, "Delete the plaintext key file once you have verified the keystore unlocks.")
	return 0
}

func runAddressCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var keystorePath string
	fs.StringVar(&keystorePath, "keystore", defaultKeystoreFile, "keystore file to inspect")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	key, err := loadKeystoreKey(keystorePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func loadKeystoreKey(path string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("keystore path required")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("keystore %s not found. run ./optionvault-cli generate-key first", path)
		}
		return nil, fmt.Errorf("stat keystore %s: %w", path, err)
	}
	pass, err := keystorePassphrase()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock keystore %s: %w", path, err)
	}
	return key, nil
}
