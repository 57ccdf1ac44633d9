package config

import (
	"os"
	"path/filepath"
	"strings"

	"optionvault/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress    string `toml:"ListenAddress"`
	RPCAddress       string `toml:"RPCAddress"`
	DataDir          string `toml:"DataDir"`
	GenesisFile      string `toml:"GenesisFile"`
	NodeKeystorePath string `toml:"NodeKeystorePath"`
	NetworkName      string `toml:"NetworkName"`
	// RPCTrustProxyHeaders honors X-Forwarded-For on the RPC listener. Enable
	// only when the node sits behind a trusted reverse proxy.
	RPCTrustProxyHeaders bool `toml:"RPCTrustProxyHeaders"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "optionvault-local"
	}

	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.NodeKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, _, err := crypto.EnsureKeystore(keystorePath, ""); err != nil {
		return err
	}

	if cfg.NodeKeystorePath != keystorePath {
		cfg.NodeKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	if _, _, err := crypto.EnsureKeystore(keystorePath, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:    ":7071",
		RPCAddress:       ":8080",
		DataDir:          "./optionvault-data",
		GenesisFile:      "",
		NodeKeystorePath: keystorePath,
		NetworkName:      "optionvault-local",
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.keystore")
}
