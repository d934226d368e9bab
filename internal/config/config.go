// Package config loads and validates the node configuration.
//
// Files ending in .yaml or .yml are read and written as YAML, everything else as JSON.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"capeledger/internal/cape"
	"capeledger/internal/transactions"
	"capeledger/internal/transactions/transfer"
)

const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// Config represents the node configuration
type Config struct {
	// Ledger
	DataDir        string           `json:"data_dir" yaml:"data_dir"`
	TreeDepth      int              `json:"tree_depth" yaml:"tree_depth"`
	VaultAddress   string           `json:"vault_address" yaml:"vault_address"`
	KeyDir         string           `json:"key_dir" yaml:"key_dir"`
	TransferShapes []transfer.Shape `json:"transfer_shapes" yaml:"transfer_shapes"`

	// API
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`

	// Logging
	LogLevel string `json:"log_level" yaml:"log_level"`
	LogFile  string `json:"log_file" yaml:"log_file"`

	// Performance
	MaxConcurrency  int  `json:"max_concurrency" yaml:"max_concurrency"`
	ExclusiveSubmit bool `json:"exclusive_submit" yaml:"exclusive_submit"`

	// Rate limiting for block relayers
	RateLimitTokens   int `json:"rate_limit_tokens" yaml:"rate_limit_tokens"`
	RateLimitRefill   int `json:"rate_limit_refill" yaml:"rate_limit_refill"`
	RateLimitPeriodMs int `json:"rate_limit_period_ms" yaml:"rate_limit_period_ms"`

	// Security
	EnableAudit  bool   `json:"enable_audit" yaml:"enable_audit"`
	AuditLogPath string `json:"audit_log_path" yaml:"audit_log_path"`

	// Replication
	NodeID  string            `json:"node_id" yaml:"node_id"`
	Role    string            `json:"role" yaml:"role"`
	P2PAddr string            `json:"p2p_addr" yaml:"p2p_addr"`
	Peers   map[string]string `json:"peers" yaml:"peers"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:           "data",
		TreeDepth:         cape.DefaultTreeDepth,
		VaultAddress:      "0x000000000000000000000000000000000000CAFE",
		KeyDir:            "keys",
		TransferShapes:    append([]transfer.Shape(nil), transactions.DefaultShapes...),
		ListenAddr:        ":8545",
		LogLevel:          "info",
		LogFile:           "caped.log",
		MaxConcurrency:    4,
		ExclusiveSubmit:   false,
		RateLimitTokens:   20,
		RateLimitRefill:   5,
		RateLimitPeriodMs: 1000,
		EnableAudit:       true,
		AuditLogPath:      "audit.log",
		NodeID:            "node-1",
		Role:              RoleLeader,
		P2PAddr:           ":9545",
		Peers:             map[string]string{},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		config, err := Decode(file, isYAML(configPath))
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return config, nil
	}

	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// Decode reads a configuration on top of the defaults, so omitted fields keep their
// default values.
func Decode(r io.Reader, asYAML bool) (*Config, error) {
	config := DefaultConfig()
	if asYAML {
		if err := yaml.NewDecoder(r).Decode(config); err != nil && err != io.EOF {
			return nil, err
		}
		return config, nil
	}
	if err := json.NewDecoder(r).Decode(config); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if isYAML(configPath) {
		enc := yaml.NewEncoder(file)
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return enc.Close()
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.TreeDepth <= 0 || c.TreeDepth > cape.MaxTreeDepth {
		return fmt.Errorf("tree_depth must be in [1,%d]", cape.MaxTreeDepth)
	}
	if !common.IsHexAddress(c.VaultAddress) {
		return fmt.Errorf("vault_address %q is not a hex address", c.VaultAddress)
	}
	if common.HexToAddress(c.VaultAddress) == (common.Address{}) {
		return fmt.Errorf("vault_address must not be the zero address")
	}
	for _, s := range c.TransferShapes {
		if s.Inputs <= 0 || s.Outputs <= 0 {
			return fmt.Errorf("transfer shape %s must have inputs and outputs", s)
		}
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if c.RateLimitTokens <= 0 || c.RateLimitRefill <= 0 || c.RateLimitPeriodMs <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	switch c.Role {
	case RoleLeader, RoleFollower:
	default:
		return fmt.Errorf("role must be %q or %q", RoleLeader, RoleFollower)
	}
	if c.NodeID == "" {
		return fmt.Errorf("node_id must be set")
	}
	return nil
}

// Vault returns the escrow account address.
func (c *Config) Vault() common.Address {
	return common.HexToAddress(c.VaultAddress)
}
