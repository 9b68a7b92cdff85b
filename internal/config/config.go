package config

import (
	"path/filepath"

	"grimm.is/leakshield/internal/brand"
)

// CurrentSchemaVersion is the schema version written by GenerateHCL.
const CurrentSchemaVersion = "1.0"

// Config is the top-level policy file.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty" yaml:"schema_version,omitempty"`

	// Table is the name of the owned nftables table.
	Table string `hcl:"table,optional" json:"table,omitempty" yaml:"table,omitempty"`

	// LockFile serializes concurrent invocations across processes.
	LockFile string `hcl:"lock_file,optional" json:"lock_file,omitempty" yaml:"lock_file,omitempty"`

	// StateDB is the SQLite journal of applied operations.
	StateDB string `hcl:"state_db,optional" json:"state_db,omitempty" yaml:"state_db,omitempty"`

	// MetricsFile receives Prometheus text exposition after each run.
	MetricsFile string `hcl:"metrics_file,optional" json:"metrics_file,omitempty" yaml:"metrics_file,omitempty"`

	Log     *LogConfig     `hcl:"log,block" json:"log,omitempty" yaml:"log,omitempty"`
	Context *ContextConfig `hcl:"context,block" json:"context,omitempty" yaml:"context,omitempty"`
	Rules   []RuleConfig   `hcl:"rule,block" json:"rules,omitempty" yaml:"rules,omitempty"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty" yaml:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty" yaml:"json,omitempty"`
	File  string `hcl:"file,optional" json:"file,omitempty" yaml:"file,omitempty"`
}

// ContextConfig is the environment rules are emitted against.
type ContextConfig struct {
	DNSServers  []string `hcl:"dns_servers,optional" json:"dns_servers,omitempty" yaml:"dns_servers,omitempty"`
	LANNetworks []string `hcl:"lan_networks,optional" json:"lan_networks,omitempty" yaml:"lan_networks,omitempty"`

	// DetectLAN adds the networks of local interfaces to LANNetworks.
	DetectLAN bool `hcl:"detect_lan,optional" json:"detect_lan,omitempty" yaml:"detect_lan,omitempty"`
	// DetectDNS adds the nameservers of the system resolv.conf to DNSServers.
	DetectDNS bool `hcl:"detect_dns,optional" json:"detect_dns,omitempty" yaml:"detect_dns,omitempty"`

	Endpoints  []EndpointConfig `hcl:"endpoint,block" json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Identities []IdentityConfig `hcl:"identity,block" json:"identities,omitempty" yaml:"identities,omitempty"`
}

// EndpointConfig is a remote service kept reachable by permit_endpoint.
type EndpointConfig struct {
	Address  string `hcl:"address" json:"address" yaml:"address"`
	Port     int    `hcl:"port,optional" json:"port,omitempty" yaml:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty" yaml:"protocol,omitempty"` // tcp, udp or empty for any
}

// IdentityConfig pins the identity of the filter a rule emits at a layer.
type IdentityConfig struct {
	Rule      string `hcl:"rule,label" json:"rule" yaml:"rule"`
	Layer     string `hcl:"layer" json:"layer" yaml:"layer"`
	Qualifier string `hcl:"qualifier,optional" json:"qualifier,omitempty" yaml:"qualifier,omitempty"`
	ID        string `hcl:"id" json:"id" yaml:"id"`
}

// RuleConfig selects a rule by kind.
type RuleConfig struct {
	Kind string `hcl:"kind,label" json:"kind" yaml:"kind"`
}

// Kinds returns the configured rule kinds in order.
func (c *Config) Kinds() []string {
	kinds := make([]string, len(c.Rules))
	for i, r := range c.Rules {
		kinds[i] = r.Kind
	}
	return kinds
}

// ApplyDefaults fills unset fields. Paths derive from the brand directories
// so LEAKSHIELD_PREFIX relocates everything at once.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Table == "" {
		c.Table = brand.LowerName
	}
	if c.LockFile == "" {
		c.LockFile = filepath.Join(brand.GetRunDir(), brand.LowerName+".lock")
	}
	if c.StateDB == "" {
		c.StateDB = DefaultStateDB()
	}
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Context == nil {
		c.Context = &ContextConfig{}
	}
}

// DefaultStateDB is the journal location used when state_db is not set.
func DefaultStateDB() string {
	return filepath.Join(brand.GetStateDir(), "journal.db")
}

// DefaultConfigPath is the policy file read when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(brand.GetConfigDir(), brand.ConfigFileName)
}
