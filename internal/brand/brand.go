// Package brand provides centralized naming constants. The identity is
// loaded from brand.json at compile time so that forks only edit one file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information.
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	ConfigFileName   string `json:"configFileName"`
	IdentityTag      string `json:"identityTag"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	DefaultRunDir = b.DefaultRunDir
	ConfigFileName = b.ConfigFileName
	IdentityTag = b.IdentityTag
}

var (
	Name             string
	LowerName        string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultRunDir    string
	ConfigFileName   string

	// IdentityTag prefixes the comment that marks kernel rules as ours.
	IdentityTag string

	// Version is set at build time via -ldflags
	Version   = "dev"
	GitCommit = "unknown"
)

// Get returns the full Brand struct.
func Get() Brand {
	return b
}

// GetStateDir returns the state directory.
// Priority: LEAKSHIELD_STATE_DIR > LEAKSHIELD_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	return dirFromEnv("_STATE_DIR", "state", DefaultStateDir)
}

// GetConfigDir returns the config directory.
// Priority: LEAKSHIELD_CONFIG_DIR > LEAKSHIELD_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	return dirFromEnv("_CONFIG_DIR", "config", DefaultConfigDir)
}

// GetRunDir returns the runtime directory for lock files.
// Priority: LEAKSHIELD_RUN_DIR > LEAKSHIELD_PREFIX/run > DefaultRunDir
func GetRunDir() string {
	return dirFromEnv("_RUN_DIR", "run", DefaultRunDir)
}

func dirFromEnv(suffix, sub, fallback string) string {
	if dir := os.Getenv(ConfigEnvPrefix + suffix); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return fallback
}
