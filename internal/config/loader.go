package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v2"
)

// LoadOptions controls how configs are loaded
type LoadOptions struct {
	// StrictVersion fails on files without schema_version instead of
	// assuming the current one.
	StrictVersion bool
}

// DefaultLoadOptions returns sensible defaults for loading configs
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{}
}

// LoadResult contains the loaded config and metadata about the load
type LoadResult struct {
	Config   *Config
	Version  SchemaVersion
	Warnings []string
}

// LoadFile loads a config file (HCL, JSON or YAML) and applies defaults.
func LoadFile(path string) (*Config, error) {
	result, err := LoadFileWithOptions(path, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadFileWithOptions loads a config file with explicit options
func LoadFileWithOptions(path string, opts LoadOptions) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSONWithOptions(data, opts)
	case ".yaml", ".yml":
		return LoadYAMLWithOptions(data, opts)
	default:
		return LoadHCLWithOptions(data, path, opts)
	}
}

// LoadHCL loads config from HCL bytes
func LoadHCL(data []byte, filename string) (*Config, error) {
	result, err := LoadHCLWithOptions(data, filename, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadHCLWithOptions loads HCL config with explicit options
func LoadHCLWithOptions(data []byte, filename string, opts LoadOptions) (*LoadResult, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return finish(&cfg, opts)
}

// LoadJSON loads config from JSON bytes
func LoadJSON(data []byte) (*Config, error) {
	result, err := LoadJSONWithOptions(data, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadJSONWithOptions loads JSON config with explicit options
func LoadJSONWithOptions(data []byte, opts LoadOptions) (*LoadResult, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	return finish(&cfg, opts)
}

// LoadYAML loads config from YAML bytes
func LoadYAML(data []byte) (*Config, error) {
	result, err := LoadYAMLWithOptions(data, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadYAMLWithOptions loads YAML config with explicit options
func LoadYAMLWithOptions(data []byte, opts LoadOptions) (*LoadResult, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	return finish(&cfg, opts)
}

func finish(cfg *Config, opts LoadOptions) (*LoadResult, error) {
	result := &LoadResult{Config: cfg}

	if cfg.SchemaVersion == "" {
		if opts.StrictVersion {
			return nil, fmt.Errorf("schema_version is required")
		}
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("schema_version not set, assuming %s", CurrentSchemaVersion))
	}

	v, err := ParseVersion(cfg.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if !IsSupportedVersion(v) {
		return nil, fmt.Errorf("unsupported schema version %s", v)
	}
	result.Version = v

	cfg.ApplyDefaults()
	return result, nil
}

// GenerateHCL renders cfg as an HCL policy file.
func GenerateHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	version := cfg.SchemaVersion
	if version == "" {
		version = CurrentSchemaVersion
	}
	body.SetAttributeValue("schema_version", cty.StringVal(version))
	setString(body, "table", cfg.Table)
	setString(body, "lock_file", cfg.LockFile)
	setString(body, "state_db", cfg.StateDB)
	setString(body, "metrics_file", cfg.MetricsFile)

	if l := cfg.Log; l != nil {
		body.AppendNewline()
		lb := body.AppendNewBlock("log", nil).Body()
		setString(lb, "level", l.Level)
		if l.JSON {
			lb.SetAttributeValue("json", cty.True)
		}
		setString(lb, "file", l.File)
	}

	if c := cfg.Context; c != nil {
		body.AppendNewline()
		cb := body.AppendNewBlock("context", nil).Body()
		setStrings(cb, "dns_servers", c.DNSServers)
		setStrings(cb, "lan_networks", c.LANNetworks)
		if c.DetectLAN {
			cb.SetAttributeValue("detect_lan", cty.True)
		}
		if c.DetectDNS {
			cb.SetAttributeValue("detect_dns", cty.True)
		}
		for _, ep := range c.Endpoints {
			eb := cb.AppendNewBlock("endpoint", nil).Body()
			eb.SetAttributeValue("address", cty.StringVal(ep.Address))
			if ep.Port != 0 {
				eb.SetAttributeValue("port", cty.NumberIntVal(int64(ep.Port)))
			}
			setString(eb, "protocol", ep.Protocol)
		}
		for _, pin := range c.Identities {
			ib := cb.AppendNewBlock("identity", []string{pin.Rule}).Body()
			ib.SetAttributeValue("layer", cty.StringVal(pin.Layer))
			setString(ib, "qualifier", pin.Qualifier)
			ib.SetAttributeValue("id", cty.StringVal(pin.ID))
		}
	}

	if len(cfg.Rules) > 0 {
		body.AppendNewline()
	}
	for _, r := range cfg.Rules {
		body.AppendNewBlock("rule", []string{r.Kind})
	}
	return hclwrite.Format(f.Bytes())
}

func setString(body *hclwrite.Body, name, value string) {
	if value != "" {
		body.SetAttributeValue(name, cty.StringVal(value))
	}
}

func setStrings(body *hclwrite.Body, name string, values []string) {
	if len(values) == 0 {
		return
	}
	vals := make([]cty.Value, len(values))
	for i, v := range values {
		vals[i] = cty.StringVal(v)
	}
	body.SetAttributeValue(name, cty.ListVal(vals))
}
