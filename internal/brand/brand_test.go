package brand

import (
	"path/filepath"
	"testing"
)

func TestGet(t *testing.T) {
	if Get().Name == "" || Name == "" {
		t.Error("Brand name should not be empty")
	}
	if IdentityTag == "" {
		t.Error("IdentityTag should be initialized from brand.json")
	}
	if Version == "" {
		t.Error("Global Version should be initialized (to dev default)")
	}
}

func TestGetDirectories(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "")
	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_RUN_DIR", "")

	if got := GetStateDir(); got != DefaultStateDir {
		t.Errorf("GetStateDir() = %q, want %q", got, DefaultStateDir)
	}

	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/opt/ls")
	if got := GetConfigDir(); got != filepath.Join("/opt/ls", "config") {
		t.Errorf("GetConfigDir() with prefix = %q", got)
	}

	t.Setenv(ConfigEnvPrefix+"_RUN_DIR", "/tmp/run")
	if got := GetRunDir(); got != "/tmp/run" {
		t.Errorf("GetRunDir() with override = %q", got)
	}
}
