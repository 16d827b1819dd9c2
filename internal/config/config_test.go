package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NetworkType != NetworkMainnet {
		t.Errorf("expected NetworkMainnet, got %s", cfg.NetworkType)
	}
	if cfg.Storage.XreqsDB != "xreqs.db" {
		t.Errorf("expected xreqs.db, got %s", cfg.Storage.XreqsDB)
	}
	if cfg.Pipeline.WorkersPerQueue != 4 {
		t.Errorf("expected 4 workers per queue, got %d", cfg.Pipeline.WorkersPerQueue)
	}
	if cfg.RPC.ListenAddr == "" {
		t.Error("expected a non-empty default RPC listen address")
	}
}

func TestConfigDHTPrefix(t *testing.T) {
	tests := []struct {
		networkType NetworkType
		expected    string
	}{
		{NetworkMainnet, MainnetDHTPrefix},
		{NetworkTestnet, TestnetDHTPrefix},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.NetworkType = tt.networkType
		if got := cfg.DHTPrefix(); got != tt.expected {
			t.Errorf("DHTPrefix() for %s = %s, want %s", tt.networkType, got, tt.expected)
		}
	}
}

func TestLoadConfigCreatesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	cfg, err := LoadConfig(dataDir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Storage.DataDir != dataDir {
		t.Errorf("expected DataDir %s, got %s", dataDir, cfg.Storage.DataDir)
	}

	path := ConfigPath(dataDir)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file at %s: %v", path, err)
	}
}

func TestLoadConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.RPC.ListenAddr = "0.0.0.0:9999"
	if err := cfg.Save(ConfigPath(dir)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig (reload): %v", err)
	}
	if reloaded.RPC.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("expected reloaded RPC listen addr 0.0.0.0:9999, got %s", reloaded.RPC.ListenAddr)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := ExpandPath("~/ccnode")
	want := filepath.Join(home, "ccnode")
	if got != want {
		t.Errorf("ExpandPath(~/ccnode) = %s, want %s", got, want)
	}
}
