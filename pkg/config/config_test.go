package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
chain:
  rpc_url: "http://localhost:8545"
  pair_address: "0x0d4a11d5EEaaC28EC3F61d100daF4d40471f1852"
  priced_token: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
oracle:
  variant: rangebound
  min_twap_interval: 600
  max_ceiling_bps: 20000
  min_ceiling_bps: 5000
  max_floor_bps: 5000
  min_floor_bps: 1000
  governance: "0x00000000000000000000000000000000000000a1"
  guardian: "0x00000000000000000000000000000000000000b2"
reference:
  url: "http://localhost:9000/price"
keeper:
  poll_interval: 15
  deviation_threshold: "1000000000000000"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeTemp(t, sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Oracle.Variant != "rangebound" {
		t.Fatalf("variant got=%s", cfg.Oracle.Variant)
	}
	if cfg.Oracle.MinTwapInterval != 600 {
		t.Fatalf("min_twap_interval got=%d", cfg.Oracle.MinTwapInterval)
	}
	if cfg.Keeper.PollInterval != 15 {
		t.Fatalf("poll_interval got=%d", cfg.Keeper.PollInterval)
	}
	// defaults
	if cfg.Server.Listen != ":8080" {
		t.Fatalf("server.listen default got=%s", cfg.Server.Listen)
	}
	if cfg.AuditDB != "data/audit.db" {
		t.Fatalf("audit_db default got=%s", cfg.AuditDB)
	}
}

func TestValidateRejectsInvertedBps(t *testing.T) {
	bad := sampleYAML + "\n"
	cfg, err := LoadFromFile(writeTemp(t, bad))
	if err != nil {
		t.Fatalf("baseline should load: %v", err)
	}
	cfg.Oracle.MaxCeilingBps = 100
	cfg.Oracle.MinCeilingBps = 200
	if err := cfg.Validate(); err == nil {
		t.Fatalf("inverted ceiling bps must fail validation")
	}
}

func TestRangeBoundRequiresReferenceURL(t *testing.T) {
	cfg, err := LoadFromFile(writeTemp(t, sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	cfg.Reference.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("rangebound without reference.url must fail")
	}
}
