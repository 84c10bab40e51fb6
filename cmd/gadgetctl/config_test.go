package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/gadgetlink/internal/protocol"
)

func TestLoadAppConfigDefaultsAndOverrides(t *testing.T) {
	cfg, err := loadAppConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Link.Role != protocol.RolePeripheral {
		t.Fatalf("unexpected role: %s", cfg.Link.Role)
	}
	if cfg.Link.MTU != 64 || cfg.Link.MaxTransactionSize != 2048 {
		t.Fatalf("unexpected limits: mtu=%d max=%d", cfg.Link.MTU, cfg.Link.MaxTransactionSize)
	}
	if cfg.Link.MaxBufferedBytes != 0 {
		t.Fatalf("unexpected buffered budget: %d", cfg.Link.MaxBufferedBytes)
	}
	if cfg.Link.TransactionTimeout != 10*time.Second || cfg.Link.AckTimeout != 5*time.Second {
		t.Fatalf("unexpected timeouts: tx=%v ack=%v", cfg.Link.TransactionTimeout, cfg.Link.AckTimeout)
	}
	if cfg.AdminAddr != "127.0.0.1:9410" || cfg.BridgePath != "/gadget" {
		t.Fatalf("unexpected admin: addr=%q path=%q", cfg.AdminAddr, cfg.BridgePath)
	}
	if cfg.AdminToken != "secret-token" {
		t.Fatalf("unexpected admin token: %q", cfg.AdminToken)
	}
	if len(cfg.CorsOrigins) != 1 || cfg.CorsOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %+v", cfg.CorsOrigins)
	}
	if cfg.PeerURL != "ws://127.0.0.1:9410/gadget" {
		t.Fatalf("unexpected peer url: %q", cfg.PeerURL)
	}
	if cfg.Bridge.DialAttempts != 3 || cfg.Bridge.ReadTimeout != 45*time.Second || !cfg.Bridge.Coalesce {
		t.Fatalf("unexpected bridge config: %+v", cfg.Bridge)
	}
	if cfg.Bridge.WriteTimeout != 15*time.Second {
		t.Fatalf("write timeout should keep its default: %v", cfg.Bridge.WriteTimeout)
	}
}

func TestLoadAppConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := loadAppConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Link.MTU != 128 || cfg.Link.MaxTransactionSize != 5000 || cfg.AdminAddr != ":9400" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadAppConfigHostAlias(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("role = \"echo\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Link.Role != protocol.RoleHost {
		t.Fatalf("expected host role, got %s", cfg.Link.Role)
	}
}

func TestLoadAppConfigRejects(t *testing.T) {
	cases := map[string]string{
		"bad duration": "ack_timeout = \"soon\"\n",
		"bad role":     "role = \"tablet\"\n",
		"small mtu":    "mtu = 4\n",
		"bad path":     "bridge_path = \"link\"\n",
		"bad toml":     "mtu = \n",
	}
	for name, content := range cases {
		path := filepath.Join(t.TempDir(), "config.toml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := loadAppConfig(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
