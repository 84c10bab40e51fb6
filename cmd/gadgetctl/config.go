package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/gadgetlink/internal/link"
	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/transport/wsbridge"
)

type fileConfig struct {
	Role               string   `toml:"role"`
	MTU                int      `toml:"mtu"`
	MaxTransactionSize int      `toml:"max_transaction_size"`
	MaxBufferedBytes   int      `toml:"max_buffered_bytes"`
	TransactionTimeout string   `toml:"transaction_timeout"`
	AckTimeout         string   `toml:"ack_timeout"`
	AdminAddr          string   `toml:"admin_addr"`
	AdminToken         string   `toml:"admin_token"`
	BridgePath         string   `toml:"bridge_path"`
	CorsOrigins        []string `toml:"cors_origins"`
	PeerURL            string   `toml:"peer_url"`
	DialAttempts       int      `toml:"dial_attempts"`
	ReadTimeout        string   `toml:"read_timeout"`
	Coalesce           bool     `toml:"coalesce"`
}

type appConfig struct {
	Link        link.Config
	Bridge      wsbridge.Config
	AdminAddr   string
	AdminToken  string
	BridgePath  string
	CorsOrigins []string
	PeerURL     string
}

func defaultAppConfig() appConfig {
	return appConfig{
		Link:       link.DefaultConfig(),
		Bridge:     wsbridge.DefaultConfig(),
		AdminAddr:  ":9400",
		BridgePath: "/link",
		PeerURL:    "ws://127.0.0.1:9400/link",
	}
}

// loadAppConfig overlays the keys present in path onto the defaults. An
// empty path yields the defaults.
func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load gadgetctl config: %w", err)
	}

	if meta.IsDefined("role") {
		role, err := protocol.ParseRole(strings.TrimSpace(raw.Role))
		if err != nil {
			return appConfig{}, fmt.Errorf("parse role: %w", err)
		}
		cfg.Link.Role = role
	}
	if meta.IsDefined("mtu") {
		cfg.Link.MTU = raw.MTU
	}
	if meta.IsDefined("max_transaction_size") {
		cfg.Link.MaxTransactionSize = raw.MaxTransactionSize
	}
	if meta.IsDefined("max_buffered_bytes") {
		cfg.Link.MaxBufferedBytes = raw.MaxBufferedBytes
	}
	if meta.IsDefined("transaction_timeout") {
		if cfg.Link.TransactionTimeout, err = parseDuration("transaction_timeout", raw.TransactionTimeout); err != nil {
			return appConfig{}, err
		}
	}
	if meta.IsDefined("ack_timeout") {
		if cfg.Link.AckTimeout, err = parseDuration("ack_timeout", raw.AckTimeout); err != nil {
			return appConfig{}, err
		}
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("bridge_path") {
		cfg.BridgePath = strings.TrimSpace(raw.BridgePath)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("peer_url") {
		cfg.PeerURL = strings.TrimSpace(raw.PeerURL)
	}
	if meta.IsDefined("dial_attempts") {
		cfg.Bridge.DialAttempts = raw.DialAttempts
	}
	if meta.IsDefined("read_timeout") {
		if cfg.Bridge.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return appConfig{}, err
		}
	}
	if meta.IsDefined("coalesce") {
		cfg.Bridge.Coalesce = raw.Coalesce
	}

	if err := cfg.Link.Validate(); err != nil {
		return appConfig{}, fmt.Errorf("link config: %w", err)
	}
	if !strings.HasPrefix(cfg.BridgePath, "/") {
		return appConfig{}, fmt.Errorf("bridge_path must start with '/': %q", cfg.BridgePath)
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
