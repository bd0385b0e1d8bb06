package main

import (
	"os"
	"path/filepath"
	"testing"

	"pagepilot-mcp-server/internal/config"
)

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := []byte("mcp:\n  http_port: 4444\n  enable_multi_page: true\nassets:\n  port: 5000\n")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	env := map[string]string{
		"STAGEHAND_CONFIGFILE":            path,
		"ASSET_PORT":                      "5001",
		"STAGEHAND_ENABLE_MODEL_OVERRIDE": "1",
	}
	cfg, _, err := loadConfig("", config.WorkspaceOptions{Disable: true}, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.MCP.HTTPPort != 4444 || !cfg.MCP.EnableMultiPage {
		t.Errorf("file layer not applied: %+v", cfg.MCP)
	}
	if cfg.Assets.Port != 5001 || !cfg.MCP.EnableModelOverride {
		t.Errorf("env layer not applied: assets=%d override=%v", cfg.Assets.Port, cfg.MCP.EnableModelOverride)
	}
	if stdioMode(cfg) {
		t.Error("expected HTTP transport")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	getenv := func(k string) string {
		if k == "MCP_PORT" {
			return "not-a-port"
		}
		return ""
	}
	if _, _, err := loadConfig("", config.WorkspaceOptions{Disable: true}, getenv); err == nil {
		t.Error("expected invalid MCP_PORT to fail")
	}

	missing := filepath.Join(t.TempDir(), "missing.yaml")
	if _, _, err := loadConfig(missing, config.WorkspaceOptions{Disable: true}, func(string) string { return "" }); err == nil {
		t.Error("expected missing config file to fail")
	}
}

func TestStdioMode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MCP.HTTPPort = 0
	if !stdioMode(cfg) {
		t.Error("expected stdio when no ports are set")
	}
	cfg.MCP.SSEPort = 8080
	if stdioMode(cfg) {
		t.Error("SSE port should disable stdio")
	}
}
