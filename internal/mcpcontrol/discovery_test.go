package mcpcontrol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestDiscoverLocalFindsExecutableMcpPrefixedFiles(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bit semantics differ on windows")
	}
	dir := t.TempDir()
	binPath := filepath.Join(dir, "mcp-echo")
	if err := os.WriteFile(binPath, []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mcp-readme.txt"), []byte("not executable"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other-tool"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, _ := newTestManager(t)
	localExecutablePaths = []string{dir}
	t.Cleanup(func() {
		localExecutablePaths = []string{"~/.local/bin", "/usr/local/bin", "/opt/mcp-servers"}
	})

	found, err := m.DiscoverLocal(context.Background())
	if err != nil {
		t.Fatalf("DiscoverLocal: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("found %d servers, want 1: %+v", len(found), found)
	}
	if found[0].Name != "mcp-echo" {
		t.Errorf("Name = %q, want mcp-echo", found[0].Name)
	}
	if found[0].Transport != TransportStdio {
		t.Errorf("Transport = %q, want stdio", found[0].Transport)
	}
}

func TestDiscoverLocalCachesResultsWithinTTL(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "mcp-one"), []byte{}, 0o755)

	m, _ := newTestManager(t)
	m.discovery = newDiscoveryCache(time.Hour)
	localExecutablePaths = []string{dir}
	t.Cleanup(func() {
		localExecutablePaths = []string{"~/.local/bin", "/usr/local/bin", "/opt/mcp-servers"}
	})

	first, err := m.DiscoverLocal(context.Background())
	if err != nil {
		t.Fatalf("DiscoverLocal: %v", err)
	}

	os.WriteFile(filepath.Join(dir, "mcp-two"), []byte{}, 0o755)
	second, err := m.DiscoverLocal(context.Background())
	if err != nil {
		t.Fatalf("DiscoverLocal (cached): %v", err)
	}
	if len(second) != len(first) {
		t.Errorf("expected cached result, got %d servers vs original %d", len(second), len(first))
	}
}

func TestDiscoverManifestFetchesAndParsesJSON(t *testing.T) {
	manifest := []DiscoveredServer{
		{Name: "remote-one", Transport: TransportHTTP, Endpoint: "https://example.com/mcp"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(manifest)
	}))
	t.Cleanup(srv.Close)

	m, _ := newTestManager(t)
	found, err := m.DiscoverManifest(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("DiscoverManifest: %v", err)
	}
	if len(found) != 1 || found[0].Name != "remote-one" {
		t.Fatalf("found = %+v, want one remote-one entry", found)
	}
}

func TestDiscoverManifestFailsOnNon200Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	m, _ := newTestManager(t)
	if _, err := m.DiscoverManifest(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for non-200 manifest response")
	}
}

func TestDiscoverClaudeConfigParsesWellKnownFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mcp_servers.json")
	cfg := `{"mcpServers": {"filesystem": {"command": "mcp-fs", "args": ["--root", "/tmp"]}}}`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, _ := newTestManager(t)
	claudeConfigPaths = []string{cfgPath}
	t.Cleanup(func() {
		claudeConfigPaths = []string{"~/.config/claude/mcp_servers.json", "~/.claude/mcp_servers.json"}
	})

	found, err := m.DiscoverClaudeConfig(context.Background())
	if err != nil {
		t.Fatalf("DiscoverClaudeConfig: %v", err)
	}
	if len(found) != 1 || found[0].Name != "filesystem" {
		t.Fatalf("found = %+v, want one filesystem entry", found)
	}
	if found[0].Command != "mcp-fs" {
		t.Errorf("Command = %q, want mcp-fs", found[0].Command)
	}
}

func TestDiscoveryCacheExpiresAfterTTL(t *testing.T) {
	c := newDiscoveryCache(10 * time.Millisecond)
	c.put("src", []DiscoveredServer{{Name: "a"}})
	if _, ok := c.get("src"); !ok {
		t.Fatal("expected cache hit immediately after put")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get("src"); ok {
		t.Error("expected cache miss after TTL expiry")
	}
}
