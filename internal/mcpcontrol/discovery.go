package mcpcontrol

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bc-dunia/shannon-mcp/internal/errs"
)

// DiscoveredServer is a candidate server found by a discovery source, not
// yet added to the catalog. Callers decide whether to AddServer it.
type DiscoveredServer struct {
	Name      string         `json:"name"`
	Transport TransportType  `json:"transport"`
	Command   string         `json:"command,omitempty"`
	Args      []string       `json:"args,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// discoveryCache TTL-caches each discovery source's result, mirroring
// original_source's discover_servers: "return cached if source in
// self._discovery_cache and not expired". The Python version keys its
// cache by an arbitrary source string; this keeps the same shape.
type discoveryCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	servers   []DiscoveredServer
	expiresAt time.Time
}

func newDiscoveryCache(ttl time.Duration) *discoveryCache {
	return &discoveryCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *discoveryCache) get(source string) ([]DiscoveredServer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[source]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.servers, true
}

func (c *discoveryCache) put(source string, servers []DiscoveredServer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[source] = cacheEntry{servers: servers, expiresAt: time.Now().Add(c.ttl)}
}

// localExecutablePaths are the directories original_source's
// _discover_local_servers scans for mcp-* executables.
var localExecutablePaths = []string{
	"~/.local/bin",
	"/usr/local/bin",
	"/opt/mcp-servers",
}

// claudeConfigPaths are the well-known JSON config locations
// _discover_claude_config_servers reads.
var claudeConfigPaths = []string{
	"~/.config/claude/mcp_servers.json",
	"~/.claude/mcp_servers.json",
}

// DiscoverLocal scans well-known executable directories for mcp-* binaries
// and returns them as STDIO server candidates.
func (m *Manager) DiscoverLocal(ctx context.Context) ([]DiscoveredServer, error) {
	const source = "local"
	if cached, ok := m.discovery.get(source); ok {
		return cached, nil
	}

	home, _ := os.UserHomeDir()
	var out []DiscoveredServer
	for _, dir := range localExecutablePaths {
		resolved := expandHome(dir, home)
		entries, err := os.ReadDir(resolved)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), "mcp-") {
				continue
			}
			info, err := e.Info()
			if err != nil || info.Mode()&0o111 == 0 {
				continue
			}
			out = append(out, DiscoveredServer{
				Name:      e.Name(),
				Transport: TransportStdio,
				Command:   filepath.Join(resolved, e.Name()),
			})
		}
	}

	m.discovery.put(source, out)
	return out, nil
}

// claudeConfigFile is the shape of mcp_servers.json: a map of server name to
// its stdio launch command, matching original_source's expected schema.
type claudeConfigFile struct {
	McpServers map[string]struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	} `json:"mcpServers"`
}

// DiscoverClaudeConfig reads the well-known ~/.config/claude/mcp_servers.json
// and ~/.claude/mcp_servers.json files, whichever exists first.
func (m *Manager) DiscoverClaudeConfig(ctx context.Context) ([]DiscoveredServer, error) {
	const source = "claude_config"
	if cached, ok := m.discovery.get(source); ok {
		return cached, nil
	}

	home, _ := os.UserHomeDir()
	var out []DiscoveredServer
	for _, p := range claudeConfigPaths {
		resolved := expandHome(p, home)
		data, err := os.ReadFile(resolved)
		if err != nil {
			continue
		}
		var cfg claudeConfigFile
		if err := json.Unmarshal(data, &cfg); err != nil {
			continue
		}
		for name, entry := range cfg.McpServers {
			out = append(out, DiscoveredServer{
				Name:      name,
				Transport: TransportStdio,
				Command:   entry.Command,
				Args:      entry.Args,
			})
		}
		break
	}

	m.discovery.put(source, out)
	return out, nil
}

// DiscoverManifest fetches a JSON array of server descriptors from an HTTP
// manifest URL, generalizing original_source's GitHub-repo-contents-specific
// _discover_github_servers into a plain manifest fetch, since no GitHub
// org/repo convention applies outside that original deployment.
func (m *Manager) DiscoverManifest(ctx context.Context, url string) ([]DiscoveredServer, error) {
	if cached, ok := m.discovery.get(url); ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "mcpcontrol.DiscoverManifest", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "mcpcontrol.DiscoverManifest", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindTransport, "mcpcontrol.DiscoverManifest", "manifest fetch failed: "+resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "mcpcontrol.DiscoverManifest", err)
	}

	var out []DiscoveredServer
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "mcpcontrol.DiscoverManifest", err)
	}

	m.discovery.put(url, out)
	return out, nil
}

func expandHome(path, home string) string {
	if home == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
