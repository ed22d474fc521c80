package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// clientConfigPaths maps a supported client name to where its MCP
// server registry lives, relative to the user's home directory.
var clientConfigPaths = map[string]string{
	"claude":  ".config/Claude/claude_desktop_config.json",
	"cursor":  ".cursor/mcp.json",
	"windsurf": ".codeium/windsurf/mcp_config.json",
}

type mcpServerEntry struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Install registers uniprof's MCP server in client's config file,
// merging into any servers already registered there rather than
// overwriting the file.
func Install(ctx context.Context, client string) error {
	relPath, ok := clientConfigPaths[client]
	if !ok {
		return fmt.Errorf("unsupported MCP client %q (supported: claude, cursor, windsurf)", client)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	configPath := filepath.Join(home, relPath)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving uniprof's own executable path: %w", err)
	}

	config := map[string]json.RawMessage{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("parsing existing %s: %w", configPath, err)
		}
	}

	servers := map[string]mcpServerEntry{}
	if raw, ok := config["mcpServers"]; ok {
		if err := json.Unmarshal(raw, &servers); err != nil {
			return fmt.Errorf("parsing mcpServers in %s: %w", configPath, err)
		}
	}
	servers["uniprof"] = mcpServerEntry{Command: exe, Args: []string{"mcp", "run"}}

	encodedServers, err := json.Marshal(servers)
	if err != nil {
		return err
	}
	config["mcpServers"] = encodedServers

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(configPath), err)
	}
	out, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, out, 0o644)
}
