package blueprint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

const (
	agentDefinitionFile     = "agent.json"
	mcpServerDefinitionFile = "mcp-server.json"
)

// fileStore mirrors admin-created blueprints to
// <dataDir>/config/agents/<name>/agent.json so they can be inspected and
// edited by hand, and re-imported at startup. MCP server definitions are
// operator-managed files under <dataDir>/config/mcp-servers/<id>/ read the
// same way.
type fileStore struct {
	root    string // empty disables mirroring
	mcpRoot string
}

func newFileStore(dataDir string) *fileStore {
	if dataDir == "" {
		return &fileStore{}
	}
	return &fileStore{
		root:    filepath.Join(dataDir, "config", "agents"),
		mcpRoot: filepath.Join(dataDir, "config", "mcp-servers"),
	}
}

func (f *fileStore) agentPath(name string) string {
	return filepath.Join(f.root, name, agentDefinitionFile)
}

func (f *fileStore) write(agent *v1.Agent) error {
	if f.root == "" {
		return nil
	}
	dir := filepath.Dir(f.agentPath(agent.Name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create agent directory: %w", err)
	}
	data, err := json.MarshalIndent(agent, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.agentPath(agent.Name), append(data, '\n'), 0o644)
}

func (f *fileStore) remove(name string) error {
	if f.root == "" {
		return nil
	}
	err := os.RemoveAll(filepath.Join(f.root, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// loadAll reads every materialised definition. Runner-declared agents are
// never mirrored, so everything found here is file-backed.
func (f *fileStore) loadAll() ([]*v1.Agent, error) {
	if f.root == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(f.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var agents []*v1.Agent
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(f.agentPath(entry.Name()))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		agent := &v1.Agent{}
		if err := json.Unmarshal(data, agent); err != nil {
			return nil, fmt.Errorf("agent definition %s is invalid: %w", entry.Name(), err)
		}
		if agent.Name == "" {
			agent.Name = entry.Name()
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// loadMCPServers reads every materialised MCP server definition, keyed by the
// directory name the agents reference. The contents stay opaque to the
// coordinator; only well-formedness is checked.
func (f *fileStore) loadMCPServers() (map[string]json.RawMessage, error) {
	if f.mcpRoot == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(f.mcpRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	servers := make(map[string]json.RawMessage)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.mcpRoot, entry.Name(), mcpServerDefinitionFile))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("mcp server definition %s is not valid JSON", entry.Name())
		}
		servers[entry.Name()] = json.RawMessage(data)
	}
	return servers, nil
}

// writeMCPServer materialises an MCP server definition so restarts and
// operators see it alongside the agent files.
func (f *fileStore) writeMCPServer(id string, config json.RawMessage) error {
	if f.mcpRoot == "" {
		return nil
	}
	dir := filepath.Join(f.mcpRoot, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mcp server directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, mcpServerDefinitionFile), append(config, '\n'), 0o644)
}
