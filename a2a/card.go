package a2a

import (
	"github.com/BaSui01/agentorch/registry"
)

// AgentCard describes a remote agent, served at /.well-known/agent.json.
type AgentCard struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	URL          string            `json:"url"`
	Version      string            `json:"version"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks the required fields.
func (c *AgentCard) Validate() error {
	switch {
	case c.Name == "":
		return ErrMissingName
	case c.URL == "":
		return ErrMissingURL
	case c.Version == "":
		return ErrMissingVersion
	}
	return nil
}

// Identity converts the card into a registry entry for agentID.
func (c *AgentCard) Identity(agentID string) *registry.AgentIdentity {
	meta := make(map[string]string, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	meta["version"] = c.Version
	return &registry.AgentIdentity{
		ID:           agentID,
		Name:         c.Name,
		Kind:         registry.KindRemote,
		Endpoint:     c.URL,
		Capabilities: append([]string(nil), c.Capabilities...),
		Status:       registry.StatusOnline,
		Metadata:     meta,
	}
}
