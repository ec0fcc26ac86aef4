package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAgentNotFound is returned by Lookup for unknown agents.
	ErrAgentNotFound = errors.New("registry: agent not found")
	// ErrAgentExists is returned when registering a duplicate id.
	ErrAgentExists = errors.New("registry: agent already registered")
	// ErrInvalidAgent is returned for identities that fail validation.
	ErrInvalidAgent = errors.New("registry: invalid agent identity")
)

// Kind tells how an agent is reached.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Status is the availability of an agent.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
)

// AgentIdentity describes one agent known to the platform.
type AgentIdentity struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Kind         Kind              `json:"kind"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// Available reports whether the agent can take work.
func (a *AgentIdentity) Available() bool {
	return a.Status != StatusOffline
}

// HasCapability reports whether the agent declares name.
func (a *AgentIdentity) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

func (a *AgentIdentity) clone() *AgentIdentity {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Validate checks the identity.
func (a *AgentIdentity) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidAgent)
	}
	switch a.Kind {
	case KindLocal, "":
	case KindRemote:
		if a.Endpoint == "" {
			return fmt.Errorf("%w: remote agent %s has no endpoint", ErrInvalidAgent, a.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAgent, a.Kind)
	}
	return nil
}

// AgentRegistry resolves agent ids. Implementations must be safe for concurrent use.
type AgentRegistry interface {
	Lookup(ctx context.Context, id string) (*AgentIdentity, error)
}

// MemoryRegistry is an in-memory AgentRegistry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*AgentIdentity
	logger *zap.Logger
}

var _ AgentRegistry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(logger *zap.Logger) *MemoryRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryRegistry{
		agents: make(map[string]*AgentIdentity),
		logger: logger.With(zap.String("component", "agent_registry")),
	}
}

// Register adds an agent.
func (r *MemoryRegistry) Register(ctx context.Context, a *AgentIdentity) error {
	if a == nil {
		return fmt.Errorf("%w: nil identity", ErrInvalidAgent)
	}
	if err := a.Validate(); err != nil {
		return err
	}
	c := a.clone()
	if c.Kind == "" {
		c.Kind = KindLocal
	}
	if c.Status == "" {
		c.Status = StatusOnline
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	c.RegisteredAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, c.ID)
	}
	r.agents[c.ID] = c
	r.logger.Info("agent registered",
		zap.String("agent_id", c.ID),
		zap.String("kind", string(c.Kind)))
	return nil
}

// RegisterRemote registers remote agents from a map of id to endpoint.
func (r *MemoryRegistry) RegisterRemote(ctx context.Context, endpoints map[string]string) error {
	ids := make([]string, 0, len(endpoints))
	for id := range endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		if err := r.Register(ctx, &AgentIdentity{ID: id, Kind: KindRemote, Endpoint: endpoints[id]}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unregister removes an agent.
func (r *MemoryRegistry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	delete(r.agents, id)
	return nil
}

func (r *MemoryRegistry) Lookup(ctx context.Context, id string) (*AgentIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a.clone(), nil
}

// SetStatus updates the availability of an agent.
func (r *MemoryRegistry) SetStatus(ctx context.Context, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.Status = status
	return nil
}

// List returns all agents sorted by id.
func (r *MemoryRegistry) List(ctx context.Context) []*AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentIdentity, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByCapability returns available agents declaring capability, sorted by id.
func (r *MemoryRegistry) FindByCapability(ctx context.Context, capability string) []*AgentIdentity {
	var out []*AgentIdentity
	for _, a := range r.List(ctx) {
		if a.Available() && a.HasCapability(capability) {
			out = append(out, a)
		}
	}
	return out
}
