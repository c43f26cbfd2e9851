// Package connector defines the capability registry the leaf actors invoke.
// Connectors are opaque to the orchestration core; it only interprets their
// structured status.
package connector

import (
	"context"
	"fmt"
	"sync"

	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// Request carries one invocation to a connector.
type Request struct {
	TaskID        string
	TraceID       string
	RunningConfig map[string]interface{}
	Content       map[string]interface{}
	Params        map[string]interface{}
}

// Response is the connector's structured outcome.
type Response struct {
	Status          v1.ConnectorStatus
	Result          map[string]interface{}
	Error           string
	MissingParams   []string
	CompletedParams map[string]interface{}
}

// Connector executes one capability.
type Connector interface {
	// Name is the capability key this connector is registered under.
	Name() string
	// RequiredConfig lists running_config keys that must be present.
	RequiredConfig() []string
	// Execute performs the invocation. Transport failures are returned as an
	// error; domain failures ride in Response.Status.
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Registry maps capability names to connectors. Built once at startup, read
// concurrently afterwards.
type Registry struct {
	connectors map[string]Connector
	mu         sync.RWMutex
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector under its name, replacing any previous one.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

// Get returns the connector for a capability name.
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("Capability %s not supported", name)
	}
	return c, nil
}

// Names lists the registered capabilities.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	return out
}
