// Package cloud manages the machines that host hired agents.
package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Machines spawns and stops the backing machine of an agent. It is called
// only around hire, fire and reaping, never from the agent loops.
type Machines interface {
	SpawnMachine(ctx context.Context, agentID, agentName string) (machineID string, err error)
	StopMachine(ctx context.Context, machineID string) error
}

// Noop records machines without provisioning anything. It serves
// deployments where agents run inside the daemon process.
type Noop struct {
	mu      sync.Mutex
	running map[string]string // machineID -> agentID
}

// NewNoop creates a Noop.
func NewNoop() *Noop {
	return &Noop{running: make(map[string]string)}
}

func (n *Noop) SpawnMachine(_ context.Context, agentID, _ string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := "local-" + uuid.New().String()[:8]
	n.running[id] = agentID
	return id, nil
}

func (n *Noop) StopMachine(_ context.Context, machineID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.running[machineID]; !ok {
		return fmt.Errorf("cloud: machine %q not running", machineID)
	}
	delete(n.running, machineID)
	return nil
}

// Running returns the number of live machines.
func (n *Noop) Running() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.running)
}
