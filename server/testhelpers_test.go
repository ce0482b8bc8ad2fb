package server

import (
	"context"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/config"
	"github.com/GoCodeAlone/sortie/fleet"
	"github.com/GoCodeAlone/sortie/server/api"
	"github.com/GoCodeAlone/sortie/server/ws"
)

const testSecret = "test-secret-key-1234567890"

// noopFleet satisfies api.Fleet for tests.
type noopFleet struct{}

func (noopFleet) Hire(_ context.Context, orgID string, in fleet.HireInput) (*agent.Agent, error) {
	return &agent.Agent{ID: "a1", OrgID: orgID, Name: in.Name}, nil
}
func (noopFleet) Fire(context.Context, string, string) error { return nil }
func (noopFleet) Get(_ context.Context, orgID, id string) (*agent.Agent, error) {
	return &agent.Agent{ID: id, OrgID: orgID}, nil
}
func (noopFleet) List(_ context.Context, orgID string) ([]*agent.Agent, error) {
	return []*agent.Agent{{ID: "a1", OrgID: orgID, Name: "Scout"}}, nil
}
func (noopFleet) SetSoul(context.Context, string, string, string) error { return nil }

func newTestServer(t *testing.T) (*Server, *ws.Hub) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	cfg := config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Auth: config.AuthConfig{
			AdminUser: "admin",
			AdminPass: string(hash),
			JWTSecret: testSecret,
			OrgID:     "org-1",
		},
	}
	hub := ws.NewHub(nil)
	return New(cfg, &api.Handlers{Fleet: noopFleet{}, Version: "test"}, hub, nil), hub
}
