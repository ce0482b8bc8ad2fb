package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/GoCodeAlone/sortie/provider"
)

func TestMockProvider_Name(t *testing.T) {
	m := New()
	if got := m.Name(); got != "mock" {
		t.Errorf("Name() = %q, want %q", got, "mock")
	}
}

func TestMockProvider_Chat_DefaultResponse(t *testing.T) {
	m := New()
	resp, err := m.Chat(context.Background(), nil)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != defaultResponse {
		t.Errorf("Chat() content = %q, want %q", resp.Content, defaultResponse)
	}
}

func TestMockProvider_Chat_CyclesResponses(t *testing.T) {
	m := New("first", "second", "third")

	want := []string{"first", "second", "third", "first"}
	for i, w := range want {
		resp, err := m.Chat(context.Background(), nil)
		if err != nil {
			t.Fatalf("Chat() call %d error = %v", i, err)
		}
		if resp.Content != w {
			t.Errorf("Chat() call %d = %q, want %q", i, resp.Content, w)
		}
	}
}

func TestMockProvider_RecordsCalls(t *testing.T) {
	m := New("hello")
	msgs := []provider.Message{
		{Role: provider.RoleSystem, Content: "be terse"},
		{Role: provider.RoleUser, Content: "hi"},
	}
	if _, err := m.Chat(context.Background(), msgs); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := len(m.Calls()); got != 1 {
		t.Fatalf("Calls() = %d, want 1", got)
	}
	if got := m.LastSystem(); got != "be terse" {
		t.Errorf("LastSystem() = %q, want %q", got, "be terse")
	}
}

func TestMockProvider_Failing(t *testing.T) {
	want := errors.New("upstream down")
	m := Failing(want)
	if _, err := m.Chat(context.Background(), nil); !errors.Is(err, want) {
		t.Errorf("Chat() error = %v, want %v", err, want)
	}
}
