package engine

import (
	"context"
	"testing"
)

func stubFactory(id string) Factory {
	return func(ctx context.Context, cfg Config) (Engine, error) {
		return nil, nil
	}
}

func TestRegistryResolveExact(t *testing.T) {
	r := NewRegistry("external")
	r.Register("claude-sdk", Capabilities{ExecModel: "in-process"}, nil, stubFactory("claude-sdk"))
	r.Register("external", Capabilities{ExecModel: "child-process"}, nil, stubFactory("external"))

	id, factory, err := r.Resolve(context.Background(), "claude-sdk")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "claude-sdk" {
		t.Fatalf("resolved id = %q, want claude-sdk", id)
	}
	if factory == nil {
		t.Fatalf("factory is nil")
	}
}

func TestRegistryResolveFallsBackToDefault(t *testing.T) {
	r := NewRegistry("external")
	r.Register("external", Capabilities{}, nil, stubFactory("external"))

	id, _, err := r.Resolve(context.Background(), "nuum")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "external" {
		t.Fatalf("resolved id = %q, want fallback external", id)
	}
}

func TestRegistryResolveUnavailableFallsBack(t *testing.T) {
	r := NewRegistry("external")
	r.Register("claude-sdk", Capabilities{}, func(ctx context.Context) bool { return false }, stubFactory("claude-sdk"))
	r.Register("external", Capabilities{}, nil, stubFactory("external"))

	id, _, err := r.Resolve(context.Background(), "claude-sdk")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "external" {
		t.Fatalf("resolved id = %q, want fallback external when probe fails", id)
	}
}

func TestRegistryResolveNoneAvailable(t *testing.T) {
	r := NewRegistry("external")
	r.Register("external", Capabilities{}, func(ctx context.Context) bool { return false }, stubFactory("external"))

	if _, _, err := r.Resolve(context.Background(), "external"); err != ErrNoEngine {
		t.Fatalf("Resolve err = %v, want ErrNoEngine", err)
	}
}

func TestRegistryRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	r := NewRegistry("external")
	r.Register("external", Capabilities{}, nil, stubFactory("external"))
	r.Register("external", Capabilities{}, nil, stubFactory("external"))
}

func TestRegistryIDsAndCapabilities(t *testing.T) {
	r := NewRegistry("external")
	r.Register("claude-sdk", Capabilities{ExecModel: "in-process"}, nil, stubFactory("claude-sdk"))

	ids := r.IDs()
	if len(ids) != 1 || ids[0] != "claude-sdk" {
		t.Fatalf("IDs = %v, want [claude-sdk]", ids)
	}

	caps, ok := r.Capabilities("claude-sdk")
	if !ok {
		t.Fatalf("Capabilities not found for claude-sdk")
	}
	if caps.ExecModel != "in-process" {
		t.Fatalf("ExecModel = %q, want in-process", caps.ExecModel)
	}

	if _, ok := r.Capabilities("unknown"); ok {
		t.Fatalf("Capabilities should report false for unregistered id")
	}
}
