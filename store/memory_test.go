package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/petal-labs/flowport/entity"
	"github.com/petal-labs/flowport/store"
	"github.com/petal-labs/flowport/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return store.NewMemory() })
}

func TestMemory_TxConflictOnCommit(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	err := m.RunInTx(ctx, func(s store.Stores) error {
		if _, err := s.Agents.SaveAgent(ctx, entity.Agent{ID: "a", Name: "x"}); err != nil {
			return err
		}
		// Another writer commits the same id before this transaction does.
		_, err := m.SaveAgent(ctx, entity.Agent{ID: "a", Name: "y"})
		return err
	})
	if !errors.Is(err, store.ErrExists) {
		t.Fatalf("RunInTx: got %v, want ErrExists", err)
	}
	got, _, _ := m.GetAgent(ctx, "a")
	if got.Name != "y" {
		t.Fatalf("committed agent = %q, want the outside write", got.Name)
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a := entity.Agent{ID: "a", Name: "x", Prompt: []entity.PromptBlock{{Type: "plain", Role: "user", Content: "hi"}}}
	if _, err := m.SaveAgent(ctx, a); err != nil {
		t.Fatal(err)
	}
	a.Prompt[0].Content = "mutated"
	got, _, _ := m.GetAgent(ctx, "a")
	if got.Prompt[0].Content != "hi" {
		t.Fatal("store shares the caller's prompt slice")
	}
}

func TestMemory_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.NewMemory().SaveAgent(ctx, entity.Agent{ID: "a"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("SaveAgent: got %v, want context.Canceled", err)
	}
}
