package redisstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/petal-labs/flowport/entity"
	"github.com/petal-labs/flowport/store"
	"github.com/petal-labs/flowport/store/storetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), Options{
		URL:            fmt.Sprintf("redis://%s", mr.Addr()),
		Prefix:         "test",
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		s, _ := newTestStore(t)
		return s
	})
}

func TestStore_KeyLayout(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if _, err := s.SaveAgent(ctx, entity.Agent{ID: "a1", Name: "Writer"}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	if !mr.Exists("test:agent:a1") {
		t.Fatalf("expected key test:agent:a1, have %v", mr.Keys())
	}
}

func TestStore_TxSeesExistingRows(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.SaveIfNode(ctx, entity.IfNode{ID: "if1", Combinator: entity.CombinatorAnd}); err != nil {
		t.Fatalf("SaveIfNode: %v", err)
	}
	err := s.RunInTx(ctx, func(st store.Stores) error {
		_, err := st.IfNodes.SaveIfNode(ctx, entity.IfNode{ID: "if1", Combinator: entity.CombinatorOr})
		return err
	})
	if !errors.Is(err, store.ErrExists) {
		t.Fatalf("RunInTx: got %v, want ErrExists", err)
	}
	got, _, _ := s.GetIfNode(ctx, "if1")
	if got.Combinator != entity.CombinatorAnd {
		t.Fatalf("existing row overwritten: %+v", got)
	}
}

func TestOpen_BadURL(t *testing.T) {
	if _, err := Open(context.Background(), Options{URL: "not-a-url://"}); err == nil {
		t.Fatal("expected error for bad URL")
	}
}

func TestOpen_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := Open(context.Background(), Options{
		URL:            "redis://" + addr,
		ConnectTimeout: 200 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected connection error")
	}
}
