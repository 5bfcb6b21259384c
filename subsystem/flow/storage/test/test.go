package test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/micromdm/nanoflow/flow"
	"github.com/micromdm/nanoflow/subsystem/flow/storage"
)

func testFlow(id string) *flow.Flow {
	return &flow.Flow{
		ID:   id,
		Name: "login",
		Nodes: []flow.Node{
			{ID: "n1", Type: flow.OpenApp, Config: json.RawMessage(`{"packageName":"com.example"}`)},
			{ID: "n2", Type: flow.Tap, Config: json.RawMessage(`{"resourceId":"login"}`)},
		},
		Edges: []flow.Edge{{From: "n1", To: "n2"}},
	}
}

func TestFlowStorage(t *testing.T, newStorage func() storage.Storage) {
	s := newStorage()
	ctx := context.Background()

	_, err := s.RetrieveFlow(ctx, "test1")
	if !errors.Is(err, storage.ErrFlowNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrFlowNotFound)
	}

	f := testFlow("test1")
	if err = s.StoreFlow(ctx, f); err != nil {
		t.Fatal(err)
	}
	if err = s.StoreFlow(ctx, testFlow("test0")); err != nil {
		t.Fatal(err)
	}
	if err = s.StoreFlow(ctx, &flow.Flow{}); !errors.Is(err, storage.ErrMissingID) {
		t.Errorf("have: %v, want: %v", err, storage.ErrMissingID)
	}

	f2, err := s.RetrieveFlow(ctx, "test1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(f, f2) {
		t.Error("not equal")
	}

	ids, err := s.ListFlows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := ids, []string{"test0", "test1"}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// replace
	f.Name = "logout"
	if err = s.StoreFlow(ctx, f); err != nil {
		t.Fatal(err)
	}
	if f2, err = s.RetrieveFlow(ctx, "test1"); err != nil {
		t.Fatal(err)
	}
	if have, want := f2.Name, "logout"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if err = s.DeleteFlow(ctx, "test1"); err != nil {
		t.Fatal(err)
	}
	if _, err = s.RetrieveFlow(ctx, "test1"); !errors.Is(err, storage.ErrFlowNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrFlowNotFound)
	}
	if err = s.DeleteFlow(ctx, "test1"); !errors.Is(err, storage.ErrFlowNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrFlowNotFound)
	}
}
