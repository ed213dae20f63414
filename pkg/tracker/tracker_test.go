package tracker

import (
	"context"
	"testing"

	"github.com/eunmann/chunk-pipeline/pkg/bus"
	"github.com/eunmann/chunk-pipeline/pkg/registry"
)

// recordingRegistry wraps MemoryRegistry and counts calls.
type recordingRegistry struct {
	*registry.MemoryRegistry
	inserts int
	updates int
}

func (r *recordingRegistry) Insert(ctx context.Context, id int64, fields registry.Fields) error {
	r.inserts++
	return r.MemoryRegistry.Insert(ctx, id, fields)
}

func (r *recordingRegistry) Update(ctx context.Context, id int64, fields registry.Fields) (int64, error) {
	r.updates++
	return r.MemoryRegistry.Update(ctx, id, fields)
}

func newTestTracker() (*Tracker, *recordingRegistry) {
	reg := &recordingRegistry{MemoryRegistry: registry.NewMemoryRegistry()}
	return New(reg), reg
}

func TestHandleInsert(t *testing.T) {
	tr, reg := newTestTracker()

	body := []byte(`{"operation": "insert", "apdb_replica_chunk": 5,
		"values": {"status": "pending", "source_location": "s3://b/nightly/5"}}`)
	if v := tr.Handle(context.Background(), body); v != bus.Ack {
		t.Fatalf("verdict = %v, want Ack", v)
	}

	c, ok := reg.Get(5)
	if !ok {
		t.Fatal("chunk 5 not inserted")
	}
	if c.Status != registry.StatusPending {
		t.Errorf("status = %s, want pending", c.Status)
	}
	if c.SourceLocation != "s3://b/nightly/5" {
		t.Errorf("source_location = %q", c.SourceLocation)
	}
}

func TestHandleUpdate(t *testing.T) {
	tr, reg := newTestTracker()
	ctx := context.Background()
	if err := reg.MemoryRegistry.Insert(ctx, 5, nil); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}

	body := []byte(`{"operation": "update", "apdb_replica_chunk": 5, "values": {"status": "staged"}}`)
	if v := tr.Handle(ctx, body); v != bus.Ack {
		t.Fatalf("verdict = %v, want Ack", v)
	}

	c, _ := reg.Get(5)
	if c.Status != registry.StatusStaged {
		t.Errorf("status = %s, want staged", c.Status)
	}
}

func TestHandleMalformedEventsDropped(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"operation":`},
		{"missing operation", `{"apdb_replica_chunk": 5, "values": {"status": "staged"}}`},
		{"unsupported operation", `{"operation": "delete", "apdb_replica_chunk": 5, "values": {"status": "staged"}}`},
		{"missing values", `{"operation": "update", "apdb_replica_chunk": 5}`},
		{"empty values", `{"operation": "update", "apdb_replica_chunk": 5, "values": {}}`},
		{"missing chunk id", `{"operation": "update", "values": {"status": "staged"}}`},
	}

	for _, tc := range cases {
		tr, reg := newTestTracker()
		if v := tr.Handle(context.Background(), []byte(tc.body)); v != bus.Ack {
			t.Errorf("%s: verdict = %v, want Ack", tc.name, v)
		}
		if reg.inserts != 0 || reg.updates != 0 {
			t.Errorf("%s: registry was called for a malformed event", tc.name)
		}
	}
}

func TestHandleUpdateBeforeInsert(t *testing.T) {
	tr, reg := newTestTracker()

	// The update arrives before the chunk exists; it must be swallowed as
	// a warning, not surfaced to the bus.
	body := []byte(`{"operation": "update", "apdb_replica_chunk": 9, "values": {"status": "staged"}}`)
	if v := tr.Handle(context.Background(), body); v != bus.Ack {
		t.Fatalf("verdict = %v, want Ack", v)
	}
	if reg.updates != 1 {
		t.Errorf("updates = %d, want 1", reg.updates)
	}
	if _, ok := reg.Get(9); ok {
		t.Error("update created a record")
	}
}

func TestHandleDuplicateInsertSwallowed(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	body := []byte(`{"operation": "insert", "apdb_replica_chunk": 5, "values": {"status": "pending"}}`)
	if v := tr.Handle(ctx, body); v != bus.Ack {
		t.Fatalf("first insert verdict = %v, want Ack", v)
	}
	// Redelivered insert: logged as a bug signal, but still acked.
	if v := tr.Handle(ctx, body); v != bus.Ack {
		t.Errorf("duplicate insert verdict = %v, want Ack", v)
	}
}
