package promote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/eunmann/chunk-pipeline/pkg/registry"
)

type fakePromoter struct {
	got [][]int64
	err error
}

func (f *fakePromoter) PromoteChunks(ctx context.Context, ids []int64) error {
	cp := append([]int64{}, ids...)
	f.got = append(f.got, cp)
	return f.err
}

func stagedRegistry(t *testing.T, ids ...int64) *registry.MemoryRegistry {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	for _, id := range ids {
		if err := reg.Insert(context.Background(), id, registry.Fields{registry.FieldStatus: "staged"}); err != nil {
			t.Fatalf("seed insert %d failed: %v", id, err)
		}
	}
	return reg
}

func TestRunPromotesOrderedPrefix(t *testing.T) {
	reg := stagedRegistry(t, 1, 2, 3)
	p := &fakePromoter{}
	c := NewCoordinator(reg, reg, p)

	res := c.Run(context.Background())
	if !res.Ok || res.Mode != "execute" {
		t.Fatalf("Result = %+v, want ok execute", res)
	}
	if res.ChunksPromoted != 3 {
		t.Errorf("ChunksPromoted = %d, want 3", res.ChunksPromoted)
	}

	if len(p.got) != 1 {
		t.Fatalf("promoter called %d times, want 1", len(p.got))
	}
	want := []int64{1, 2, 3}
	for i, id := range p.got[0] {
		if id != want[i] {
			t.Fatalf("promoter got %v, want %v (ascending, unsubsetted)", p.got[0], want)
		}
	}

	for _, id := range want {
		chunk, _ := reg.Get(id)
		if chunk.Status != registry.StatusPromoted {
			t.Errorf("chunk %d status = %s, want promoted", id, chunk.Status)
		}
	}
}

func TestRunEmptySetIsSuccess(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	p := &fakePromoter{}
	c := NewCoordinator(reg, reg, p)

	res := c.Run(context.Background())
	if !res.Ok {
		t.Fatalf("Result = %+v, want ok", res)
	}
	if res.ChunksPromoted != 0 {
		t.Errorf("ChunksPromoted = %d, want 0", res.ChunksPromoted)
	}
	if len(p.got) != 0 {
		t.Error("promoter called with an empty promotable set")
	}
}

func TestRunPromoterFailure(t *testing.T) {
	reg := stagedRegistry(t, 1)
	p := &fakePromoter{err: errors.New("copy failed")}
	c := NewCoordinator(reg, reg, p)

	res := c.Run(context.Background())
	if res.Ok {
		t.Fatalf("Result = %+v, want failure", res)
	}

	// Registry must not record promotion when the promoter failed.
	chunk, _ := reg.Get(1)
	if chunk.Status != registry.StatusStaged {
		t.Errorf("chunk 1 status = %s, want staged", chunk.Status)
	}
}

func TestRunBusyLock(t *testing.T) {
	reg := stagedRegistry(t, 1)
	p := &fakePromoter{}
	c := NewCoordinator(reg, reg, p)

	release, ok, err := reg.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	defer release()

	res := c.Run(context.Background())
	if !res.Ok || res.Mode != "busy" {
		t.Fatalf("Result = %+v, want ok busy", res)
	}
	if len(p.got) != 0 {
		t.Error("promoter called while lock held")
	}
}

func TestHandlerResponses(t *testing.T) {
	t.Run("nothing to do", func(t *testing.T) {
		reg := registry.NewMemoryRegistry()
		h := Handler(NewCoordinator(reg, reg, &fakePromoter{}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/promote", nil))

		if rec.Code != 200 {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var res Result
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if !res.Ok || res.ChunksPromoted != 0 {
			t.Errorf("response = %+v", res)
		}
	})

	t.Run("failure", func(t *testing.T) {
		reg := stagedRegistry(t, 1)
		h := Handler(NewCoordinator(reg, reg, &fakePromoter{err: errors.New("boom")}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/promote", nil))

		if rec.Code != 500 {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		var res Result
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if res.Ok || res.Error == "" {
			t.Errorf("response = %+v", res)
		}
	})
}
