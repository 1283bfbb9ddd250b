package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"icdev/internal/blob/core"
)

func TestMemoryStore(t *testing.T) {
	store := New()
	ctx := context.Background()

	info, err := store.Put(ctx, "genomes/1.0.0.json", strings.NewReader("{}"), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 2 || info.ContentType != "application/json" {
		t.Fatalf("info: %+v", info)
	}
	if _, err := store.Put(ctx, "genomes/1.0.0.json", strings.NewReader("{}"), core.PutOptions{}); err == nil {
		t.Fatalf("second put must fail")
	}

	_, rc, err := store.Get(ctx, "genomes/1.0.0.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "{}" {
		t.Fatalf("body = %q", data)
	}

	if _, err := store.Head(ctx, "missing"); err == nil {
		t.Fatalf("head of absent key must fail")
	}

	infos, err := store.List(ctx, "genomes/")
	if err != nil || len(infos) != 1 {
		t.Fatalf("list: %v %+v", err, infos)
	}

	if _, err := store.PresignURL(ctx, "genomes/1.0.0.json", core.SignedURLOptions{}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("presign must be unsupported, got %v", err)
	}

	removed, err := store.Delete(ctx, "genomes/1.0.0.json")
	if err != nil || !removed {
		t.Fatalf("delete: %v %v", removed, err)
	}
	removed, _ = store.Delete(ctx, "genomes/1.0.0.json")
	if removed {
		t.Fatalf("repeated delete must report false")
	}
}
