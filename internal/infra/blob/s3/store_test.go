package s3

import (
	"context"
	"io"
	"strings"
	"testing"

	"icdev/internal/blob/core"
)

func TestMockPutGetRoundTrip(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	body := `{"version":"1.0.0"}`

	info, err := store.Put(ctx, "genomes/1.0.0.json", strings.NewReader(body), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(body)) {
		t.Fatalf("size = %d, want %d", info.Size, len(body))
	}

	got, rc, err := store.Get(ctx, "genomes/1.0.0.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != body {
		t.Fatalf("body = %q, want %q", data, body)
	}
	if got.Key != "genomes/1.0.0.json" {
		t.Fatalf("key = %s", got.Key)
	}
}

func TestMockPutIsCreateOnly(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	if _, err := store.Put(ctx, "k", strings.NewReader("a"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "k", strings.NewReader("b"), core.PutOptions{}); err == nil {
		t.Fatalf("second put to same key must fail")
	}
}

func TestMockHeadAndDelete(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing"); err == nil {
		t.Fatalf("head of absent key must fail")
	}
	if _, err := store.Put(ctx, "k", strings.NewReader("x"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Head(ctx, "k"); err != nil {
		t.Fatalf("head: %v", err)
	}
	if _, err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Head(ctx, "k"); err == nil {
		t.Fatalf("head after delete must fail")
	}
}

func TestMockListByPrefix(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	for _, key := range []string{"genomes/1.0.0.json", "genomes/1.1.0.json", "staging/abc/bundle.json"} {
		if _, err := store.Put(ctx, key, strings.NewReader("{}"), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	infos, err := store.List(ctx, "genomes/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 blobs, got %d", len(infos))
	}
	if infos[0].Key != "genomes/1.0.0.json" || infos[1].Key != "genomes/1.1.0.json" {
		t.Fatalf("keys: %+v", infos)
	}
}

func TestMockPresignURL(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	url, err := store.PresignURL(ctx, "genomes/1.0.0.json", core.SignedURLOptions{})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "genomes/1.0.0.json") {
		t.Fatalf("url = %s", url)
	}
	if _, err := store.PresignURL(ctx, "k", core.SignedURLOptions{Method: "PUT"}); err != core.ErrUnsupported {
		t.Fatalf("non-GET presign must be unsupported, got %v", err)
	}
}
