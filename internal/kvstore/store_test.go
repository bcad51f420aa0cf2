package kvstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.Put(ctx, "interactions", []byte(`["a"]`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "interactions", []byte(`["b"]`)); err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}
	got, err := s.Get(ctx, "interactions")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `["b"]` {
		t.Fatalf("Get() = %s, want overwritten value", got)
	}
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestInMemoryStoreCopiesValues(t *testing.T) {
	s := NewInMemoryStore()
	buf := []byte(`[]`)
	if err := s.Put(context.Background(), "k", buf); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	buf[0] = 'x'
	got, _ := s.Get(context.Background(), "k")
	if string(got) != `[]` {
		t.Fatalf("stored value mutated through caller slice: %s", got)
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := NewSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
	if s.Mode() != "sqlite" {
		t.Fatalf("Mode() = %q, want sqlite", s.Mode())
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := s.Put(ctx, "tasklists", []byte(`[1]`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_ = s.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(ctx, "tasklists")
	if err != nil || string(got) != `[1]` {
		t.Fatalf("Get() after reopen = %s, %v", got, err)
	}
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("HUMANLOOP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HUMANLOOP_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), url)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenSelectsInMemoryByDefault(t *testing.T) {
	s, err := Open(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if s.Mode() != "in-memory" {
		t.Fatalf("Mode() = %q, want in-memory", s.Mode())
	}
}
