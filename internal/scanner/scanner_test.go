package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/store"
)

func TestScanDiscoversMatchingFilesAndUpserts(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.min.js"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node_modules", "ignored.go"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO files").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cfg := &config.Config{Scanner: config.Scanner{
		ScanDir:      dir,
		IncludeGlobs: []string{"**/*"},
		ExcludeGlobs: []string{"**/node_modules/**", "**/*.min.js"},
	}}
	s := New(cfg, &store.Store{DB: db}, zap.NewNop())

	discovered, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(discovered) != 1 {
		t.Fatalf("expected 1 discovered file, got %d: %+v", len(discovered), discovered)
	}
	if filepath.Base(discovered[0].Path) != "a.go" {
		t.Fatalf("expected a.go, got %s", discovered[0].Path)
	}
}
