// Copyright 2025 James Ross

// Package scanner walks the target directory, registers each matching file
// as a pending File row, and returns the discovered files; batching
// (internal/batcher) and enqueueing (cmd/pipeline) happen downstream. This is
// the directory discovery boundary of the pipeline; it does not itself call
// the LLM.
package scanner

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/model"
	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
	"github.com/flyingrobots/cognitive-triangulation/internal/store"
)

type Scanner struct {
	cfg *config.Config
	st  *store.Store
	log *zap.Logger
}

func New(cfg *config.Config, st *store.Store, log *zap.Logger) *Scanner {
	return &Scanner{cfg: cfg, st: st, log: log}
}

// DiscoveredFile is what the scanner hands to the batcher: just enough to
// make batching decisions without re-reading the file from the store.
type DiscoveredFile struct {
	Path  string
	Bytes int64
}

// Scan walks cfg.Scanner.ScanDir, registers every matching file in the
// store as `pending`, and returns the ordered list of discovered files for
// the batcher to consume. Walk order is directory order, which is stable
// enough for batch composition to be deterministic run-to-run on an
// unchanged tree.
func (s *Scanner) Scan(ctx context.Context) ([]DiscoveredFile, error) {
	root := s.cfg.Scanner.ScanDir
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var discovered []DiscoveredFile
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		abs, err2 := filepath.Abs(path)
		if err2 != nil {
			return nil
		}
		if !strings.HasPrefix(abs, absRoot+string(os.PathSeparator)) && abs != absRoot {
			return nil
		}
		rel, _ := filepath.Rel(root, path)

		if !matchesAny(s.cfg.Scanner.IncludeGlobs, rel) {
			return nil
		}
		if matchesAny(s.cfg.Scanner.ExcludeGlobs, rel) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		content, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("scan read failed", obs.String("path", path), obs.Err(err))
			return nil
		}
		hash := contentHash(content)

		err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
			return store.UpsertFile(ctx, tx, model.File{
				Path:        abs,
				ContentHash: hash,
				SizeBytes:   int64(len(content)),
				Status:      model.FileStatusPending,
			})
		})
		if err != nil {
			return err
		}

		obs.FilesScanned.Inc()
		discovered = append(discovered, DiscoveredFile{Path: abs, Bytes: int64(len(content))})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return discovered, nil
}

func matchesAny(globs []string, rel string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, _ := doublestar.PathMatch(g, rel); ok {
			return true
		}
	}
	return false
}

func contentHash(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
