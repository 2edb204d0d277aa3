package batcher

import (
	"strings"
	"testing"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/llmclient"
)

func makeFile(path string, size int) FileMeta {
	content := strings.Repeat("x", size)
	return FileMeta{Path: path, Content: content, Chars: size}
}

// S1 — Batching: 5 files {500,800,15000,600,400} with smallFileThreshold=8192,
// maxBatchChars=3000, maxFilesPerBatch=5 produces batch A={500,800,600,400}
// and batch B={15000} flagged isSingleLargeFile, with A's order preserved.
func TestConstructBatchesS1(t *testing.T) {
	cfg := config.Batcher{SmallFileThresholdBytes: 8192, MaxBatchChars: 3000, MaxFilesPerBatch: 5}
	files := []FileMeta{
		makeFile("a.txt", 500),
		makeFile("b.txt", 800),
		makeFile("c.txt", 15000),
		makeFile("d.txt", 600),
		makeFile("e.txt", 400),
	}

	batches := Construct(cfg, files)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}

	a := batches[0]
	if a.IsSingleLargeFile {
		t.Fatal("first batch should not be flagged single large file")
	}
	wantOrder := []string{"a.txt", "b.txt", "d.txt", "e.txt"}
	if len(a.Files) != len(wantOrder) {
		t.Fatalf("expected %d files in batch A, got %d", len(wantOrder), len(a.Files))
	}
	for i, name := range wantOrder {
		if a.Files[i].Path != name {
			t.Fatalf("batch A order mismatch at %d: want %s got %s", i, name, a.Files[i].Path)
		}
	}

	b := batches[1]
	if !b.IsSingleLargeFile || len(b.Files) != 1 || b.Files[0].Path != "c.txt" {
		t.Fatalf("expected batch B to be single large file c.txt, got %+v", b)
	}
}

func TestConstructPromptAndParseResponse(t *testing.T) {
	cfg := config.Batcher{SmallFileThresholdBytes: 8192, MaxBatchChars: 3000, MaxFilesPerBatch: 5}
	files := []FileMeta{makeFile("a.go", 100), makeFile("b.go", 100)}
	batches := Construct(cfg, files)
	prompt := ConstructPrompt(batches[0])
	if !strings.Contains(prompt, "===FILE:a.go===") || !strings.Contains(prompt, "===FILE:b.go===") {
		t.Fatalf("expected anchors for both files in prompt, got: %s", prompt)
	}

	resp := llmclient.BatchAnalysisResponse{Files: []llmclient.BatchFilePOIs{
		{FilePath: "a.go", POIs: []llmclient.RawPOI{{Name: "Foo", Type: "function"}}},
		{FilePath: "unknown.go", POIs: []llmclient.RawPOI{{Name: "Bar", Type: "function"}}},
	}}
	parsed, parseErrors := ParseResponse(resp, batches[0])
	if parseErrors != 1 {
		t.Fatalf("expected 1 parse error for unknown anchor, got %d", parseErrors)
	}
	if len(parsed["a.go"]) != 1 {
		t.Fatalf("expected 1 POI routed to a.go, got %d", len(parsed["a.go"]))
	}
	if _, ok := parsed["unknown.go"]; ok {
		t.Fatal("unknown anchor should not appear in parsed output")
	}
}
