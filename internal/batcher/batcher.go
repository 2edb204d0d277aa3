// Copyright 2025 James Ross

// Package batcher groups small files into single LLM calls and constructs
// the delimited multi-file prompt that the File Analysis Worker sends to
// the model, then routes the parsed response back to each source file.
package batcher

import (
	"fmt"
	"strings"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/llmclient"
)

// FileMeta is one file's content plus the metadata needed to place it
// correctly in a batch and to route the response back.
type FileMeta struct {
	Path    string
	Content string
	Chars   int
}

// Batch is an ordered group of files to submit in one LLM call, or a single
// oversized file submitted alone.
type Batch struct {
	Files             []FileMeta
	IsSingleLargeFile bool
}

// Construct applies the batching policy from §4.4: batchable files
// (size ≤ SmallFileThresholdBytes) accumulate in insertion order until the
// char or count budget would be exceeded, then the batch is emitted and a
// new one starts. Non-batchable files become their own single-file batch
// and do not interrupt the accumulating batch. The result lists the
// small-file batches first, then the single-large-file batches, each group
// in input order.
func Construct(cfg config.Batcher, files []FileMeta) []Batch {
	var batches []Batch
	var large []Batch
	var current Batch
	var currentChars int

	flush := func() {
		if len(current.Files) > 0 {
			batches = append(batches, current)
			current = Batch{}
			currentChars = 0
		}
	}

	for _, f := range files {
		if int64(f.Chars) > 0 && isLarge(cfg, f) {
			large = append(large, Batch{Files: []FileMeta{f}, IsSingleLargeFile: true})
			continue
		}
		wouldExceedChars := currentChars+f.Chars > cfg.MaxBatchChars
		wouldExceedCount := len(current.Files)+1 > cfg.MaxFilesPerBatch
		if wouldExceedChars || wouldExceedCount {
			flush()
		}
		current.Files = append(current.Files, f)
		currentChars += f.Chars
	}
	flush()
	return append(batches, large...)
}

func isLarge(cfg config.Batcher, f FileMeta) bool {
	return int64(len(f.Content)) > cfg.SmallFileThresholdBytes
}

const (
	anchorPrefix = "===FILE:"
	anchorSuffix = "==="
)

func anchor(path string) string {
	return fmt.Sprintf("%s%s%s", anchorPrefix, path, anchorSuffix)
}

// ConstructPrompt deterministically assembles a delimited multi-file prompt.
// Each file is preceded by a unique anchor line so the response parser can
// route each per-file POI block back to its source file.
func ConstructPrompt(b Batch) string {
	var sb strings.Builder
	sb.WriteString("Analyze the following files and extract points of interest (functions, classes, variables, imports, tables, constants, methods) as JSON matching {files:[{filePath,pois:[{name,type,start_line,end_line}]}]}.\n\n")
	for _, f := range b.Files {
		sb.WriteString(anchor(f.Path))
		sb.WriteString("\n")
		sb.WriteString(f.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ParseResponse routes each per-file POI block in resp back to its source
// file by anchor. Files present in the batch but absent from the response
// are simply omitted from the result (the analysis worker treats that file
// as a parse failure); files in the response absent from the batch (stale
// or hallucinated anchors) are dropped and counted in parseErrors.
func ParseResponse(resp llmclient.BatchAnalysisResponse, b Batch) (map[string][]llmclient.RawPOI, int) {
	known := make(map[string]bool, len(b.Files))
	for _, f := range b.Files {
		known[f.Path] = true
	}
	out := make(map[string][]llmclient.RawPOI)
	parseErrors := 0
	for _, fp := range resp.Files {
		if !known[fp.FilePath] {
			parseErrors++
			continue
		}
		out[fp.FilePath] = fp.POIs
	}
	return out, parseErrors
}
