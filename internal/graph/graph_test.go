package graph

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/cognitive-triangulation/internal/model"
)

// S5 — Idempotent graph merge: accepting the same candidate twice leaves
// node and edge counts unchanged.
func TestIdempotentMergeS5(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(rdb)
	ctx := context.Background()

	poiA := model.POI{ID: "poiA", FilePath: "a.go", Name: "Foo", Type: model.POIFunction}
	poiB := model.POI{ID: "poiB", FilePath: "b.go", Name: "Bar", Type: model.POIFunction}
	if err := s.MergeNode(ctx, poiA); err != nil {
		t.Fatal(err)
	}
	if err := s.MergeNode(ctx, poiB); err != nil {
		t.Fatal(err)
	}

	candidate := model.RelationshipCandidate{
		ID: "c1", SourcePOIID: "poiA", TargetPOIID: "poiB", Type: model.RelCalls, Confidence: 0.9,
	}
	if err := s.MergeEdge(ctx, candidate); err != nil {
		t.Fatal(err)
	}
	if err := s.MergeNode(ctx, poiA); err != nil {
		t.Fatal(err)
	}
	if err := s.MergeEdge(ctx, candidate); err != nil {
		t.Fatal(err)
	}

	nodes, err := s.NodeCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if nodes != 2 {
		t.Fatalf("expected 2 nodes after repeated merge, got %d", nodes)
	}
	edges, err := s.EdgeCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if edges != 1 {
		t.Fatalf("expected 1 edge after repeated merge, got %d", edges)
	}
}
