// Copyright 2025 James Ross

// Package graph implements the Graph Builder (C9): it drains accepted
// relationship candidates and idempotently merges the corresponding POI
// nodes and relationship edges into the graph store. The graph store here
// is the same Redis instance backing the queue — nodes are hashes keyed by
// POI id, edges are hashes keyed by (source, target, type), and membership
// sets let the monitor report node/edge counts without a full scan.
package graph

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/cognitive-triangulation/internal/model"
	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
)

const (
	nodeSetKey  = "ctp:graph:nodes"
	edgeSetKey  = "ctp:graph:edges"
	nodeKeyFmt  = "ctp:graph:node:%s"
	edgeKeyFmt  = "ctp:graph:edge:%s:%s:%s"
)

type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// MergeNode upserts a POI node. Attributes are set on first insert and
// updated monotonically thereafter: fields are only overwritten when the
// new value is non-empty, so a later partial write never downgrades an
// existing node.
func (s *Store) MergeNode(ctx context.Context, poi model.POI) error {
	key := fmt.Sprintf(nodeKeyFmt, poi.ID)
	isNew, err := s.rdb.SAdd(ctx, nodeSetKey, poi.ID).Result()
	if err != nil {
		return err
	}
	fields := map[string]interface{}{}
	if poi.FilePath != "" {
		fields["file_path"] = poi.FilePath
	}
	if poi.Type != "" {
		fields["type"] = string(poi.Type)
	}
	if poi.Name != "" {
		fields["name"] = poi.Name
	}
	if poi.Excerpt != "" {
		fields["excerpt"] = poi.Excerpt
	}
	if len(fields) > 0 {
		if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
			return err
		}
	}
	if isNew > 0 {
		obs.GraphNodesMerged.Inc()
	}
	return nil
}

// MergeEdge upserts the edge for an accepted candidate, keyed by
// (source, target, type). Repeated application of the same accepted
// candidate is a no-op on cardinality: the edge set only grows on first
// insert, and the hash write is idempotent.
func (s *Store) MergeEdge(ctx context.Context, c model.RelationshipCandidate) error {
	if c.TargetPOIID == "" {
		return fmt.Errorf("cannot merge edge: candidate %s has no resolved target", c.ID)
	}
	edgeID := fmt.Sprintf("%s:%s:%s", c.SourcePOIID, c.TargetPOIID, c.Type)
	key := fmt.Sprintf(edgeKeyFmt, c.SourcePOIID, c.TargetPOIID, c.Type)
	isNew, err := s.rdb.SAdd(ctx, edgeSetKey, edgeID).Result()
	if err != nil {
		return err
	}
	fields := map[string]interface{}{
		"source":     c.SourcePOIID,
		"target":     c.TargetPOIID,
		"type":       string(c.Type),
		"confidence": c.Confidence,
		"provenance": c.ID,
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}
	if isNew > 0 {
		obs.GraphEdgesMerged.Inc()
	}
	return nil
}

func (s *Store) NodeCount(ctx context.Context) (int64, error) {
	return s.rdb.SCard(ctx, nodeSetKey).Result()
}

func (s *Store) EdgeCount(ctx context.Context) (int64, error) {
	return s.rdb.SCard(ctx, edgeSetKey).Result()
}
