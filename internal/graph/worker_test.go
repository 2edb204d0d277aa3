package graph

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/model"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
	"github.com/flyingrobots/cognitive-triangulation/internal/store"
)

func newMergeJob(t *testing.T, candidateID string) queue.Job {
	t.Helper()
	inner, err := json.Marshal(mergeRequest{CandidateID: candidateID})
	if err != nil {
		t.Fatal(err)
	}
	j, err := queue.NewJob("graph_merge", requestPayload{
		EventType:   model.EventCandidateAccepted,
		AggregateID: candidateID,
		Payload:     inner,
	}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestWorkerMergesResolvedCandidate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, source_poi_id").WillReturnRows(sqlmock.NewRows(
		[]string{"id", "source_poi_id", "target_poi_id", "target_symbol", "type", "file_path", "reason", "confidence", "status", "breakdown"}).
		AddRow("c1", "poiA", "poiB", "Bar", "CALLS", "a.go", "calls directly", 0.9, "accepted", nil))
	mock.ExpectQuery("SELECT id, file_path, name, type, start_line, end_line, excerpt").WithArgs("poiA").WillReturnRows(
		sqlmock.NewRows([]string{"id", "file_path", "name", "type", "start_line", "end_line", "excerpt"}).
			AddRow("poiA", "a.go", "Foo", "function", 1, 3, ""))
	mock.ExpectQuery("SELECT id, file_path, name, type, start_line, end_line, excerpt").WithArgs("poiB").WillReturnRows(
		sqlmock.NewRows([]string{"id", "file_path", "name", "type", "start_line", "end_line", "excerpt"}).
			AddRow("poiB", "a.go", "Bar", "function", 5, 7, ""))

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := New(rdb)

	w := NewWorker(&store.Store{DB: db}, g, zap.NewNop())
	if err := w.Process(context.Background(), newMergeJob(t, "c1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}

	n, err := g.NodeCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 nodes merged, got %d", n)
	}
}

func TestWorkerDropsUnresolvedTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, source_poi_id").WillReturnRows(sqlmock.NewRows(
		[]string{"id", "source_poi_id", "target_poi_id", "target_symbol", "type", "file_path", "reason", "confidence", "status", "breakdown"}).
		AddRow("c2", "poiA", "", "Ghost", "CALLS", "a.go", "calls something unresolved", 0.9, "accepted", nil))

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := New(rdb)

	w := NewWorker(&store.Store{DB: db}, g, zap.NewNop())
	if err := w.Process(context.Background(), newMergeJob(t, "c2")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
