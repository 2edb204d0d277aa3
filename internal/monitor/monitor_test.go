package monitor

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/graph"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
	"github.com/flyingrobots/cognitive-triangulation/internal/store"
)

func TestCollectAggregatesStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM files").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM pois").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery("SELECT status, count\\(\\*\\) FROM relationships").WillReturnRows(
		sqlmock.NewRows([]string{"status", "count"}).AddRow("accepted", 2).AddRow("pending", 1))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM outbox").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New(rdb, cfg)
	g := graph.New(rdb)

	m := New(&store.Store{DB: db}, q, g, nil, cfg)
	status, err := m.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if status.Files != 3 || status.POIs != 10 || status.Accepted != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.OutboxPending != 5 {
		t.Fatalf("expected outbox pending 5, got %d", status.OutboxPending)
	}
	if len(status.Queues) != len(cfg.Queues) {
		t.Fatalf("expected %d queue entries, got %d", len(cfg.Queues), len(status.Queues))
	}
}
