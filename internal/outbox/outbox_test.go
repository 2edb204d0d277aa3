package outbox

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/model"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
)

func testPublisher(t *testing.T) (*Publisher, sqlmock.Sqlmock, *queue.Queue) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New(rdb, cfg)

	p := NewPublisher(db, q, zap.NewNop(), cfg.Outbox)
	return p, mock, q
}

func TestDrainOnceEnqueuesAndDispatches(t *testing.T) {
	p, mock, q := testPublisher(t)

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).WillReturnRows(
		sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, event_type, aggregate_id, payload, attempts`).WillReturnRows(
		sqlmock.NewRows([]string{"id", "event_type", "aggregate_id", "payload", "attempts"}).
			AddRow(int64(1), model.EventRelationshipsRequested, "file-1", []byte(`{"file_path":"a.go"}`), 0))
	mock.ExpectExec(`UPDATE outbox SET status = 'dispatched'`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := p.drainOnce(context.Background()); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}

	stats, err := q.Stats(context.Background(), config.QueueRelationships)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 1 {
		t.Fatalf("expected 1 queued job, got %d", stats.Ready)
	}
}

func TestDrainOnceSkipsWhenNotLeader(t *testing.T) {
	p, mock, _ := testPublisher(t)

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).WillReturnRows(
		sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	if err := p.drainOnce(context.Background()); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDrainOnceSkipsInformationalEvent(t *testing.T) {
	p, mock, _ := testPublisher(t)

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).WillReturnRows(
		sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, event_type, aggregate_id, payload, attempts`).WillReturnRows(
		sqlmock.NewRows([]string{"id", "event_type", "aggregate_id", "payload", "attempts"}).
			AddRow(int64(2), model.EventPOICreated, "file-1", []byte(`["poi-1"]`), 0))
	mock.ExpectExec(`UPDATE outbox SET status = 'dispatched'`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := p.drainOnce(context.Background()); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
