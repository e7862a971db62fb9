package cron

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/badgekeep/badgekeep-backend/pkg/alerts"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
	"github.com/badgekeep/badgekeep-backend/pkg/redis"
)

func TestReclaimJobReprocessesAbandonedEntries(t *testing.T) {
	stream := &fakeReclaimStream{
		pending: []redisPending{{id: "3-1", deliveries: 2}},
		claimed: []redisEntry{{id: "3-1"}},
	}
	processor := &recordingProcessor{}
	job := newReclaimTestJob(t, stream, &fakeCronEventRepo{}, processor, &cronAlertRecorder{})

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(processor.processed) != 1 || processor.processed[0] != "3-1" {
		t.Fatalf("expected entry reprocessed, got %v", processor.processed)
	}
	if len(stream.acked) != 0 {
		t.Fatal("entries under the delivery cap must not be acked by the job")
	}
}

func TestReclaimJobDropsPoisonedEntries(t *testing.T) {
	logEntry := &models.EventLogEntry{ID: uuid.New(), SubjectID: "user-1", StreamEntryID: "3-2"}
	stream := &fakeReclaimStream{
		pending: []redisPending{{id: "3-2", deliveries: 6}},
	}
	repo := &fakeCronEventRepo{found: logEntry}
	emitter := &cronAlertRecorder{}
	processor := &recordingProcessor{}
	job := newReclaimTestJob(t, stream, repo, processor, emitter)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(repo.unprocessableIDs) != 1 || repo.unprocessableIDs[0] != logEntry.ID {
		t.Fatalf("expected audit row terminally failed, got %v", repo.unprocessableIDs)
	}
	if len(stream.acked) != 1 || stream.acked[0] != "3-2" {
		t.Fatalf("expected poisoned entry acked, got %v", stream.acked)
	}
	if len(emitter.events) != 1 || emitter.events[0].Type != enums.AlertEntryUnprocessable {
		t.Fatalf("expected unprocessable alert, got %+v", emitter.events)
	}
	if len(processor.processed) != 0 {
		t.Fatal("poisoned entries must not be reprocessed")
	}
}

func newReclaimTestJob(t *testing.T, stream *fakeReclaimStream, repo *fakeCronEventRepo, processor *recordingProcessor, emitter *cronAlertRecorder) Job {
	t.Helper()
	job, err := NewReclaimJob(ReclaimJobParams{
		Logger: logger.New(logger.Options{ServiceName: "test"}),
		Stream: config.StreamConfig{
			Key:           "bk:activity",
			Group:         "badgekeep-workers",
			ReclaimIdle:   5 * time.Minute,
			ReclaimBatch:  50,
			MaxDeliveries: 5,
		},
		Worker:    config.WorkerConfig{MaxRetries: 3},
		Redis:     stream,
		Repo:      repo,
		Processor: processor,
		Emitter:   emitter,
	})
	if err != nil {
		t.Fatalf("NewReclaimJob: %v", err)
	}
	return job
}

type redisPending struct {
	id         string
	deliveries int64
}

type redisEntry struct {
	id string
}

type fakeReclaimStream struct {
	pending []redisPending
	claimed []redisEntry
	acked   []string
}

func (f *fakeReclaimStream) ListPending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]redis.PendingEntry, error) {
	entries := make([]redis.PendingEntry, 0, len(f.pending))
	for _, p := range f.pending {
		entries = append(entries, redis.PendingEntry{ID: p.id, DeliveryCount: p.deliveries})
	}
	return entries, nil
}

func (f *fakeReclaimStream) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.StreamEntry, error) {
	entries := make([]redis.StreamEntry, 0, len(f.claimed))
	for _, c := range f.claimed {
		entries = append(entries, redis.StreamEntry{ID: c.id, Values: map[string]any{}})
	}
	return entries, nil
}

func (f *fakeReclaimStream) Ack(ctx context.Context, stream, group string, ids ...string) error {
	f.acked = append(f.acked, ids...)
	return nil
}

type recordingProcessor struct {
	processed []string
}

func (r *recordingProcessor) Process(ctx context.Context, entry redis.StreamEntry) {
	r.processed = append(r.processed, entry.ID)
}

type cronAlertRecorder struct {
	events []alerts.Event
}

func (c *cronAlertRecorder) Emit(ctx context.Context, event alerts.Event) error {
	c.events = append(c.events, event)
	return nil
}
