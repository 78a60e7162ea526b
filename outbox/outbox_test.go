package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"collab-api/domain"
)

type fakeQueue struct {
	mu        sync.Mutex
	boards    []string
	count     int
	err       error
	block     chan struct{}
	processed chan struct{}
}

func (q *fakeQueue) EnqueueEvents(ctx context.Context, boardID string, events []domain.Envelope) error {
	if q.block != nil {
		<-q.block
	}
	q.mu.Lock()
	err := q.err
	if err == nil {
		q.boards = append(q.boards, boardID)
		q.count += len(events)
	}
	q.mu.Unlock()
	if q.processed != nil {
		q.processed <- struct{}{}
	}
	return err
}

func (q *fakeQueue) total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func testEnvelope(t *testing.T) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.EventTaskMoved, domain.TaskEvent{Task: domain.Task{ID: "T1"}})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func TestPublishDeliversToQueue(t *testing.T) {
	q := &fakeQueue{}
	o := New(q, quietLogger(), Options{Workers: 2, Buffer: 8})

	for i := 0; i < 5; i++ {
		o.Publish("board-1", testEnvelope(t))
	}
	o.Close()

	if got := q.total(); got != 5 {
		t.Fatalf("expected 5 events, got %d", got)
	}
}

func TestPublishFallsBackWhenPoolSaturated(t *testing.T) {
	block := make(chan struct{})
	q := &fakeQueue{block: block}
	o := New(q, quietLogger(), Options{Workers: 1, Buffer: 1, HandoffTimeout: time.Millisecond})

	// first job occupies the worker, second fills the buffer, third must
	// take the direct path
	for i := 0; i < 3; i++ {
		o.Publish("board-1", testEnvelope(t))
	}
	close(block)
	o.Close()

	deadline := time.After(2 * time.Second)
	for q.total() != 3 {
		select {
		case <-deadline:
			t.Fatalf("expected 3 events, got %d", q.total())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPublishAfterCloseDoesNotPanic(t *testing.T) {
	q := &fakeQueue{}
	o := New(q, quietLogger(), Options{Workers: 1, Buffer: 1})
	o.Close()

	o.Publish("board-1", testEnvelope(t))
}

func TestEnqueueErrorDoesNotStopWorkers(t *testing.T) {
	q := &fakeQueue{err: errors.New("queue down"), processed: make(chan struct{}, 4)}
	o := New(q, quietLogger(), Options{Workers: 1, Buffer: 8})

	o.Publish("board-1", testEnvelope(t))
	<-q.processed
	q.mu.Lock()
	q.err = nil
	q.mu.Unlock()
	o.Publish("board-2", testEnvelope(t))
	o.Close()

	if got := q.total(); got != 1 {
		t.Fatalf("expected the second publish to land, got %d", got)
	}
}
