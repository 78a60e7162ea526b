// Package board coordinates structural mutations across the columns of a
// board. All mutating operations that touch one board commit through a
// single ordering point: a per-board critical section guarded by a revision
// counter. An operation that prepared its delta against a stale revision
// retries from fresh state instead of applying the stale result.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"collab-api/domain"
	"collab-api/order"
)

const defaultMaxRetries = 3

// Storage abstracts the persistence collaborator. Implementations must keep
// LoadColumnTasks ordered by position.
type Storage interface {
	LoadColumnTasks(ctx context.Context, boardID, columnID string) ([]domain.Task, error)
	LoadTask(ctx context.Context, boardID, taskID string) (domain.Task, error)
	CreateTaskRecord(ctx context.Context, task domain.Task) (domain.Task, error)
	UpdateTaskRecord(ctx context.Context, task domain.Task) error
	DeleteTaskRecord(ctx context.Context, boardID, taskID string) error
	PersistPositions(ctx context.Context, boardID, columnID string, changes []domain.PositionChange) error
}

type boardState struct {
	mu       sync.Mutex
	revision uint64
}

// Manager owns the position invariant for all boards it serves.
type Manager struct {
	store      Storage
	logger     *log.Logger
	tracer     trace.Tracer
	maxRetries int

	mu     sync.Mutex
	boards map[string]*boardState
}

// NewManager creates a Manager over the given storage collaborator.
func NewManager(store Storage, logger *log.Logger) *Manager {
	return &Manager{
		store:      store,
		logger:     logger,
		tracer:     otel.Tracer("collab-api/board"),
		maxRetries: defaultMaxRetries,
		boards:     make(map[string]*boardState),
	}
}

func (m *Manager) state(boardID string) *boardState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.boards[boardID]
	if !ok {
		s = &boardState{}
		m.boards[boardID] = s
	}
	return s
}

// Revision reports the commit counter for a board. It starts at zero and
// advances once per committed structural mutation.
func (m *Manager) Revision(boardID string) uint64 {
	s := m.state(boardID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// commit runs apply inside the board's critical section if the revision the
// caller prepared against is still current. A stale revision aborts with
// ErrConcurrentModification so the caller re-reads and retries.
func (m *Manager) commit(boardID string, rev uint64, apply func() error) error {
	s := m.state(boardID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revision != rev {
		return domain.ErrConcurrentModification
	}
	if err := apply(); err != nil {
		return err
	}
	s.revision++
	return nil
}

func storageErr(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

// CreateTask appends a task at the end of the target column and persists it.
// The returned task carries the assigned position.
func (m *Manager) CreateTask(ctx context.Context, boardID, columnID string, attrs domain.TaskAttrs) (domain.Task, error) {
	ctx, span := m.tracer.Start(ctx, "board.create_task")
	defer span.End()

	var task domain.Task
	err := m.withRetry(boardID, func(rev uint64) error {
		tasks, err := m.store.LoadColumnTasks(ctx, boardID, columnID)
		if err != nil {
			return storageErr(err)
		}
		now := time.Now().UTC()
		task = domain.Task{
			ID:          uuid.NewString(),
			BoardID:     boardID,
			ColumnID:    columnID,
			Title:       attrs.Title,
			Description: attrs.Description,
			Position:    len(tasks),
			Status:      domain.StatusTodo,
			CreatedBy:   attrs.CreatedBy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if columnID == domain.ColumnDone {
			task.MarkComplete(now)
		}
		return m.commit(boardID, rev, func() error {
			created, err := m.store.CreateTaskRecord(ctx, task)
			if err != nil {
				return storageErr(err)
			}
			task = created
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return domain.Task{}, err
	}
	return task, nil
}

// MoveTask relocates a task to targetColumn at targetIndex. A move within
// one column is a single relocation; a move across columns compacts the
// source and shifts the target. Entering the terminal column completes the
// task; the transition is idempotent.
func (m *Manager) MoveTask(ctx context.Context, boardID, taskID, targetColumn string, targetIndex int) (domain.Task, []domain.PositionChange, error) {
	ctx, span := m.tracer.Start(ctx, "board.move_task")
	defer span.End()

	var result moveResult
	err := m.withRetry(boardID, func(rev uint64) error {
		task, err := m.store.LoadTask(ctx, boardID, taskID)
		if err != nil {
			return storageErr(err)
		}
		if task.ColumnID == targetColumn {
			return m.moveWithinColumn(ctx, boardID, rev, task, targetIndex, &result)
		}
		return m.moveAcrossColumns(ctx, boardID, rev, task, targetColumn, targetIndex, &result)
	})
	if err != nil {
		span.RecordError(err)
		return domain.Task{}, nil, err
	}
	return result.task, result.affected, nil
}

type moveResult struct {
	task     domain.Task
	affected []domain.PositionChange
}

func (m *Manager) moveWithinColumn(ctx context.Context, boardID string, rev uint64, task domain.Task, targetIndex int, result *moveResult) error {
	tasks, err := m.store.LoadColumnTasks(ctx, boardID, task.ColumnID)
	if err != nil {
		return storageErr(err)
	}
	col := order.FromTasks(tasks)
	from := col.IndexOf(task.ID)
	if from < 0 {
		return domain.ErrNotFound
	}
	changes, err := col.Relocate(from, targetIndex)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		result.task = task
		return nil
	}
	now := time.Now().UTC()
	task.Position = targetIndex
	task.UpdatedAt = now
	if task.ColumnID == domain.ColumnDone {
		task.MarkComplete(now)
	}
	result.task = task
	result.affected = changes
	return m.commit(boardID, rev, func() error {
		if err := m.store.PersistPositions(ctx, boardID, task.ColumnID, changes); err != nil {
			return storageErr(err)
		}
		if err := m.store.UpdateTaskRecord(ctx, task); err != nil {
			return storageErr(err)
		}
		return nil
	})
}

func (m *Manager) moveAcrossColumns(ctx context.Context, boardID string, rev uint64, task domain.Task, targetColumn string, targetIndex int, result *moveResult) error {
	sourceColumn := task.ColumnID
	sourceTasks, err := m.store.LoadColumnTasks(ctx, boardID, sourceColumn)
	if err != nil {
		return storageErr(err)
	}
	targetTasks, err := m.store.LoadColumnTasks(ctx, boardID, targetColumn)
	if err != nil {
		return storageErr(err)
	}
	src := order.FromTasks(sourceTasks)
	from := src.IndexOf(task.ID)
	if from < 0 {
		return domain.ErrNotFound
	}
	_, sourceChanges, err := src.RemoveAt(from)
	if err != nil {
		return err
	}
	tgt := order.FromTasks(targetTasks)
	targetChanges, err := tgt.InsertAt(task.ID, targetIndex)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task.ColumnID = targetColumn
	task.Position = targetIndex
	task.UpdatedAt = now
	if targetColumn == domain.ColumnDone {
		task.MarkComplete(now)
	}
	result.task = task
	result.affected = append(append([]domain.PositionChange{}, sourceChanges...), targetChanges...)
	return m.commit(boardID, rev, func() error {
		if err := m.store.PersistPositions(ctx, boardID, sourceColumn, sourceChanges); err != nil {
			return storageErr(err)
		}
		if err := m.store.PersistPositions(ctx, boardID, targetColumn, targetChanges); err != nil {
			return storageErr(err)
		}
		if err := m.store.UpdateTaskRecord(ctx, task); err != nil {
			return storageErr(err)
		}
		return nil
	})
}

// UpdateTask patches non-positional task attributes.
func (m *Manager) UpdateTask(ctx context.Context, boardID string, patch domain.TaskUpdatePayload) (domain.Task, error) {
	ctx, span := m.tracer.Start(ctx, "board.update_task")
	defer span.End()

	var task domain.Task
	err := m.withRetry(boardID, func(rev uint64) error {
		loaded, err := m.store.LoadTask(ctx, boardID, patch.TaskID)
		if err != nil {
			return storageErr(err)
		}
		task = loaded
		if patch.Title != nil {
			task.Title = *patch.Title
		}
		if patch.Description != nil {
			task.Description = *patch.Description
		}
		if patch.Status != nil {
			task.Status = *patch.Status
		}
		task.UpdatedAt = time.Now().UTC()
		return m.commit(boardID, rev, func() error {
			if err := m.store.UpdateTaskRecord(ctx, task); err != nil {
				return storageErr(err)
			}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return domain.Task{}, err
	}
	return task, nil
}

// DeleteTask removes a task and compacts its column. It cascades to no other
// entities.
func (m *Manager) DeleteTask(ctx context.Context, boardID, taskID string) ([]domain.PositionChange, error) {
	ctx, span := m.tracer.Start(ctx, "board.delete_task")
	defer span.End()

	var affected []domain.PositionChange
	err := m.withRetry(boardID, func(rev uint64) error {
		task, err := m.store.LoadTask(ctx, boardID, taskID)
		if err != nil {
			return storageErr(err)
		}
		tasks, err := m.store.LoadColumnTasks(ctx, boardID, task.ColumnID)
		if err != nil {
			return storageErr(err)
		}
		col := order.FromTasks(tasks)
		index := col.IndexOf(taskID)
		if index < 0 {
			return domain.ErrNotFound
		}
		_, changes, err := col.RemoveAt(index)
		if err != nil {
			return err
		}
		affected = changes
		return m.commit(boardID, rev, func() error {
			if err := m.store.DeleteTaskRecord(ctx, boardID, taskID); err != nil {
				return storageErr(err)
			}
			if err := m.store.PersistPositions(ctx, boardID, task.ColumnID, changes); err != nil {
				return storageErr(err)
			}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return affected, nil
}

// withRetry runs op with a fresh revision snapshot, retrying a bounded
// number of times when the commit observed a stale revision.
func (m *Manager) withRetry(boardID string, op func(rev uint64) error) error {
	var err error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		err = op(m.Revision(boardID))
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		m.logger.WithFields(log.Fields{
			"board":   boardID,
			"attempt": attempt + 1,
		}).Debug("stale revision, retrying mutation")
	}
	return err
}
