package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"collab-api/domain"
)

// Storage provides access to underlying persistence mechanisms. Tasks and
// board membership live in table storage partitioned by board id; committed
// structural events are forwarded to a queue for downstream consumers.
type Storage struct {
	taskTable       *aztables.Client
	membershipTable *aztables.Client
	eventQueue      *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, membershipTable, eventQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	tt := svc.NewClient(tasksTable)
	mt := svc.NewClient(membershipTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: tt, membershipTable: mt, eventQueue: eq}, nil
}

// Timestamps are stored as unix milliseconds; a zero CompletedAt means the
// task has never entered the terminal column.
type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	ColumnID    string `json:"ColumnId"`
	Position    int    `json:"Position"`
	Status      string `json:"Status"`
	CreatedBy   string `json:"CreatedBy"`
	CreatedAt   int64  `json:"CreatedAt"`
	UpdatedAt   int64  `json:"UpdatedAt"`
	CompletedAt int64  `json:"CompletedAt"`
}

func toEntity(t domain.Task) taskEntity {
	ent := taskEntity{
		Entity:      aztables.Entity{PartitionKey: t.BoardID, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		ColumnID:    t.ColumnID,
		Position:    t.Position,
		Status:      t.Status,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt.UnixMilli(),
		UpdatedAt:   t.UpdatedAt.UnixMilli(),
	}
	if t.CompletedAt != nil {
		ent.CompletedAt = t.CompletedAt.UnixMilli()
	}
	return ent
}

func fromEntity(ent taskEntity) domain.Task {
	t := domain.Task{
		ID:          ent.RowKey,
		BoardID:     ent.PartitionKey,
		ColumnID:    ent.ColumnID,
		Title:       ent.Title,
		Description: ent.Description,
		Position:    ent.Position,
		Status:      ent.Status,
		CreatedBy:   ent.CreatedBy,
		CreatedAt:   time.UnixMilli(ent.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(ent.UpdatedAt).UTC(),
	}
	if ent.CompletedAt > 0 {
		done := time.UnixMilli(ent.CompletedAt).UTC()
		t.CompletedAt = &done
	}
	return t
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

// LoadColumnTasks retrieves the tasks of one column ordered by position.
func (s *Storage) LoadColumnTasks(ctx context.Context, boardID, columnID string) ([]domain.Task, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and ColumnId eq '%s'", boardID, columnID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, fromEntity(ent))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Position < tasks[j].Position })
	return tasks, nil
}

// LoadTask retrieves a single task by board and task id.
func (s *Storage) LoadTask(ctx context.Context, boardID, taskID string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, boardID, taskID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Task{}, err
	}
	return fromEntity(ent), nil
}

// CreateTaskRecord inserts a new task row.
func (s *Storage) CreateTaskRecord(ctx context.Context, task domain.Task) (domain.Task, error) {
	data, err := json.Marshal(toEntity(task))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, data, nil); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// UpdateTaskRecord replaces an existing task row.
func (s *Storage) UpdateTaskRecord(ctx context.Context, task domain.Task) error {
	data, err := json.Marshal(toEntity(task))
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// DeleteTaskRecord removes a task row. Deleting a row that is already gone is
// not an error.
func (s *Storage) DeleteTaskRecord(ctx context.Context, boardID, taskID string) error {
	_, err := s.taskTable.DeleteEntity(ctx, boardID, taskID, nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// PersistPositions merges position updates for sibling tasks. All rows share
// the board partition, so the whole batch commits in one transaction.
func (s *Storage) PersistPositions(ctx context.Context, boardID, columnID string, changes []domain.PositionChange) error {
	if len(changes) == 0 {
		return nil
	}
	actions := make([]aztables.TransactionAction, 0, len(changes))
	for _, ch := range changes {
		patch := struct {
			aztables.Entity
			ColumnID string `json:"ColumnId"`
			Position int    `json:"Position"`
		}{
			Entity:   aztables.Entity{PartitionKey: boardID, RowKey: ch.TaskID},
			ColumnID: columnID,
			Position: ch.Position,
		}
		data, err := json.Marshal(patch)
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     data,
		})
	}
	_, err := s.taskTable.SubmitTransaction(ctx, actions, nil)
	return err
}

type membershipEntity struct {
	aztables.Entity
	DisplayName string `json:"DisplayName"`
	Role        string `json:"Role"`
}

// LoadBoardMembership returns the set of user ids allowed on the board. An
// unknown board (no membership rows at all) reports ErrNotFound so callers
// can distinguish it from a board the user simply is not on.
func (s *Storage) LoadBoardMembership(ctx context.Context, boardID string) (map[string]struct{}, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", boardID)
	pager := s.membershipTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	members := make(map[string]struct{})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent membershipEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			members[ent.RowKey] = struct{}{}
		}
	}
	if len(members) == 0 {
		return nil, domain.ErrNotFound
	}
	return members, nil
}

type eventRecord struct {
	BoardID string          `json:"boardId"`
	Event   domain.Envelope `json:"event"`
}

// EnqueueEvents sends committed structural events to the event queue.
func (s *Storage) EnqueueEvents(ctx context.Context, boardID string, events []domain.Envelope) error {
	for _, event := range events {
		data, err := json.Marshal(eventRecord{BoardID: boardID, Event: event})
		if err != nil {
			return err
		}
		if _, err := s.eventQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
			return err
		}
	}
	return nil
}
