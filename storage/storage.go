package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"ecb-maintenance/domain"
)

const (
	boardPartition = "board"
	boardRow       = "default"

	// Concurrent writers race on the row ETag; a loser re-reads and tries again.
	maxSaveAttempts = 5
)

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage keeps the board in a single Azure Tables row and announces every accepted save on
// the change queue.
type Storage struct {
	boardTable  tableClient
	changeQueue queueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, boardTable, changeQueue string) (*Storage, error) {
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
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, changeQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{boardTable: svc.NewClient(boardTable), changeQueue: cq}, nil
}

type boardEntity struct {
	aztables.Entity
	Version     int64     `json:"Version"`
	VersionType string    `json:"Version@odata.type,omitempty"`
	Lists       string    `json:"Lists"`
	UpdatedAt   time.Time `json:"UpdatedAt"`
}

// ChangeMessage is enqueued on the change queue after a board save is accepted.
type ChangeMessage struct {
	Event     string    `json:"event"`
	Version   uint64    `json:"version"`
	Lists     int       `json:"lists"`
	Cars      int       `json:"cars"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func encodeBoardEntity(s domain.Snapshot) ([]byte, error) {
	lists, err := json.Marshal(s.Lists)
	if err != nil {
		return nil, err
	}
	return json.Marshal(boardEntity{
		Entity:      aztables.Entity{PartitionKey: boardPartition, RowKey: boardRow},
		Version:     int64(s.Version),
		VersionType: "Edm.Int64",
		Lists:       string(lists),
		UpdatedAt:   s.UpdatedAt.UTC(),
	})
}

func decodeBoardEntity(data []byte) (domain.Snapshot, error) {
	var ent boardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Snapshot{}, err
	}
	if ent.Version < 0 {
		return domain.Snapshot{}, fmt.Errorf("invalid board version %d", ent.Version)
	}
	var lists []domain.List
	if ent.Lists != "" {
		if err := json.Unmarshal([]byte(ent.Lists), &lists); err != nil {
			return domain.Snapshot{}, fmt.Errorf("decode board lists: %w", err)
		}
	}
	for i := range lists {
		if lists[i].Cars == nil {
			lists[i].Cars = []domain.Car{}
		}
	}
	return domain.Snapshot{Version: uint64(ent.Version), Lists: lists, UpdatedAt: ent.UpdatedAt}, nil
}

func changeMessage(s domain.Snapshot) ChangeMessage {
	cars := 0
	for _, l := range s.Lists {
		cars += len(l.Cars)
	}
	return ChangeMessage{Event: "board-saved", Version: s.Version, Lists: len(s.Lists), Cars: cars, UpdatedAt: s.UpdatedAt}
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// LoadBoard reads the stored board. ok is false when nothing has been saved yet.
func (s *Storage) LoadBoard(ctx context.Context) (domain.Snapshot, bool, error) {
	snap, _, ok, err := s.load(ctx)
	return snap, ok, err
}

func (s *Storage) load(ctx context.Context) (domain.Snapshot, azcore.ETag, bool, error) {
	resp, err := s.boardTable.GetEntity(ctx, boardPartition, boardRow, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.Snapshot{}, "", false, nil
		}
		return domain.Snapshot{}, "", false, err
	}
	snap, err := decodeBoardEntity(resp.Value)
	if err != nil {
		return domain.Snapshot{}, "", false, err
	}
	return snap, resp.ETag, true, nil
}

// SaveBoard stores snapshot unless the stored board already has a newer version, in which case
// the save is dropped silently. Saves are announced on the change queue at least once: a retry
// of a save whose announcement failed finds its own version stored and only re-announces.
func (s *Storage) SaveBoard(ctx context.Context, snapshot domain.Snapshot) error {
	payload, err := encodeBoardEntity(snapshot)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		stored, etag, ok, err := s.load(ctx)
		if err != nil {
			return err
		}
		if ok && stored.Version > snapshot.Version {
			return nil
		}
		if ok && stored.Version == snapshot.Version {
			break
		}

		if ok {
			_, err = s.boardTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
				IfMatch:    &etag,
				UpdateMode: aztables.UpdateModeReplace,
			})
		} else {
			_, err = s.boardTable.AddEntity(ctx, payload, nil)
		}
		if err == nil {
			break
		}
		if !isStatus(err, http.StatusPreconditionFailed) && !isStatus(err, http.StatusConflict) {
			return err
		}
		if attempt >= maxSaveAttempts {
			return fmt.Errorf("save board version %d: lost %d concurrent write races", snapshot.Version, attempt)
		}
	}

	data, err := json.Marshal(changeMessage(snapshot))
	if err != nil {
		return err
	}
	_, err = s.changeQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}
