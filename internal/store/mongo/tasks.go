package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/store"
)

func (s *Store) InsertTask(ctx context.Context, task *store.Task) error {
	if _, err := s.tasks.InsertOne(ctx, task); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("task %s already exists: %w", task.TaskID, apperr.ErrValidation)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	var task store.Task
	err := s.tasks.FindOne(ctx, bson.M{"taskId": taskID}).Decode(&task)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("task", taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// TransitionTask enforces the status graph with a conditional update: the
// filter includes the allowed source statuses, so a doc in the wrong state
// simply does not match and the caller learns which case it hit from a
// follow-up read.
func (s *Store) TransitionTask(ctx context.Context, taskID string, allowedFrom []store.TaskStatus, to store.TaskStatus, patch store.TaskPatch, at time.Time) (*store.Task, error) {
	set := bson.M{
		"status":    to,
		"updatedAt": at,
	}
	if patch.AssignedTo != nil {
		set["assignedTo"] = *patch.AssignedTo
	}
	if patch.Result != nil {
		set["result"] = *patch.Result
	}

	var task store.Task
	err := s.tasks.FindOneAndUpdate(ctx,
		bson.M{"taskId": taskID, "status": bson.M{"$in": allowedFrom}},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&task)
	if err == nil {
		return &task, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to transition task: %w", err)
	}

	current, getErr := s.GetTask(ctx, taskID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("task %s is %s, cannot move to %s: %w",
		taskID, current.Status, to, apperr.ErrTransitionViolation)
}

func (s *Store) TasksByAssignee(ctx context.Context, agentID string) ([]*store.Task, error) {
	cursor, err := s.tasks.Find(ctx,
		bson.M{"assignedTo": agentID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by assignee: %w", err)
	}
	var tasks []*store.Task
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) SubTasks(ctx context.Context, parentTaskID string) ([]*store.Task, error) {
	cursor, err := s.tasks.Find(ctx,
		bson.M{"parentTaskId": parentTaskID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query subtasks: %w", err)
	}
	var tasks []*store.Task
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode subtasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]*store.Task, error) {
	cursor, err := s.tasks.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	var tasks []*store.Task
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode tasks: %w", err)
	}
	return tasks, nil
}
