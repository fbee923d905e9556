// Package scheduler runs deferred tasks, either in process or through a Redis delayed
// queue shared by every replica.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Kind string

const KindCompleteProvisioning Kind = "complete_provisioning"

var ErrNoHandler = errors.New("scheduler has no handler bound")

type Task struct {
	Kind      Kind      `json:"kind"`
	OwnerID   string    `json:"owner_id"`
	ServerID  string    `json:"server_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Handler func(ctx context.Context, task Task) error

type Scheduler interface {
	Schedule(ctx context.Context, task Task, delay time.Duration) error
}

func encodeTask(t Task) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeTask(raw string) (Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.Kind == "" || t.ServerID == "" {
		return Task{}, fmt.Errorf("decode task: missing kind or server id")
	}
	return t, nil
}
