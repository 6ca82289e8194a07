package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/filegrove/filegrove/internal/metrics"
)

// fileQueue is a durable queue shared through a JSON snapshot on disk.
// Several processes may open the same queue: every operation takes an
// advisory file lock, re-reads the snapshot, applies its change, and
// rewrites the snapshot atomically (temp file + rename). The disk is
// the only source of truth; nothing is cached between operations, so a
// message published by one process is visible to every other.
// In-flight messages are part of the snapshot, so a crash before ack
// redelivers them on the next open — the at-least-once guarantee.
type fileQueue struct {
	name         string
	path         string
	lockPath     string
	pollInterval time.Duration

	mu sync.Mutex
}

type fileQueueState struct {
	Ready    []Message `json:"ready"`
	Inflight []Message `json:"inflight"`
}

// OpenFileQueue opens (or creates) the named durable queue under dir.
// Messages that were in flight when a previous process stopped are
// returned to the front of the ready list.
func OpenFileQueue(dir, name string) (Queue, error) {
	if dir == "" || name == "" {
		return nil, fmt.Errorf("queue dir and name are required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	q := &fileQueue{
		name:         name,
		path:         filepath.Join(dir, name+".json"),
		lockPath:     filepath.Join(dir, name+".lock"),
		pollInterval: 20 * time.Millisecond,
	}
	err := q.withState(func(state *fileQueueState) (bool, error) {
		if len(state.Inflight) == 0 {
			return false, nil
		}
		state.Ready = append(append([]Message(nil), state.Inflight...), state.Ready...)
		state.Inflight = nil
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", name, err)
	}
	return q, nil
}

func (q *fileQueue) Name() string { return q.name }

// withState runs fn against the on-disk state under the queue's file
// lock, persisting the result when fn reports a change. The flock is
// advisory but every accessor goes through here, and it is released by
// the kernel if the holder dies.
func (q *fileQueue) withState(fn func(*fileQueueState) (bool, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lock, err := os.OpenFile(q.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open queue lock: %w", err)
	}
	defer lock.Close()
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock queue: %w", err)
	}
	defer syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)

	state, err := q.load()
	if err != nil {
		return err
	}
	dirty, err := fn(state)
	if err != nil || !dirty {
		return err
	}
	if err := q.save(state); err != nil {
		return err
	}
	metrics.SetQueueDepth(q.name, len(state.Ready))
	return nil
}

func (q *fileQueue) Publish(_ context.Context, body []byte) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}
	msg := Message{ID: id.String(), Body: append([]byte(nil), body...)}
	err = q.withState(func(state *fileQueueState) (bool, error) {
		state.Ready = append(state.Ready, msg)
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", q.name, err)
	}
	return nil
}

func (q *fileQueue) Receive(ctx context.Context) (*Message, error) {
	for {
		var msg *Message
		err := q.withState(func(state *fileQueueState) (bool, error) {
			if len(state.Ready) == 0 {
				return false, nil
			}
			m := state.Ready[0]
			state.Ready = state.Ready[1:]
			state.Inflight = append(state.Inflight, m)
			msg = &m
			return true, nil
		})
		if err != nil {
			return nil, fmt.Errorf("receive from %s: %w", q.name, err)
		}
		if msg != nil {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileQueue) Ack(id string) error {
	found := false
	err := q.withState(func(state *fileQueueState) (bool, error) {
		if i := indexByID(state.Inflight, id); i >= 0 {
			state.Inflight = append(state.Inflight[:i], state.Inflight[i+1:]...)
			found = true
			return true, nil
		}
		// Another process's startup recovery may have requeued this
		// delivery; acking removes it wherever it sits.
		if i := indexByID(state.Ready, id); i >= 0 {
			state.Ready = append(state.Ready[:i], state.Ready[i+1:]...)
			found = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("ack on %s: %w", q.name, err)
	}
	if !found {
		return fmt.Errorf("ack %s: message not in flight", id)
	}
	return nil
}

func (q *fileQueue) Nack(id string) error {
	found := false
	err := q.withState(func(state *fileQueueState) (bool, error) {
		i := indexByID(state.Inflight, id)
		if i < 0 {
			return false, nil
		}
		msg := state.Inflight[i]
		state.Inflight = append(state.Inflight[:i], state.Inflight[i+1:]...)
		state.Ready = append([]Message{msg}, state.Ready...)
		found = true
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("nack on %s: %w", q.name, err)
	}
	if !found {
		return fmt.Errorf("nack %s: message not in flight", id)
	}
	return nil
}

func (q *fileQueue) Depth() int {
	depth := 0
	_ = q.withState(func(state *fileQueueState) (bool, error) {
		depth = len(state.Ready)
		return false, nil
	})
	return depth
}

func (q *fileQueue) Close() error {
	return nil
}

func indexByID(msgs []Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (q *fileQueue) load() (*fileQueueState, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &fileQueueState{}, nil
		}
		return nil, err
	}
	var state fileQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt queue snapshot %s: %w", q.path, err)
	}
	return &state, nil
}

func (q *fileQueue) save(state *fileQueueState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
