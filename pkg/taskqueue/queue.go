// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package taskqueue implements the bounded task FIFO (spec component C3):
// a capacity-limited queue of pending tasks with a secondary index by
// task id, so the orchestrator can look up or update a queued task
// in place without scanning or re-enqueuing it.
package taskqueue

import (
	"context"
	"sync"
	"time"

	orcherr "github.com/taskmesh/core/pkg/errors"
)

// Status mirrors the orchestrator's task lifecycle so the queue can stamp
// it on dequeue without importing the orchestrator package.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Task is the minimal view the queue needs to order and index entries.
// The orchestrator's richer Task type embeds these fields.
type Task struct {
	ID           string
	Method       string
	Params       any
	Dependencies []string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Queue is a bounded, id-indexed FIFO of tasks. Enqueue fails with
// QueueFullError once len(order) reaches capacity; capacity <= 0 means
// unbounded.
type Queue struct {
	mu       sync.Mutex
	order    []string // task ids in FIFO order
	byID     map[string]*Task
	capacity int
	signal   chan struct{}
	closed   bool
}

// New creates a bounded queue.
func New(capacity int) *Queue {
	return &Queue{
		byID:     make(map[string]*Task),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends a task to the tail, indexing it by id.
func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &orcherr.CancelledError{Resource: "queue", ID: "closed"}
	}
	if q.capacity > 0 && len(q.order) >= q.capacity {
		return &orcherr.QueueFullError{Capacity: q.capacity}
	}
	if _, exists := q.byID[t.ID]; exists {
		return &orcherr.AlreadyExistsError{Resource: "task", ID: t.ID}
	}

	cp := *t
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	q.byID[t.ID] = &cp
	q.order = append(q.order, t.ID)
	q.signalLocked()
	return nil
}

// EnqueueToTail re-queues an already-indexed task id at the tail, without
// touching its record — used when a dependency is not yet satisfied or a
// resource reservation was refused, so the head doesn't busy-loop.
func (q *Queue) EnqueueToTail(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[id]; !ok {
		return
	}
	q.order = append(q.order, id)
	q.signalLocked()
}

// Dequeue removes and returns the head task, stamping it IN_PROGRESS.
// Blocks until a task is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if t := q.popLocked(); t != nil {
			q.mu.Unlock()
			return t, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			// Pass the wake-up on so every other blocked Dequeue sees the close too.
			select {
			case q.signal <- struct{}{}:
			default:
			}
			return nil, &orcherr.CancelledError{Resource: "queue", ID: "closed"}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// TryDequeue is the non-blocking counterpart of Dequeue, returning nil if
// the queue currently has no ready entries.
func (q *Queue) TryDequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// popLocked removes ids from the head until it finds one still present in
// the index (an id may have been deleted via DeleteTask while queued).
func (q *Queue) popLocked() *Task {
	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		t, ok := q.byID[id]
		if !ok {
			continue
		}
		t.Status = StatusInProgress
		t.UpdatedAt = time.Now()
		cp := *t
		return &cp
	}
	return nil
}

// Peek returns a copy of the head task without removing it.
func (q *Queue) Peek() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		if t, ok := q.byID[id]; ok {
			cp := *t
			return &cp
		}
	}
	return nil
}

// Len returns the number of entries currently in FIFO order.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// GetTask looks up a task by id regardless of queue position.
func (q *Queue) GetTask(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// UpdateTask upserts the index entry for t.ID. It never touches FIFO
// order: a task whose queue slot has already been consumed is updated in
// place only, it is not re-enqueued.
func (q *Queue) UpdateTask(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *t
	q.byID[t.ID] = &cp
}

// DeleteTask removes a task from the index once it reaches a terminal
// state and the caller no longer needs queue-local lookup.
func (q *Queue) DeleteTask(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.byID, id)
}

func (q *Queue) signalLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Close marks the queue closed; pending Dequeue calls return
// CancelledError and further Enqueue calls fail the same way.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}
