package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orcherr "github.com/taskmesh/core/pkg/errors"
)

func TestEnqueueDequeue_FIFOOrder(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(&Task{ID: "t1"}))
	require.NoError(t, q.Enqueue(&Task{ID: "t2"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", first.ID)
	assert.Equal(t, StatusInProgress, first.Status)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t2", second.ID)
}

func TestEnqueue_RejectsOverCapacity(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Enqueue(&Task{ID: "t1"}))

	err := q.Enqueue(&Task{ID: "t2"})
	var full *orcherr.QueueFullError
	assert.ErrorAs(t, err, &full)
	assert.Equal(t, 1, full.Capacity)
}

func TestEnqueue_RejectsDuplicateID(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(&Task{ID: "t1"}))

	err := q.Enqueue(&Task{ID: "t1"})
	var dup *orcherr.AlreadyExistsError
	assert.ErrorAs(t, err, &dup)
}

func TestTryDequeue_ReturnsNilWhenEmpty(t *testing.T) {
	q := New(0)
	assert.Nil(t, q.TryDequeue())
}

func TestDequeue_BlocksUntilContextCancelled(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDequeue_UnblocksOnEnqueue(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		if err == nil {
			done <- task
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(&Task{ID: "t1"}))

	select {
	case task := <-done:
		assert.Equal(t, "t1", task.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock on enqueue")
	}
}

func TestEnqueueToTail_PreservesRecordReordersPosition(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(&Task{ID: "t1", Method: "m1"}))
	require.NoError(t, q.Enqueue(&Task{ID: "t2", Method: "m2"}))

	q.EnqueueToTail("t1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t2", first.ID)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", second.ID)
	assert.Equal(t, "m1", second.Method)
}

func TestUpdateTask_DoesNotAffectOrder(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(&Task{ID: "t1"}))
	require.NoError(t, q.Enqueue(&Task{ID: "t2"}))

	q.UpdateTask(&Task{ID: "t2", Method: "updated"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", first.ID)

	got, ok := q.GetTask("t2")
	require.True(t, ok)
	assert.Equal(t, "updated", got.Method)
}

func TestDeleteTask_SkippedOnDequeue(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(&Task{ID: "t1"}))
	require.NoError(t, q.Enqueue(&Task{ID: "t2"}))

	q.DeleteTask("t1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t2", task.ID)
}

func TestPeek_DoesNotRemove(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(&Task{ID: "t1"}))

	peeked := q.Peek()
	require.NotNil(t, peeked)
	assert.Equal(t, "t1", peeked.ID)
	assert.Equal(t, 1, q.Len())
}

func TestClose_FailsFurtherEnqueueAndUnblocksDequeue(t *testing.T) {
	q := New(0)
	q.Close()

	err := q.Enqueue(&Task{ID: "t1"})
	var cancelled *orcherr.CancelledError
	assert.ErrorAs(t, err, &cancelled)

	ctx, cancelFn := context.WithTimeout(context.Background(), time.Second)
	defer cancelFn()
	_, err = q.Dequeue(ctx)
	assert.ErrorAs(t, err, &cancelled)
}
