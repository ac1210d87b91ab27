package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T, mr *miniredis.Miniredis, consumer string, claimIdle time.Duration) *RedisQueue {
	t.Helper()
	q, err := NewRedisQueue(context.Background(), RedisConfig{
		Addr:      mr.Addr(),
		Stream:    "webindex:jobs",
		Group:     "indexers",
		Consumer:  consumer,
		Block:     50 * time.Millisecond,
		ClaimIdle: claimIdle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRedisQueue_EnqueueDequeueAck(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	q := newTestRedisQueue(t, mr, "w1", time.Hour)

	require.NoError(t, q.Enqueue(ctx, jobMessage("a")))

	got, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Message.JobID)
	assert.Equal(t, "https://example.com/a", got[0].Message.Document.URL)

	require.NoError(t, q.Ack(ctx, got[0]))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestRedisQueue_GroupCreationIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	newTestRedisQueue(t, mr, "w1", time.Hour)
	newTestRedisQueue(t, mr, "w2", time.Hour)
}

func TestRedisQueue_DequeueEmpty(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newTestRedisQueue(t, mr, "w1", time.Hour)

	got, err := q.Dequeue(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisQueue_PromoteDue(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	q := newTestRedisQueue(t, mr, "w1", time.Hour)
	now := time.Now()

	require.NoError(t, q.Schedule(ctx, jobMessage("retry"), now.Add(2*time.Second)))

	moved, err := q.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	moved, err = q.PromoteDue(ctx, now.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "retry", got[0].Message.JobID)
}

func TestRedisQueue_PromoteDueKeepsMessageWhenStreamAddFails(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	q := newTestRedisQueue(t, mr, "w1", time.Hour)
	now := time.Now()

	require.NoError(t, q.Schedule(ctx, jobMessage("retry"), now.Add(-time.Second)))

	// A non-stream value under the stream key makes XADD fail.
	mr.Del("webindex:jobs")
	require.NoError(t, mr.Set("webindex:jobs", "not a stream"))

	moved, err := q.PromoteDue(ctx, now)
	require.Error(t, err)
	assert.Equal(t, 0, moved)

	members, err := mr.ZMembers("webindex:jobs:delayed")
	require.NoError(t, err)
	assert.Len(t, members, 1, "message stays scheduled")
}

func TestRedisQueue_PromoteDueBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	q := newTestRedisQueue(t, mr, "w1", time.Hour)
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Schedule(ctx, jobMessage(id), now.Add(-time.Minute)))
	}
	require.NoError(t, q.Schedule(ctx, jobMessage("later"), now.Add(time.Hour)))

	moved, err := q.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, moved)

	members, err := mr.ZMembers("webindex:jobs:delayed")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	got, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestRedisQueue_MalformedMessageIsDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	q := newTestRedisQueue(t, mr, "w1", time.Hour)

	_, err := mr.XAdd("webindex:jobs", "*", []string{jobField, "{not json"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, jobMessage("ok")))

	got, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Message.JobID)
}

func TestRedisQueue_ReclaimsIdlePending(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	crashed := newTestRedisQueue(t, mr, "crashed", 10*time.Millisecond)
	survivor := newTestRedisQueue(t, mr, "survivor", 10*time.Millisecond)

	require.NoError(t, crashed.Enqueue(ctx, jobMessage("orphan")))
	got, err := crashed.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	time.Sleep(50 * time.Millisecond)

	reclaimed, err := survivor.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "orphan", reclaimed[0].Message.JobID)
}
