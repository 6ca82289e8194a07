package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T, dir string) Queue {
	t.Helper()
	q, err := OpenFileQueue(dir, "test-queue")
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestPublishReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, t.TempDir())

	require.NoError(t, q.Publish(ctx, []byte(`{"n":1}`)))
	require.NoError(t, q.Publish(ctx, []byte(`{"n":2}`)))
	assert.Equal(t, 2, q.Depth())

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(msg.Body))
	assert.Equal(t, 1, q.Depth())

	require.NoError(t, q.Ack(msg.ID))
	assert.Error(t, q.Ack(msg.ID), "double ack should fail")
}

func TestNackRedelivers(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, t.TempDir())

	require.NoError(t, q.Publish(ctx, []byte(`{"n":1}`)))
	require.NoError(t, q.Publish(ctx, []byte(`{"n":2}`)))

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(msg.ID))

	// Nacked message comes back before later messages.
	again, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, again.ID)
	assert.JSONEq(t, `{"n":1}`, string(again.Body))
}

func TestPublishOpaqueBody(t *testing.T) {
	// The transport must carry any byte payload, JSON or not; dropping
	// unparseable payloads is the consumer's job.
	ctx := context.Background()
	q := openTestQueue(t, t.TempDir())

	require.NoError(t, q.Publish(ctx, []byte("not json")))

	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("not json"), msg.Body)
	require.NoError(t, q.Ack(msg.ID))
}

func TestPublishVisibleAcrossInstances(t *testing.T) {
	// Walker and server open the same queue directory as separate
	// instances; a receiver already blocked in one must see a message
	// published through the other.
	ctx := context.Background()
	dir := t.TempDir()
	receiver := openTestQueue(t, dir)
	sender, err := OpenFileQueue(dir, "test-queue")
	require.NoError(t, err)
	defer sender.Close()

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got := make(chan *Message, 1)
	go func() {
		msg, err := receiver.Receive(recvCtx)
		if err == nil {
			got <- msg
		}
	}()

	require.NoError(t, sender.Publish(ctx, []byte(`{"n":1}`)))

	select {
	case msg := <-got:
		assert.JSONEq(t, `{"n":1}`, string(msg.Body))
	case <-recvCtx.Done():
		t.Fatal("receiver never saw the other instance's message")
	}
}

func TestInterleavedPublishesKeepEveryMessage(t *testing.T) {
	// Writes from two instances must merge, not clobber each other's
	// snapshot.
	ctx := context.Background()
	dir := t.TempDir()
	a := openTestQueue(t, dir)
	b, err := OpenFileQueue(dir, "test-queue")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Publish(ctx, []byte(`{"n":1}`)))
	require.NoError(t, b.Publish(ctx, []byte(`{"n":2}`)))
	require.NoError(t, a.Publish(ctx, []byte(`{"n":3}`)))
	assert.Equal(t, 3, a.Depth())
	assert.Equal(t, 3, b.Depth())

	bodies := map[string]bool{}
	for i := 0; i < 3; i++ {
		msg, err := b.Receive(ctx)
		require.NoError(t, err)
		bodies[string(msg.Body)] = true
		require.NoError(t, a.Ack(msg.ID), "ack works from either instance")
	}
	assert.Len(t, bodies, 3)
	assert.Equal(t, 0, a.Depth())
}

func TestReceiveBlocksUntilCancel(t *testing.T) {
	q := openTestQueue(t, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInflightRedeliveredAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	q := openTestQueue(t, dir)

	require.NoError(t, q.Publish(ctx, []byte(`{"n":1}`)))
	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Depth())

	// Simulate a crash before ack: reopen from the same snapshot.
	reopened, err := OpenFileQueue(dir, "test-queue")
	require.NoError(t, err)
	defer reopened.Close()

	redelivered, err := reopened.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, redelivered.ID)
}

func TestAckPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	q := openTestQueue(t, dir)

	require.NoError(t, q.Publish(ctx, []byte(`{"n":1}`)))
	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(msg.ID))

	reopened, err := OpenFileQueue(dir, "test-queue")
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 0, reopened.Depth())
}
