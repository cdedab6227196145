package msgqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkmux/ca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestQueueFIFODelivery(t *testing.T) {
	// GOAL: Verify messages are processed in enqueue order with owned copies
	q := New("test-worker", 16, quietLogger())

	var mu sync.Mutex
	var got [][]byte
	require.NoError(t, q.Start(func(msg Message) {
		mu.Lock()
		got = append(got, msg.Data)
		mu.Unlock()
	}))
	defer q.Stop()

	payload := []byte{0}
	for i := 0; i < 5; i++ {
		payload[0] = byte(i)
		require.NoError(t, q.Enqueue(ca.Endpoint{Address: "peer"}, payload))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, data := range got {
		assert.Equal(t, []byte{byte(i)}, data, "delivery order MUST equal enqueue order, with copied payloads")
	}
}

func TestQueueEnqueueNeverBlocks(t *testing.T) {
	// GOAL: Verify a full queue rejects instead of blocking the producer
	q := New("test-worker", 2, quietLogger())

	require.NoError(t, q.Enqueue(ca.Endpoint{}, []byte("a")))
	require.NoError(t, q.Enqueue(ca.Endpoint{}, []byte("b")))

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ca.Endpoint{}, []byte("c")) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ca.ErrAllocFailed, "full queue MUST report AllocFailed")
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	assert.Equal(t, 2, q.Len())
}

func TestQueueStopJoinsWorker(t *testing.T) {
	// GOAL: Verify stop waits for worker exit and discards queued messages
	q := New("test-worker", 16, quietLogger())

	processing := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, q.Start(func(msg Message) {
		close(processing)
		<-release
	}))

	require.NoError(t, q.Enqueue(ca.Endpoint{}, []byte("inflight")))
	<-processing
	require.NoError(t, q.Enqueue(ca.Endpoint{}, []byte("stale")))

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a message was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not join the worker")
	}

	assert.False(t, q.Running())
	assert.Equal(t, 0, q.Len(), "undelivered messages MUST be discarded at stop")
}

func TestQueueSingleWorkerInvariant(t *testing.T) {
	// GOAL: Verify stop/start cycles never stack duplicate workers
	q := New("test-worker", 16, quietLogger())
	noop := func(Message) {}

	require.NoError(t, q.Start(noop))
	assert.Error(t, q.Start(noop), "second start MUST be rejected while running")

	q.Stop()
	assert.False(t, q.Running())
	q.Stop() // already stopped: no-op

	require.NoError(t, q.Start(noop), "restart after stop MUST succeed")
	assert.True(t, q.Running())
	q.Stop()
}

func TestQueueInvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { New("bad", 0, quietLogger()) })
}
