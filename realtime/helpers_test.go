package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func asError(err error, target **Error) bool {
	return errors.As(err, target)
}

func newTestConn(id, userID string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{
		ID:        id,
		userID:    userID,
		ctx:       ctx,
		cancel:    cancel,
		closeChan: make(chan struct{}),
		readDone:  make(chan struct{}),
		send:      make(chan []byte, 32),
		isAlive:   true,
		mutex:     sync.RWMutex{},
		options:   DefaultOptions(),
		openedAt:  time.Now(),
	}
}

func receiveFrame(t *testing.T, c *Conn) *Frame {
	t.Helper()

	select {
	case data := <-c.send:
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("failed to unmarshal frame: %v", err)
		}
		return &frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func expectNoFrame(t *testing.T, c *Conn) {
	t.Helper()

	select {
	case data := <-c.send:
		t.Fatalf("expected no frame, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() { client.Close() })

	return mr, client
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
