package vaultd

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keepwallet/vaultd/firmware"
)

// countingTransport tracks the number of in-flight exchanges to prove the
// queue never overlaps two.
type countingTransport struct {
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	calls       atomic.Int64
}

func (t *countingTransport) Exchange(ctx context.Context, msg firmware.Message) (firmware.Message, error) {
	now := t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	for {
		seen := t.maxInFlight.Load()
		if now <= seen || t.maxInFlight.CompareAndSwap(seen, now) {
			break
		}
	}
	time.Sleep(100 * time.Microsecond)
	t.calls.Add(1)
	return &firmware.Success{}, nil
}

func (t *countingTransport) Close() error { return nil }

func TestQueueExchangeSerializes(t *testing.T) {
	const workers = 8
	transport := &countingTransport{}
	queue := newQueueHandle("dev1", transport)
	defer queue.Close()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := queue.Exchange(context.Background(), firmware.Ping{}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if transport.maxInFlight.Load() > 1 {
		t.Fatalf("observed %d concurrent exchanges, want 1", transport.maxInFlight.Load())
	}
	if transport.calls.Load() != workers*10 {
		t.Fatalf("calls = %d", transport.calls.Load())
	}
}

func TestQueueExchangeMapsClaimedError(t *testing.T) {
	queue := newQueueHandle("dev1", newScripted(replyErr(firmware.ErrClaimed)))
	defer queue.Close()

	_, err := queue.Exchange(context.Background(), firmware.Ping{})
	mustKind(t, err, KindDeviceClaimed)
}

func TestQueueExchangeMapsTimeout(t *testing.T) {
	queue := newQueueHandle("dev1", newScripted(replyErr(context.DeadlineExceeded)))
	defer queue.Close()

	_, err := queue.Exchange(context.Background(), firmware.Ping{})
	mustKind(t, err, KindCommunicationTimeout)
}

func TestQueueExchangeAfterClose(t *testing.T) {
	queue := newQueueHandle("dev1", newScripted())
	queue.Close()
	queue.Close() // idempotent

	_, err := queue.Exchange(context.Background(), firmware.Ping{})
	mustKind(t, err, KindCommunicationFailure)
}

func TestQueueCloseReleasesTransport(t *testing.T) {
	transport := newScripted()
	queue := newQueueHandle("dev1", transport)
	queue.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		transport.mu.Lock()
		closed := transport.closed
		transport.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("transport was not closed")
}

func TestQueueFeaturesRejectsNonFeatures(t *testing.T) {
	queue := newQueueHandle("dev1", newScripted(reply(&firmware.Success{})))
	defer queue.Close()

	_, err := queue.Features(context.Background())
	mustKind(t, err, KindProtocolViolation)
}

func TestQueueFeaturesSnapshot(t *testing.T) {
	queue := newQueueHandle("dev1", newScripted(reply(initializedFeatures())))
	defer queue.Close()

	features, err := queue.Features(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if features.Version != "7.10.0" || !features.Initialized {
		t.Fatalf("snapshot = %+v", features)
	}
}
