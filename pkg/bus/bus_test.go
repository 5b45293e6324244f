package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaignops/pipeline-engine/pkg/core"
)

func TestPublishReachesOnlyJobSubscribers(t *testing.T) {
	b := New()
	chA := b.Subscribe("job-a")
	chB := b.Subscribe("job-b")

	b.Publish(&core.ProgressEvent{JobID: "job-a", Seq: 1, Kind: core.EventProgress})

	select {
	case ev := <-chA:
		assert.Equal(t, "job-a", ev.JobID)
		assert.Equal(t, 1, ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case ev := <-chB:
		t.Fatalf("unrelated subscriber received %v", ev)
	default:
	}
}

func TestPublishFanOut(t *testing.T) {
	b := New()
	first := b.Subscribe("job-a")
	second := b.Subscribe("job-a")
	require.Equal(t, 2, b.Subscribers("job-a"))

	b.Publish(&core.ProgressEvent{JobID: "job-a", Seq: 1, Kind: core.EventProgress})

	for _, ch := range []<-chan *core.ProgressEvent{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, 1, ev.Seq)
		case <-time.After(time.Second):
			t.Fatal("fan-out missed a subscriber")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch := b.Subscribe("job-a")
	b.Unsubscribe("job-a", ch)
	assert.Equal(t, 0, b.Subscribers("job-a"))

	b.Publish(&core.ProgressEvent{JobID: "job-a", Seq: 1, Kind: core.EventProgress})

	select {
	case ev := <-ch:
		t.Fatalf("received event after unsubscribe: %v", ev)
	default:
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch := b.Subscribe("job-a")

	// Overfill the buffer; the publisher must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= subscriberBuffer+10; i++ {
			b.Publish(&core.ProgressEvent{JobID: "job-a", Seq: i, Kind: core.EventProgress})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Len(t, ch, subscriberBuffer)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New()
	// Must be a no-op, not a panic.
	b.Publish(&core.ProgressEvent{JobID: "nobody", Seq: 1, Kind: core.EventProgress})
}
