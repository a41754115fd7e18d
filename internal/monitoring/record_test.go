package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type capturedPublish struct {
	id    uuid.UUID
	topic Topic
	body  []byte
}

type fakeUplink struct {
	mu        sync.Mutex
	published []capturedPublish
	err       error
}

func (f *fakeUplink) Publish(ctx context.Context, id uuid.UUID, topic Topic, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, capturedPublish{id: id, topic: topic, body: append([]byte(nil), body...)})
	return nil
}

func (f *fakeUplink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeUplink) last() capturedPublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

func TestSubmitAndConfirm(t *testing.T) {
	uplink := &fakeUplink{}
	c := NewCollector(uplink)

	records := []SignalRecord{{SignalID: "CS:BTC-USD", Status: "AVAILABLE", Price: 42}}
	id, err := c.Submit(context.Background(), records)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("Submit returned nil id")
	}
	if c.PendingCount() != 1 {
		t.Errorf("pending = %d", c.PendingCount())
	}

	pub := uplink.last()
	if pub.topic != TopicRecords || pub.id != id {
		t.Errorf("publish = topic %q id %s", pub.topic, pub.id)
	}
	var body recordsBody
	if err := json.Unmarshal(pub.body, &body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body.UUID != id.String() || len(body.Records) != 1 || body.Records[0].SignalID != "CS:BTC-USD" {
		t.Errorf("body = %+v", body)
	}

	if err := c.Confirm(id, "0xabc"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if c.PendingCount() != 0 {
		t.Errorf("pending after confirm = %d", c.PendingCount())
	}
}

func TestConfirmUnknownBatch(t *testing.T) {
	c := NewCollector(&fakeUplink{})
	if err := c.Confirm(uuid.New(), "0xabc"); !errors.Is(err, ErrUnknownBatch) {
		t.Fatalf("expected ErrUnknownBatch, got %v", err)
	}
}

func TestConfirmTwice(t *testing.T) {
	c := NewCollector(&fakeUplink{})
	id, err := c.Submit(context.Background(), []SignalRecord{{SignalID: "s"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := c.Confirm(id, "0x1"); err != nil {
		t.Fatalf("first Confirm failed: %v", err)
	}
	if err := c.Confirm(id, "0x1"); !errors.Is(err, ErrUnknownBatch) {
		t.Fatalf("second Confirm should fail, got %v", err)
	}
}

func TestSubmitPublishFailure(t *testing.T) {
	uplink := &fakeUplink{err: errors.New("collector down")}
	c := NewCollector(uplink)
	if _, err := c.Submit(context.Background(), []SignalRecord{{SignalID: "s"}}); err == nil {
		t.Fatal("expected error when publish fails")
	}
	if c.PendingCount() != 0 {
		t.Errorf("failed submit should not be tracked, pending = %d", c.PendingCount())
	}
}

func TestPendingBounded(t *testing.T) {
	c := NewCollector(&fakeUplink{})
	for i := 0; i < maxPending+10; i++ {
		if _, err := c.Submit(context.Background(), []SignalRecord{{SignalID: "s"}}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	if c.PendingCount() > maxPending {
		t.Errorf("pending = %d exceeds bound %d", c.PendingCount(), maxPending)
	}
}

func TestRunHeartbeat(t *testing.T) {
	uplink := &fakeUplink{}
	c := NewCollector(uplink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.RunHeartbeat(ctx, 10*time.Millisecond, func(context.Context) ([]string, error) {
			return []string{"CS:BTC-USD"}, nil
		})
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for uplink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if uplink.count() == 0 {
		t.Fatal("no heartbeat published")
	}

	pub := uplink.last()
	if pub.topic != TopicHeartbeat {
		t.Errorf("topic = %q", pub.topic)
	}
	var body heartbeatBody
	if err := json.Unmarshal(pub.body, &body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if len(body.ActiveSignalIDs) != 1 || body.ActiveSignalIDs[0] != "CS:BTC-USD" {
		t.Errorf("body = %+v", body)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunHeartbeat did not stop")
	}
}
