// Package monitoring builds per-signal computation records during price
// queries and hands batches to an external uplink. Signing and transport
// belong to the uplink; this package only produces and tracks the bodies.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricehub/internal/metrics"
)

// Topic selects the uplink channel a payload goes to.
type Topic string

const (
	TopicRecords   Topic = "records"
	TopicHeartbeat Topic = "heartbeat"
)

// SourceSnapshot is the raw observation a signal saw from one source
// before route arithmetic, with its staleness verdict.
type SourceSnapshot struct {
	SourceID  string `json:"source_id"`
	QueryID   string `json:"query_id"`
	Price     string `json:"price,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Stale     bool   `json:"stale,omitempty"`
	Missing   bool   `json:"missing,omitempty"`
}

// RouteStep is one applied route operation with its intermediate value.
type RouteStep struct {
	SignalID  string `json:"signal_id"`
	Operation string `json:"operation"`
	Value     string `json:"value"`
}

// SourceResult is the fate of one source contribution: either an adjusted
// value that reached the processor, or a drop reason.
type SourceResult struct {
	SourceID string      `json:"source_id"`
	QueryID  string      `json:"query_id"`
	Routes   []RouteStep `json:"routes,omitempty"`
	Adjusted string      `json:"adjusted,omitempty"`
	Dropped  string      `json:"dropped,omitempty"`
}

// SignalRecord documents one signal's computation inside a GetPrices call.
type SignalRecord struct {
	SignalID             string           `json:"signal_id"`
	Snapshots            []SourceSnapshot `json:"snapshots"`
	Sources              []SourceResult   `json:"sources"`
	ProcessorResult      string           `json:"processor_result,omitempty"`
	ProcessorError       string           `json:"processor_error,omitempty"`
	PostProcessorResults []string         `json:"post_processor_results,omitempty"`
	PostProcessorError   string           `json:"post_processor_error,omitempty"`
	Price                int64            `json:"price,omitempty"`
	Status               string           `json:"status"`
}

// Uplink is the external transmission hook.
type Uplink interface {
	Publish(ctx context.Context, id uuid.UUID, topic Topic, body []byte) error
}

// NopUplink drops everything; used when monitoring is disabled.
type NopUplink struct{}

func (NopUplink) Publish(context.Context, uuid.UUID, Topic, []byte) error {
	return nil
}

var ErrUnknownBatch = errors.New("monitoring: unknown batch id")

type recordsBody struct {
	UUID      string         `json:"uuid"`
	CreatedAt int64          `json:"created_at"`
	Records   []SignalRecord `json:"records"`
}

type heartbeatBody struct {
	Timestamp       int64    `json:"timestamp"`
	ActiveSignalIDs []string `json:"active_signal_ids"`
}

// Collector batches signal records per GetPrices call, publishes them, and
// remembers the batch until the caller reports the transaction that carried
// it on-chain.
type Collector struct {
	uplink Uplink

	mu      sync.Mutex
	pending map[uuid.UUID]recordsBody
}

// maxPending bounds memory when callers never confirm batches.
const maxPending = 1024

func NewCollector(uplink Uplink) *Collector {
	return &Collector{
		uplink:  uplink,
		pending: make(map[uuid.UUID]recordsBody),
	}
}

// Submit publishes one batch of records and returns its id.
func (c *Collector) Submit(ctx context.Context, records []SignalRecord) (uuid.UUID, error) {
	id := uuid.New()
	body := recordsBody{
		UUID:      id.String(),
		CreatedAt: time.Now().Unix(),
		Records:   records,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return uuid.Nil, fmt.Errorf("monitoring: encode records: %w", err)
	}
	if err := c.uplink.Publish(ctx, id, TopicRecords, payload); err != nil {
		return uuid.Nil, fmt.Errorf("monitoring: publish records: %w", err)
	}
	metrics.MonitoringPublishes.WithLabelValues(string(TopicRecords)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= maxPending {
		// Evict arbitrarily; unconfirmed batches this old are abandoned.
		for old := range c.pending {
			delete(c.pending, old)
			break
		}
	}
	c.pending[id] = body
	return id, nil
}

// Confirm marks a previously submitted batch as carried by txHash and
// forgets it.
func (c *Collector) Confirm(id uuid.UUID, txHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return ErrUnknownBatch
	}
	delete(c.pending, id)
	log.Printf("[Monitoring] batch %s confirmed in tx %s", id, txHash)
	return nil
}

// PendingCount reports the number of unconfirmed batches.
func (c *Collector) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RunHeartbeat publishes a heartbeat on the given interval until ctx ends.
// activeIDs supplies the current active signal set for each beat.
func (c *Collector) RunHeartbeat(ctx context.Context, interval time.Duration, activeIDs func(context.Context) ([]string, error)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := activeIDs(ctx)
			if err != nil {
				log.Printf("[Monitoring] heartbeat: active ids: %v", err)
				continue
			}
			payload, err := json.Marshal(heartbeatBody{
				Timestamp:       time.Now().Unix(),
				ActiveSignalIDs: ids,
			})
			if err != nil {
				continue
			}
			if err := c.uplink.Publish(ctx, uuid.New(), TopicHeartbeat, payload); err != nil {
				log.Printf("[Monitoring] heartbeat publish: %v", err)
				continue
			}
			metrics.MonitoringPublishes.WithLabelValues(string(TopicHeartbeat)).Inc()
		}
	}
}
