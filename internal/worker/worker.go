// Package worker contains the per-provider ingestion engines. Two runtimes
// exist: a streaming worker wrapping a reconnecting websocket subscription
// (websocket.go) and a polling worker wrapping a periodic REST fetch
// (rest.go). Provider adapters (binance.go, coinbase.go, coingecko.go,
// coinmarketcap.go) supply the protocol specifics; both runtimes write into
// the shared store keyed by the worker name.
package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker is the handle the manager holds for one provider.
type Worker interface {
	Name() string

	// Start launches the background loop on a child of ctx. Cancelling
	// ctx stops the worker; Stop does the same and waits for exit.
	Start(ctx context.Context)

	// SetQueryIDs replaces the worker's subscription set. The store
	// update and the subscribe/unsubscribe dispatch form one critical
	// section per worker.
	SetQueryIDs(ctx context.Context, ids []string) error

	// Stop cancels the worker and waits for its loop to exit, bounded
	// by stopTimeout.
	Stop()
}

// Error surfaces a worker build or runtime failure to the manager.
type Error struct {
	Worker string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %s: %s: %v", e.Worker, e.Msg, e.Err)
	}
	return fmt.Sprintf("worker %s: %s", e.Worker, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StreamOpts is the configuration surface of a streaming worker.
type StreamOpts struct {
	URL string `yaml:"url"`
}

// PollOpts is the configuration surface of a polling worker.
type PollOpts struct {
	URL            string        `yaml:"url"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	APIKey         string        `yaml:"api_key"`
}

const (
	defaultInactivity   = 60 * time.Second
	defaultPollInterval = 60 * time.Second
	dialTimeout         = 10 * time.Second
	stopTimeout         = 5 * time.Second

	backoffStart = time.Second
	backoffCap   = 60 * time.Second
)
