package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"pricehub/internal/metrics"
	"pricehub/internal/models"
	"pricehub/internal/store"
)

// PollAdapter supplies the REST specifics of one polling provider: one
// batched fetch for the current query-id set.
type PollAdapter interface {
	Fetch(ctx context.Context, ids []string) ([]models.AssetInfo, error)
}

// PollWorker drives a PollAdapter on an interval. Each tick is bounded by
// the interval as its own timeout; a tick that overruns is abandoned and
// the next one proceeds.
type PollWorker struct {
	name     string
	adapter  PollAdapter
	store    store.Store
	interval time.Duration

	setMu    sync.Mutex
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewPoll(name string, opts PollOpts, adapter PollAdapter, st store.Store) (*PollWorker, error) {
	if opts.URL == "" {
		return nil, &Error{Worker: name, Msg: "missing url"}
	}
	interval := opts.UpdateInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &PollWorker{
		name:     name,
		adapter:  adapter,
		store:    st,
		interval: interval,
		done:     make(chan struct{}),
	}, nil
}

func (w *PollWorker) Name() string {
	return w.name
}

func (w *PollWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

func (w *PollWorker) run(ctx context.Context) {
	defer close(w.done)
	log.Printf("[%s] polling every %s", w.name, w.interval)

	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *PollWorker) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	ids, err := w.store.GetQueryIDs(tickCtx, w.name)
	if err != nil {
		log.Printf("[%s] query ids: %v", w.name, err)
		metrics.PollErrors.WithLabelValues(w.name).Inc()
		return
	}
	if len(ids) == 0 {
		return
	}

	assets, err := w.adapter.Fetch(tickCtx, ids)
	if err != nil {
		log.Printf("[%s] fetch: %v", w.name, err)
		metrics.PollErrors.WithLabelValues(w.name).Inc()
		return
	}
	if len(assets) == 0 {
		return
	}
	if err := w.store.SetAssets(tickCtx, w.name, assets); err != nil {
		log.Printf("[%s] store write failed: %v", w.name, err)
		metrics.StoreWriteErrors.WithLabelValues(w.name).Inc()
		return
	}
	metrics.AssetsWritten.WithLabelValues(w.name).Add(float64(len(assets)))
	metrics.PollTicks.WithLabelValues(w.name).Inc()
}

func (w *PollWorker) SetQueryIDs(ctx context.Context, ids []string) error {
	w.setMu.Lock()
	defer w.setMu.Unlock()
	if _, _, err := w.store.SetQueryIDs(ctx, w.name, ids); err != nil {
		return &Error{Worker: w.name, Msg: "set query ids", Err: err}
	}
	return nil
}

func (w *PollWorker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		select {
		case <-w.done:
		case <-time.After(stopTimeout):
			log.Printf("[%s] did not stop within %s", w.name, stopTimeout)
		}
	})
}
