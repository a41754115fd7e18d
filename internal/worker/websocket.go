package worker

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pricehub/internal/metrics"
	"pricehub/internal/models"
	"pricehub/internal/store"
)

// EventKind classifies an inbound frame after the adapter decodes it.
type EventKind int

const (
	// EventIgnore is a frame the worker has nothing to do with.
	EventIgnore EventKind = iota
	// EventAssets carries decoded price observations.
	EventAssets
	// EventSubscriptionAck confirms a subscribe/unsubscribe request.
	EventSubscriptionAck
	// EventSubscriptionError reports a rejected subscription. It is
	// logged and does not fail the worker.
	EventSubscriptionError
	// EventHeartbeat is a provider keepalive; receipt already reset the
	// inactivity deadline in the reader.
	EventHeartbeat
)

// Event is the adapter's view of one inbound frame.
type Event struct {
	Kind   EventKind
	Assets []models.AssetInfo
	Detail string
}

// StreamAdapter supplies the protocol specifics of one streaming provider.
type StreamAdapter interface {
	SubscribeMessages(ids []string) ([][]byte, error)
	UnsubscribeMessages(ids []string) ([][]byte, error)
	Parse(data []byte) (Event, error)
}

type queryIDUpdate struct {
	added   []string
	removed []string
}

// StreamWorker maintains one reconnecting websocket session per provider.
// The subscription set lives in the store, so it survives restarts: every
// new session subscribes from the stored set before streaming.
type StreamWorker struct {
	name    string
	url     string
	adapter StreamAdapter
	store   store.Store

	inactivity time.Duration
	updates    chan queryIDUpdate

	setMu    sync.Mutex
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewStream builds a streaming worker. The stored query-id set is picked up
// on every connect, so no ids are passed here.
func NewStream(name string, opts StreamOpts, adapter StreamAdapter, st store.Store) (*StreamWorker, error) {
	if opts.URL == "" {
		return nil, &Error{Worker: name, Msg: "missing url"}
	}
	return &StreamWorker{
		name:       name,
		url:        opts.URL,
		adapter:    adapter,
		store:      st,
		inactivity: defaultInactivity,
		updates:    make(chan queryIDUpdate, 16),
		done:       make(chan struct{}),
	}, nil
}

func (w *StreamWorker) Name() string {
	return w.name
}

func (w *StreamWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// run is the reconnect loop: each session either ends with an error
// (connection drop, inactivity) and backs off exponentially with jitter,
// or ends because the context was cancelled.
func (w *StreamWorker) run(ctx context.Context) {
	defer close(w.done)

	backoff := backoffStart
	for {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[%s] session ended: %v", w.name, err)
		}
		// A session that streamed for a while earns a fresh backoff.
		if time.Since(started) > backoffCap {
			backoff = backoffStart
		}
		delay := jitter(backoff)
		log.Printf("[%s] reconnecting in %s", w.name, delay.Round(time.Millisecond))
		metrics.StreamReconnects.WithLabelValues(w.name).Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if backoff *= 2; backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// jitter spreads a delay by +-20% so reconnecting workers do not thunder.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

func (w *StreamWorker) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	// Restore subscriptions from the stored set.
	ids, err := w.store.GetQueryIDs(ctx, w.name)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := w.writeFrames(conn, w.adapter.SubscribeMessages, ids); err != nil {
			return err
		}
	}

	// Reader goroutine: owns all reads, resets the inactivity deadline on
	// every frame. Gorilla's default ping handler answers pings with
	// pongs via WriteControl, which is safe alongside our writes.
	conn.SetReadDeadline(time.Now().Add(w.inactivity))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.inactivity))
	})
	frames := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(w.inactivity))
			frames <- data
		}
	}()

	pings := time.NewTicker(w.inactivity / 2)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case err := <-readErr:
			return err
		case data := <-frames:
			w.handleFrame(ctx, data)
		case upd := <-w.updates:
			if len(upd.removed) > 0 {
				if err := w.writeFrames(conn, w.adapter.UnsubscribeMessages, upd.removed); err != nil {
					return err
				}
			}
			if len(upd.added) > 0 {
				if err := w.writeFrames(conn, w.adapter.SubscribeMessages, upd.added); err != nil {
					return err
				}
			}
		case <-pings.C:
			conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		}
	}
}

func (w *StreamWorker) writeFrames(conn *websocket.Conn, build func([]string) ([][]byte, error), ids []string) error {
	msgs, err := build(ids)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return err
		}
	}
	return nil
}

// handleFrame decodes and applies one inbound frame. Parse and store errors
// are logged and never end the session.
func (w *StreamWorker) handleFrame(ctx context.Context, data []byte) {
	metrics.StreamMessages.WithLabelValues(w.name).Inc()
	ev, err := w.adapter.Parse(data)
	if err != nil {
		log.Printf("[%s] bad frame: %v", w.name, err)
		return
	}
	switch ev.Kind {
	case EventAssets:
		if len(ev.Assets) == 0 {
			return
		}
		if err := w.store.SetAssets(ctx, w.name, ev.Assets); err != nil {
			log.Printf("[%s] store write failed: %v", w.name, err)
			metrics.StoreWriteErrors.WithLabelValues(w.name).Inc()
			return
		}
		metrics.AssetsWritten.WithLabelValues(w.name).Add(float64(len(ev.Assets)))
	case EventSubscriptionError:
		log.Printf("[%s] subscription error: %s", w.name, ev.Detail)
	case EventSubscriptionAck, EventHeartbeat, EventIgnore:
	}
}

// SetQueryIDs updates the stored subscription set and dispatches the diff
// to the live session. If the worker is between sessions the dispatch is
// skipped: the next connect resubscribes from the stored set anyway.
func (w *StreamWorker) SetQueryIDs(ctx context.Context, ids []string) error {
	w.setMu.Lock()
	defer w.setMu.Unlock()

	added, removed, err := w.store.SetQueryIDs(ctx, w.name, ids)
	if err != nil {
		return &Error{Worker: w.name, Msg: "set query ids", Err: err}
	}
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	select {
	case w.updates <- queryIDUpdate{added: added, removed: removed}:
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return nil
}

func (w *StreamWorker) Stop() {
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
