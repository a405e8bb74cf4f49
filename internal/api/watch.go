package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	apperrors "mediasync/internal/errors"
)

// watchReadLimit bounds a single event frame. Replica events are small
// JSON documents; anything larger indicates a misbehaving server.
const watchReadLimit = 1024 * 1024

// wsConn abstracts the WebSocket connection so MediumWatch can be
// tested with a mock connection.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// replicaEvent is one frame on the medium event stream.
type replicaEvent struct {
	Op      string  `json:"op"`
	Replica Replica `json:"replica"`
}

type subscriber struct {
	replicaID string
	// ch is a wake signal, not an event queue: the cached latest event
	// is authoritative, so one pending wake is always enough.
	ch chan struct{}
}

// MediumWatch is a live view onto the server-push event stream for one
// medium. A single reader goroutine caches the latest event per replica
// ID and wakes matching subscribers; all state behind mu. Waiters read
// the cache, so an event is never lost to a slow or late subscriber.
type MediumWatch struct {
	conn     wsConn
	logger   *slog.Logger
	mediumID string

	mu      sync.Mutex
	latest  map[string]Replica
	subs    map[int]subscriber
	nextSub int

	closed   chan struct{}
	closeErr error
	cancel   context.CancelFunc
}

// watchURL builds the event stream endpoint. The medium ID is a path
// segment and is escaped like every other endpoint.
func watchURL(watchHost, mediumID string) string {
	return fmt.Sprintf("wss://%s/media/%s/events", watchHost, url.PathEscape(mediumID))
}

// Watch dials the event stream for the given medium and starts the
// reader goroutine. The caller must Close the watch when the batch
// settles.
func (c *Client) Watch(ctx context.Context, watchHost, mediumID string) (*MediumWatch, error) {
	conn, _, err := websocket.Dial(ctx, watchURL(watchHost, mediumID), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing event stream: %w", err)
	}
	conn.SetReadLimit(watchReadLimit)

	w := newMediumWatch(conn, mediumID, c.logger)

	readCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.readLoop(readCtx)

	return w, nil
}

// newMediumWatch wires a watch around an established connection.
// Split from Watch so the fan-out logic can be tested with a mock
// wsConn without dialing.
func newMediumWatch(conn wsConn, mediumID string, logger *slog.Logger) *MediumWatch {
	return &MediumWatch{
		conn:     conn,
		logger:   logger,
		mediumID: mediumID,
		latest:   make(map[string]Replica),
		subs:     make(map[int]subscriber),
		closed:   make(chan struct{}),
	}
}

// readLoop reads frames until the connection drops or the watch is
// closed, dispatching replica events to subscribers.
func (w *MediumWatch) readLoop(ctx context.Context) {
	for {
		typ, data, err := w.conn.Read(ctx)
		if err != nil {
			w.finish(fmt.Errorf("%w: %w", apperrors.ErrWatchClosed, err))
			return
		}

		if typ != websocket.MessageText {
			w.logger.Debug("unexpected binary frame on event stream", slog.Int("bytes", len(data)))
			continue
		}

		op := gjson.GetBytes(data, "op").Str
		switch op {
		case "ping":
			if err := w.conn.Write(ctx, websocket.MessageText, []byte(`{"op":"pong"}`)); err != nil {
				w.finish(fmt.Errorf("%w: %w", apperrors.ErrWatchClosed, err))
				return
			}

		case "replica":
			var ev replicaEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				w.logger.Warn("failed to decode replica event", slog.String("error", err.Error()))
				continue
			}
			w.dispatch(ev.Replica)

		default:
			w.logger.Debug("unexpected event stream message", slog.String("op", op))
		}
	}
}

// dispatch caches the event and forwards it to matching subscribers.
func (w *MediumWatch) dispatch(r Replica) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.latest[r.ID] = r
	for _, sub := range w.subs {
		if sub.replicaID != r.ID {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default:
			// A wake is already pending; the waiter reads the cached
			// latest event, never the channel.
		}
	}
}

// finish records the terminal error and wakes every waiter.
func (w *MediumWatch) finish(err error) {
	w.mu.Lock()
	if w.closeErr == nil {
		w.closeErr = err
		close(w.closed)
	}
	w.mu.Unlock()
}

// subscribe registers interest in events for one replica ID. The
// returned cancel func must always be called on settlement so the
// subscription cannot leak.
func (w *MediumWatch) subscribe(replicaID string) (<-chan struct{}, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextSub
	w.nextSub++

	ch := make(chan struct{}, 1)
	w.subs[id] = subscriber{replicaID: replicaID, ch: ch}

	return ch, func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// settled reports whether the cached event for a replica is terminal.
func settled(r Replica) (done bool, err error) {
	switch r.Status.Phase {
	case PhaseReady:
		return true, nil
	case PhaseError:
		if r.Status.Message != "" {
			return true, fmt.Errorf("replica %s failed processing: %s", r.ID, r.Status.Message)
		}
		return true, fmt.Errorf("replica %s failed processing", r.ID)
	default:
		// Any other phase means still processing, keep waiting.
		return false, nil
	}
}

// AwaitReplica blocks until the stream reports the replica's phase as
// ready, returning the event. A reported error phase rejects the wait.
// Intermediate phases are ignored. The subscription is always released
// on return.
func (w *MediumWatch) AwaitReplica(ctx context.Context, replicaID string) (*Replica, error) {
	ch, unsubscribe := w.subscribe(replicaID)
	defer unsubscribe()

	for {
		// The cache is checked on every pass: the event may have
		// arrived before we subscribed, or its wake may have been
		// coalesced with an earlier one.
		w.mu.Lock()
		cached, ok := w.latest[replicaID]
		w.mu.Unlock()
		if ok {
			if done, err := settled(cached); done {
				if err != nil {
					return nil, err
				}
				return &cached, nil
			}
		}

		select {
		case <-ch:
			// Woken by a fresh event; loop to re-read the cache.

		case <-w.closed:
			// Re-check the cache: the terminal event may have raced
			// the close.
			w.mu.Lock()
			cached, ok := w.latest[replicaID]
			closeErr := w.closeErr
			w.mu.Unlock()
			if ok {
				if done, err := settled(cached); done {
					if err != nil {
						return nil, err
					}
					return &cached, nil
				}
			}
			return nil, closeErr

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close tears down the watch connection and wakes all waiters.
func (w *MediumWatch) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.finish(apperrors.ErrWatchClosed)
	return w.conn.Close(websocket.StatusNormalClosure, "bye")
}
