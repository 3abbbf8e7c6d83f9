package postgres

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// notifyChannel is the NOTIFY channel enqueue and requeue announce on
const notifyChannel = "feedpulse_jobs"

// waker turns NOTIFY messages into a broadcast that blocked claimers can
// select on. Without a listener it never fires and claimers fall back to
// polling.
type waker struct {
	mu       sync.Mutex
	ch       chan struct{}
	listener *pq.Listener
	done     chan struct{}
}

func newWaker() *waker {
	return &waker{ch: make(chan struct{}), done: make(chan struct{})}
}

// wait returns a channel that is closed on the next notification.
func (w *waker) wait() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

func (w *waker) broadcast() {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.ch)
	w.ch = make(chan struct{})
}

// listen subscribes to notifyChannel on a dedicated lib/pq connection.
func (w *waker) listen(url string, log *slog.Logger) error {
	report := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn("job listener connection attempt failed", "error", err)
		case pq.ListenerEventDisconnected:
			log.Warn("job listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			log.Info("job listener reconnected")
			// Notifications may have been missed while disconnected.
			w.broadcast()
		}
	}

	l := pq.NewListener(url, 100*time.Millisecond, time.Minute, report)
	if err := l.Listen(notifyChannel); err != nil {
		_ = l.Close()
		return err
	}
	w.listener = l

	go func() {
		for {
			select {
			case <-w.done:
				return
			case _, ok := <-l.Notify:
				if !ok {
					return
				}
				w.broadcast()
			}
		}
	}()
	return nil
}

func (w *waker) close() {
	select {
	case <-w.done:
		return
	default:
		close(w.done)
	}
	if w.listener != nil {
		_ = w.listener.Close()
	}
}
