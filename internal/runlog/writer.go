package runlog

import (
	"context"
	"log/slog"
	"time"
)

const insertTimeout = 5 * time.Second

// Writer drains entries to a Store off the request path. Record never
// blocks; when the buffer is full the entry is dropped and counted in a
// warning rather than stalling a response.
type Writer struct {
	store Store
	log   *slog.Logger
	ch    chan Entry
	done  chan struct{}
}

func NewWriter(store Store, buffer int, log *slog.Logger) *Writer {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		store: store,
		log:   log,
		ch:    make(chan Entry, buffer),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *Writer) Record(e Entry) {
	select {
	case w.ch <- e:
	default:
		w.log.Warn("run log buffer full, dropping entry", "run_id", e.RunID)
	}
}

func (w *Writer) drain() {
	defer close(w.done)
	for e := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		err := w.store.Insert(ctx, &e)
		cancel()
		if err != nil {
			w.log.Warn("run log insert failed", "run_id", e.RunID, "error", err)
		}
	}
}

// Close flushes buffered entries and stops the writer. Record must not
// be called after Close.
func (w *Writer) Close() {
	close(w.ch)
	<-w.done
}
