package service

import (
	"context"
	"encoding/json"
	"time"

	"waveforge/internal/events"
	"waveforge/internal/logging"
	"waveforge/internal/metrics"
	"waveforge/internal/store"
)

// Publisher drains the durable event outbox to an external sink. Rows are
// marked published only after the sink accepts them, so delivery is
// at-least-once; consumers must tolerate duplicates.
type Publisher struct {
	st       *store.Store
	sink     events.Sink
	met      *metrics.Metrics
	interval time.Duration
	batch    int
}

// NewPublisher builds a publisher polling at interval (default 1s) in
// batches of batch rows (default 100).
func NewPublisher(st *store.Store, sink events.Sink, met *metrics.Metrics, interval time.Duration, batch int) *Publisher {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Publisher{st: st, sink: sink, met: met, interval: interval, batch: batch}
}

// Run polls until the context dies. Blocking; callers run it in a goroutine.
func (p *Publisher) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Drain()
		}
	}
}

// Drain publishes every currently unpublished row, in insertion order.
func (p *Publisher) Drain() {
	log := logging.Get(logging.CategoryEvents)
	for {
		rows, err := p.st.UnpublishedEvents(p.batch)
		if err != nil {
			log.Errorw("outbox read failed", "err", err)
			return
		}
		if len(rows) == 0 {
			return
		}
		ids := make([]int64, 0, len(rows))
		for _, r := range rows {
			var ev events.Event
			if err := json.Unmarshal([]byte(r.JSON), &ev); err != nil {
				// A row that cannot decode would wedge the outbox forever;
				// mark it published and move on.
				log.Errorw("outbox row undecodable, dropping", "id", r.ID, "err", err)
				ids = append(ids, r.ID)
				continue
			}
			p.sink.Publish(ev)
			ids = append(ids, r.ID)
			if p.met != nil {
				p.met.OutboxPublished.Inc()
			}
		}
		if err := p.st.MarkPublished(ids); err != nil {
			log.Errorw("outbox mark failed", "err", err)
			return
		}
		if len(rows) < p.batch {
			return
		}
	}
}
