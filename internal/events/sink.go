// Package events persists one trace record per downstream request and one
// per upstream attempt. Sensitive header and query values are masked before
// rows are queued; bodies are captured only when redaction is off.
package events

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
)

const (
	defaultBuffer = 2048
	writeTimeout  = 5 * time.Second
)

// Sink persists trace rows through a buffered channel and a single writer
// goroutine so the request path never blocks on the database. Both record
// kinds share the channel, so rows land in arrival order.
type Sink struct {
	db   *gorm.DB
	ch   chan record
	done chan struct{}
	once sync.Once
}

type record struct {
	row     any
	traceID string
}

func NewSink(db *gorm.DB, buffer int) *Sink {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &Sink{
		db:   db,
		ch:   make(chan record, buffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// RecordDownstream queues the per-request envelope row.
func (s *Sink) RecordDownstream(row *models.DownstreamRequest) {
	if s == nil || row == nil {
		return
	}
	s.enqueue(record{row: row, traceID: row.TraceID})
}

// RecordUpstream queues one attempt row.
func (s *Sink) RecordUpstream(row *models.UpstreamRequest) {
	if s == nil || row == nil {
		return
	}
	s.enqueue(record{row: row, traceID: row.TraceID})
}

// enqueue adds one row. When the buffer is full the oldest queued row is
// dropped so the hot path never blocks.
func (s *Sink) enqueue(rec record) {
	for {
		select {
		case s.ch <- rec:
			return
		default:
		}
		select {
		case dropped := <-s.ch:
			log.WithField("trace_id", dropped.traceID).Warn("events: buffer full, dropping oldest record")
		default:
		}
	}
}

// Close drains queued rows and stops the writer.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.ch) })
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for rec := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.db.WithContext(ctx).Create(rec.row).Error; err != nil {
			log.WithError(err).WithField("trace_id", rec.traceID).Warn("events: persist record")
		}
		cancel()
	}
}
