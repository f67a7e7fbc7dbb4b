package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/router-for-me/ModelProxyAPI/internal/models"
)

const (
	defaultBuffer = 1024
	writeTimeout  = 5 * time.Second
)

// Writer persists usage rows through a buffered channel and a single writer
// goroutine so the request path never blocks on the database.
type Writer struct {
	db   *gorm.DB
	ch   chan *models.UpstreamUsage
	done chan struct{}
	once sync.Once
}

func NewWriter(db *gorm.DB, buffer int) *Writer {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	w := &Writer{
		db:   db,
		ch:   make(chan *models.UpstreamUsage, buffer),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// Record queues one row. When the buffer is full the oldest queued row is
// dropped so the hot path never blocks.
func (w *Writer) Record(row *models.UpstreamUsage) {
	if w == nil || row == nil {
		return
	}
	for {
		select {
		case w.ch <- row:
			return
		default:
		}
		select {
		case dropped := <-w.ch:
			log.WithField("trace_id", dropped.TraceID).Warn("usage: buffer full, dropping oldest row")
		default:
		}
	}
}

// Close drains queued rows and stops the writer.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.once.Do(func() { close(w.ch) })
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for row := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := w.db.WithContext(ctx).Create(row).Error; err != nil {
			log.WithError(err).Warn("usage: persist row")
		}
		cancel()
	}
}

// TokenTotals is one rollup: summed counters and the number of attempts
// that produced them.
type TokenTotals struct {
	Count                    int64 `json:"count"`
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	TotalTokens              int64 `json:"total_tokens"`
}

// RollupFilter scopes a token rollup. The time window is half-open
// [From, To).
type RollupFilter struct {
	Provider     string
	CredentialID *uint64
	Model        string
	From         *time.Time
	To           *time.Time
}

// Rollup sums the usage rows matching the filter.
func Rollup(ctx context.Context, db *gorm.DB, f RollupFilter) (TokenTotals, error) {
	q := db.WithContext(ctx).Model(&models.UpstreamUsage{})
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.CredentialID != nil {
		q = q.Where("credential_id = ?", *f.CredentialID)
	}
	if f.Model != "" {
		q = q.Where("model = ?", f.Model)
	}
	if f.From != nil {
		q = q.Where("at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("at < ?", *f.To)
	}

	var totals TokenTotals
	if err := q.Select(
		"COUNT(*) AS count, " +
			"COALESCE(SUM(input_tokens), 0) AS input_tokens, " +
			"COALESCE(SUM(output_tokens), 0) AS output_tokens, " +
			"COALESCE(SUM(cache_read_input_tokens), 0) AS cache_read_input_tokens, " +
			"COALESCE(SUM(cache_creation_input_tokens), 0) AS cache_creation_input_tokens, " +
			"COALESCE(SUM(total_tokens), 0) AS total_tokens").
		Scan(&totals).Error; err != nil {
		return TokenTotals{}, fmt.Errorf("usage: rollup: %w", err)
	}
	return totals, nil
}
