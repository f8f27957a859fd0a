package writer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/wsrpc/internal/jsonrpc"
	"github.com/rickgao/wsrpc/internal/metrics"
)

const insertNotification = `
	INSERT INTO rpc_notifications (session_id, subscription_id, method, result, received_at)
	VALUES ($1, $2, $3, $4, $5)
`

// Source yields subscription pushes. A nil push with an error ends the
// stream.
type Source interface {
	NextMessage(ctx context.Context) (*jsonrpc.Notification, error)
	SessionID() string
}

// DB sends a batch of statements.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds writer configuration.
type Config struct {
	BatchSize         int           // Rows per insert batch (default 1000)
	FlushInterval     time.Duration // Max time a row waits before being flushed (default 1s)
	FinalFlushTimeout time.Duration // Bound on the flush after Stop's context expired (default 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:         1000,
		FlushInterval:     time.Second,
		FinalFlushTimeout: 10 * time.Second,
	}
}

// Stats contains writer counters.
type Stats struct {
	Received int64
	Inserts  int64
	Flushes  int64
	Errors   int64
}

type notificationRow struct {
	SessionID      string
	SubscriptionID string
	Method         string
	Result         json.RawMessage
	ReceivedAt     time.Time
}

// NotificationWriter consumes pushes from a Source and writes them to the
// rpc_notifications table.
type NotificationWriter struct {
	cfg     Config
	source  Source
	db      DB
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// Batching
	batch   []notificationRow
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	errMu sync.Mutex
	err   error

	stats Stats
}

// NewNotificationWriter creates a NotificationWriter.
func NewNotificationWriter(cfg Config, source Source, db DB, m *metrics.Metrics, logger *slog.Logger) *NotificationWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.FinalFlushTimeout <= 0 {
		cfg.FinalFlushTimeout = DefaultConfig().FinalFlushTimeout
	}
	return &NotificationWriter{
		cfg:     cfg,
		source:  source,
		db:      db,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		batch:   make([]notificationRow, 0, cfg.BatchSize),
		done:    make(chan struct{}),
	}
}

// Start begins consuming pushes and writing them to the database.
func (w *NotificationWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()
	go func() {
		w.wg.Wait()
		close(w.done)
	}()

	w.logger.Info("notification writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Done is closed once the writer has stopped, either through Stop or because
// the source ended.
func (w *NotificationWriter) Done() <-chan struct{} {
	return w.done
}

// Err returns the error that ended the source, if any.
func (w *NotificationWriter) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Stop shuts down the writer and flushes what is buffered.
func (w *NotificationWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping notification writer")

	if w.cancel != nil {
		w.cancel()
	}

	select {
	case <-w.done:
		w.logger.Info("notification writer stopped")
	case <-ctx.Done():
		w.logger.Warn("notification writer stop timed out")
	}

	// Final flush outlives the cancelled writer context.
	w.flushWith(ctx)
	return nil
}

// Stats returns current counters.
func (w *NotificationWriter) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop reads pushes until the source ends or the writer stops.
func (w *NotificationWriter) consumeLoop() {
	defer w.wg.Done()
	// The flush loop has nothing left to wait for.
	defer w.cancel()

	for {
		n, err := w.source.NextMessage(w.ctx)
		if n == nil {
			if w.ctx.Err() == nil {
				w.errMu.Lock()
				w.err = err
				w.errMu.Unlock()
				w.logger.Info("notification stream ended", "error", err)
			}
			return
		}
		if err != nil {
			w.logger.Warn("storing unformatted push", "subscription", n.Subscription, "error", err)
		}
		w.Add(w.source.SessionID(), n)
	}
}

// flushLoop periodically flushes the batch.
func (w *NotificationWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushWith(w.ctx)
		}
	}
}

// Add queues a push for insertion and flushes when the batch is full.
func (w *NotificationWriter) Add(sessionID string, n *jsonrpc.Notification) {
	row := w.transform(sessionID, n)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	w.stats.Received++
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flushWith(w.ctx)
	}
}

// transform converts a push to a row.
func (w *NotificationWriter) transform(sessionID string, n *jsonrpc.Notification) notificationRow {
	result := n.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return notificationRow{
		SessionID:      sessionID,
		SubscriptionID: n.Subscription,
		Method:         n.Method,
		Result:         result,
		ReceivedAt:     w.now().UTC(),
	}
}

// flushWith writes the current batch to the database.
func (w *NotificationWriter) flushWith(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]notificationRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch))
	w.stats.Flushes++
	w.batchMu.Unlock()
	w.metrics.RowsStored(len(batch))

	w.logger.Debug("flushed notifications",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *NotificationWriter) batchInsert(ctx context.Context, rows []notificationRow) error {
	if ctx.Err() != nil {
		// Final flush after Stop.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalFlushTimeout)
		defer cancel()
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertNotification, r.SessionID, r.SubscriptionID, r.Method, []byte(r.Result), r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	var errs []error
	for range rows {
		if _, err := results.Exec(); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if err := results.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
