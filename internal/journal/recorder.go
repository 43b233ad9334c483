package journal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errInvalidLimit    = errors.New("limit must be positive")
	noOpLogger         = zap.NewNop()
)

const (
	opRecorderNew = "journal.recorder.new"
	opRecord      = "journal.record"
	opRecent      = "journal.recent"

	defaultBufferSize = 256
	// MaxRecentLimit bounds a single Recent query.
	MaxRecentLimit = 500
)

// ServiceError carries an operation-scoped code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type RecorderConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Logger     *zap.Logger
	BufferSize int
}

// Recorder appends journal entries off the caller's goroutine. Record never
// blocks; entries that do not fit in the buffer are dropped.
type Recorder struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	queue   chan Entry
	dropped atomic.Int64
}

func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRecorderNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Recorder{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		queue:  make(chan Entry, bufferSize),
	}, nil
}

// Record stamps and enqueues the entry, reporting false when it was dropped.
func (r *Recorder) Record(entry Entry) bool {
	entry.EntryID = 0
	entry.RecordedAtSeconds = r.clock().UTC().Unix()
	if entry.PayloadJSON == "" {
		entry.PayloadJSON = "{}"
	}
	select {
	case r.queue <- entry:
		return true
	default:
		dropped := r.dropped.Add(1)
		r.logger.Warn("journal buffer full, entry dropped",
			zap.String("kind", string(entry.Kind)),
			zap.Int64("dropped_total", dropped))
		return false
	}
}

// Dropped reports how many entries were discarded because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run persists queued entries until ctx is done, then flushes what is left.
// Inserts never see the cancellation, so an entry taken off the queue is
// always written.
func (r *Recorder) Run(ctx context.Context) {
	writeCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			r.flush(writeCtx)
			return
		}
		select {
		case entry := <-r.queue:
			r.persist(writeCtx, entry)
		case <-ctx.Done():
			r.flush(writeCtx)
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	for {
		select {
		case entry := <-r.queue:
			r.persist(ctx, entry)
		default:
			return
		}
	}
}

func (r *Recorder) persist(ctx context.Context, entry Entry) {
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.logError(opRecord, "insert_failed", err,
			zap.String("kind", string(entry.Kind)),
			zap.String("connection_id", entry.ConnectionID))
	}
}

// Recent returns up to limit entries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, newServiceError(opRecent, "invalid_limit", errInvalidLimit)
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	var entries []Entry
	if err := r.db.WithContext(ctx).
		Order("entry_id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		r.logError(opRecent, "query_failed", err)
		return nil, newServiceError(opRecent, "query_failed", err)
	}
	return entries, nil
}

func (r *Recorder) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("journal error", attrs...)
}
