package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/edunexus/edunexus/internal/observability"
	"github.com/edunexus/edunexus/internal/storage"
)

const (
	DefaultBatchSize = 200
	DefaultPrefix    = "audit"

	parquetContentType = "application/vnd.apache.parquet"
)

type parquetTurn struct {
	TurnID      string `parquet:"turn_id"`
	SessionID   string `parquet:"session_id"`
	Role        string `parquet:"role"`
	Subject     string `parquet:"subject"`
	Question    string `parquet:"question"`
	Model       string `parquet:"model"`
	Code        string `parquet:"code"`
	DisplayType string `parquet:"display_type"`
	Outcome     string `parquet:"outcome"`
	ErrorKind   string `parquet:"error_kind"`
	Retried     bool   `parquet:"retried"`
	DurationMs  int64  `parquet:"duration_ms"`
	AtUnixMs    int64  `parquet:"at_unix_ms"`
}

// EncodeTurns writes entries as one Parquet file.
func EncodeTurns(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("entries are required")
	}
	rows := make([]parquetTurn, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, parquetTurn{
			TurnID:      entry.TurnID,
			SessionID:   entry.SessionID,
			Role:        entry.Role,
			Subject:     entry.Subject,
			Question:    entry.Question,
			Model:       entry.Model,
			Code:        entry.Code,
			DisplayType: entry.DisplayType,
			Outcome:     entry.Outcome,
			ErrorKind:   entry.ErrorKind,
			Retried:     entry.Retried,
			DurationMs:  entry.Duration.Milliseconds(),
			AtUnixMs:    entry.At.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetTurn](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTurns reads a Parquet file written by EncodeTurns.
func DecodeTurns(data []byte) ([]Entry, error) {
	rows, err := parquet.Read[parquetTurn](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, Entry{
			TurnID:      row.TurnID,
			SessionID:   row.SessionID,
			Role:        row.Role,
			Subject:     row.Subject,
			Question:    row.Question,
			Model:       row.Model,
			Code:        row.Code,
			DisplayType: row.DisplayType,
			Outcome:     row.Outcome,
			ErrorKind:   row.ErrorKind,
			Retried:     row.Retried,
			Duration:    time.Duration(row.DurationMs) * time.Millisecond,
			At:          time.UnixMilli(row.AtUnixMs).UTC(),
		})
	}
	return entries, nil
}

type ArchiverConfig struct {
	BatchSize int
	Prefix    string
}

// Archiver buffers entries and uploads each full batch as a Parquet object.
type Archiver struct {
	store     storage.ObjectStore
	batchSize int
	prefix    string
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	pending []Entry
}

func NewArchiver(store storage.ObjectStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:     store,
		batchSize: cfg.BatchSize,
		prefix:    cfg.Prefix,
		now:       time.Now,
		logger:    logger,
		pending:   make([]Entry, 0, cfg.BatchSize),
	}
}

func (a *Archiver) Record(ctx context.Context, entry Entry) {
	a.mu.Lock()
	a.pending = append(a.pending, entry)
	var batch []Entry
	if len(a.pending) >= a.batchSize {
		batch = a.pending
		a.pending = make([]Entry, 0, a.batchSize)
	}
	a.mu.Unlock()

	if batch == nil {
		return
	}
	if err := a.upload(ctx, batch); err != nil {
		a.logger.ErrorContext(ctx, "audit flush failed", "entries", len(batch), "error", err)
	}
}

// Flush uploads whatever is buffered.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = make([]Entry, 0, a.batchSize)
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return a.upload(ctx, batch)
}

func (a *Archiver) Close(ctx context.Context) error {
	return a.Flush(ctx)
}

// Pending is the number of buffered entries.
func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Archiver) upload(ctx context.Context, batch []Entry) (err error) {
	defer func() { observability.ObserveAuditFlush(err) }()

	data, err := EncodeTurns(batch)
	if err != nil {
		return err
	}
	key, err := storage.BuildAuditPath(a.prefix, a.now(), uuid.NewString())
	if err != nil {
		return err
	}
	if _, err := a.store.Put(ctx, key, data, parquetContentType); err != nil {
		return fmt.Errorf("upload audit batch: %w", err)
	}
	a.logger.InfoContext(ctx, "audit batch archived", "key", key, "entries", len(batch), "bytes", len(data))
	return nil
}
