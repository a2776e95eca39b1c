// Package auditlog records credential pool selections to ClickHouse for
// out-of-band usage analytics, mirroring internal/logger's non-blocking,
// batched-write shape so audit writes never sit on the select hot path.
package auditlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = 2 * time.Second
)

// Sink records one credential selection event. Implementations must not
// block the caller — keypool.Pool.Select calls RecordSelection inline.
type Sink interface {
	RecordSelection(ctx context.Context, service, hash, model string, at time.Time)
}

// NoopSink discards every event; used when CLICKHOUSE_DSN is unset.
type NoopSink struct{}

func (NoopSink) RecordSelection(context.Context, string, string, string, time.Time) {}

type selectionEvent struct {
	Service string
	Hash    string
	Model   string
	At      time.Time
}

// ClickHouseSink buffers selection events and flushes them in batches on a
// background goroutine.
type ClickHouseSink struct {
	conn clickhouse.Conn

	ch        chan selectionEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	log *slog.Logger
}

// NewClickHouseSink dials dsn and starts the background writer. The table
// is expected to already exist (credential_selections, see schema below);
// this sink never issues DDL.
//
//	CREATE TABLE credential_selections (
//	    service String,
//	    credential_hash String,
//	    model String,
//	    selected_at DateTime64(3)
//	) ENGINE = MergeTree ORDER BY (service, selected_at)
func NewClickHouseSink(ctx context.Context, dsn string, log *slog.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}

	s := &ClickHouseSink{
		conn: conn,
		ch:   make(chan selectionEvent, channelBuffer),
		done: make(chan struct{}),
		log:  log,
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

// RecordSelection enqueues an event; if the buffer is full the event is
// dropped and counted, never blocking the caller.
func (s *ClickHouseSink) RecordSelection(_ context.Context, service, hash, model string, at time.Time) {
	select {
	case s.ch <- selectionEvent{Service: service, Hash: hash, Model: model, At: at}:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped returns the number of events discarded due to a full buffer.
func (s *ClickHouseSink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close stops the background writer, flushing whatever remains buffered.
func (s *ClickHouseSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.conn.Close()
}

func (s *ClickHouseSink) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]selectionEvent, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.write(ctx, batch); err != nil && s.log != nil {
			s.log.Warn("auditlog: clickhouse write failed", slog.Any("err", err), slog.Int("batch_size", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ClickHouseSink) write(ctx context.Context, batch []selectionEvent) error {
	batchTx, err := s.conn.PrepareBatch(ctx, "INSERT INTO credential_selections")
	if err != nil {
		return err
	}
	for _, ev := range batch {
		if err := batchTx.Append(ev.Service, ev.Hash, ev.Model, ev.At); err != nil {
			return err
		}
	}
	return batchTx.Send()
}
