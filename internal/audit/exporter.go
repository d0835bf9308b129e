// Package audit streams committed audit events as JSON lines for an external
// SIEM collector. The grant store remains the system of record.
package audit

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/privileged-access/internal/models"
)

// Exporter writes one JSON object per audit event.
type Exporter struct {
	logger   zerolog.Logger
	closer   io.Closer
	exported atomic.Int64
}

// NewExporter writes to w. Writes are serialised.
func NewExporter(w io.Writer) *Exporter {
	return &Exporter{logger: zerolog.New(zerolog.SyncWriter(w))}
}

// Open exports to the file at path, appending. An empty path or "-" means stdout.
func Open(path string) (*Exporter, error) {
	if path == "" || path == "-" {
		return NewExporter(os.Stdout), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit export %s: %w", path, err)
	}
	e := NewExporter(f)
	e.closer = f
	return e, nil
}

// Export implements store.AuditSink.
func (e *Exporter) Export(ev models.AuditEvent) {
	line := e.logger.Log().
		Str("type", "audit").
		Str("id", ev.ID).
		Str("kind", string(ev.Kind)).
		Str("actor", ev.Actor).
		Time("created_at", ev.CreatedAt)

	if ev.GrantID != "" {
		line = line.Str("grant_id", ev.GrantID)
	}
	if ev.FromState != "" {
		line = line.Str("from_state", string(ev.FromState))
	}
	if ev.ToState != "" {
		line = line.Str("to_state", string(ev.ToState))
	}
	if ev.Role != "" {
		line = line.Str("role", ev.Role)
	}
	if ev.Principal != "" {
		line = line.Str("principal", ev.Principal)
	}
	if ev.Detail != "" {
		line = line.Str("detail", ev.Detail)
	}
	line.Send()
	e.exported.Add(1)
}

// Exported returns how many events have been written.
func (e *Exporter) Exported() int64 {
	return e.exported.Load()
}

// Close closes the underlying file, if any.
func (e *Exporter) Close() error {
	if e.closer != nil {
		return e.closer.Close()
	}
	return nil
}
