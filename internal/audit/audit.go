// Package audit implements the async buffered audit log writer for
// Admin/Search API mutations (rule, parser, source and saved-search
// changes, rule run-now, and export creation): an
// ambient concern the store-backed admin surface needs even though the
// spec doesn't name it as its own component.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/duskwatch/siemcore/internal/store"
)

// Entry is a single audit log entry to be written.
type Entry struct {
	TenantID string
	Actor string
	Action string
	Target string
	Detail json.RawMessage
	IPAddress string
}

const (
	bufferSize = 256
	flushInterval = 2 * time.Second
	flushBatch = 32
)

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine, so a mutation
// handler never blocks on the audit write.
type Writer struct {
	store store.Store
	logger *slog.Logger
	entries chan Entry
	wg sync.WaitGroup
}

// NewWriter constructs a Writer. Call Start to begin processing entries.
func NewWriter(s store.Store, logger *slog.Logger) *Writer {
	return &Writer{store: s, logger: logger, entries: make(chan Entry, bufferSize)}
}

// Start launches the background flush loop in a goroutine and returns
// immediately; Close waits for the loop to exit.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for the background loop to drain and exit.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry without blocking the caller; if the buffer is
// full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry", "action", entry.Action, "target", entry.Target)
	}
}

// LogFromRequest extracts the tenant, actor, and client IP from a mutation
// request, then enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, tenantID, actor, action, target string, detail json.RawMessage) {
	w.Log(Entry{
		TenantID: tenantID,
		Actor: actor,
		Action: action,
		Target: target,
		Detail: detail,
		IPAddress: clientIP(r),
	})
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		err := w.store.Exec(ctx, `
			INSERT INTO admin_audit_log (tenant_id, actor, action, target, details, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, e.TenantID, e.Actor, e.Action, e.Target, []byte(e.Detail), time.Now().UTC())
		if err != nil {
			w.logger.Error("writing audit log entry", "error", err, "action", e.Action, "target", e.Target)
		}
	}
}

// clientIP extracts the client IP, preferring X-Forwarded-For and
// X-Real-IP over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr.String()
}
