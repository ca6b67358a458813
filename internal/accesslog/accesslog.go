// Package accesslog writes one JSON line per proxied request without ever
// blocking the request path.
package accesslog

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabian4/lfs-gateway/internal/metrics"
)

// Unmatched is the rule name logged for requests no rule matched.
const Unmatched = "unmatched"

// DefaultBuffer is the queue length used when Options.Buffer is unset.
const DefaultBuffer = 1024

type Entry struct {
	Time         time.Time `json:"time"`
	Rule         string    `json:"rule"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Cluster      string    `json:"cluster,omitempty"`
	Upstream     string    `json:"upstream,omitempty"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	Referer      string    `json:"referer"`
	BytesWritten int64     `json:"bytes_written"`
}

// Fields lists every name accepted by the field allow-list.
var Fields = []string{
	"time", "rule", "method", "path", "protocol", "cluster", "upstream", "status",
	"duration_ms", "error", "remote_ip", "user_agent", "referer", "bytes_written",
}

func (e *Entry) field(name string) (any, bool) {
	switch name {
	case "time":
		return e.Time, true
	case "rule":
		return e.Rule, true
	case "method":
		return e.Method, true
	case "path":
		return e.Path, true
	case "protocol":
		return e.Protocol, true
	case "cluster":
		return e.Cluster, true
	case "upstream":
		return e.Upstream, true
	case "status":
		return e.Status, true
	case "duration_ms":
		return e.Duration, true
	case "error":
		return e.Error, true
	case "remote_ip":
		return e.RemoteIP, true
	case "user_agent":
		return e.UserAgent, true
	case "referer":
		return e.Referer, true
	case "bytes_written":
		return e.BytesWritten, true
	}
	return nil, false
}

// ValidateFields rejects names the allow-list does not know.
func ValidateFields(fields []string) error {
	for _, f := range fields {
		var e Entry
		if _, ok := e.field(f); !ok {
			return fmt.Errorf("unknown access log field %q", f)
		}
	}
	return nil
}

type Options struct {
	// Sampling is the fraction of entries kept, in (0, 1]. Zero means 1.
	Sampling float64
	// Fields restricts the written keys; empty writes every field.
	Fields  []string
	Buffer  int
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

type settings struct {
	sampling float64
	fields   []string
}

// Logger queues entries on a bounded channel drained by one goroutine.
type Logger struct {
	out     io.Writer
	ch      chan Entry
	done    chan struct{}
	metrics *metrics.Registry
	log     *slog.Logger
	set     atomic.Pointer[settings]
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func New(out io.Writer, opts Options) *Logger {
	if out == nil {
		out = io.Discard
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Logger{
		out:     out,
		ch:      make(chan Entry, opts.Buffer),
		done:    make(chan struct{}),
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
	l.Configure(opts.Sampling, opts.Fields)
	go l.run()
	return l
}

// Configure swaps sampling and field filter; used on config reload.
func (l *Logger) Configure(sampling float64, fields []string) {
	if sampling <= 0 || sampling > 1 {
		sampling = 1
	}
	l.set.Store(&settings{sampling: sampling, fields: append([]string(nil), fields...)})
}

// Record enqueues e. A full queue drops the entry.
func (l *Logger) Record(e Entry) {
	if l == nil {
		return
	}
	if s := l.set.Load(); s.sampling < 1 && rand.Float64() >= s.sampling {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- e:
	default:
		l.dropped.Add(1)
		l.metrics.IncAccessLogDropped()
	}
}

// Dropped returns the number of entries lost to a full queue.
func (l *Logger) Dropped() uint64 { return l.dropped.Load() }

// Close stops accepting entries and waits until the queue is written out.
func (l *Logger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	enc := json.NewEncoder(l.out)
	for e := range l.ch {
		if err := enc.Encode(l.render(&e)); err != nil {
			l.log.Warn("access log write failed", "error", err)
		}
	}
}

func (l *Logger) render(e *Entry) any {
	s := l.set.Load()
	if len(s.fields) == 0 {
		return e
	}
	m := make(map[string]any, len(s.fields))
	for _, f := range s.fields {
		if v, ok := e.field(f); ok {
			m[f] = v
		}
	}
	return m
}

// Open returns the access log destination: stdout for "" or "-", else the
// file at path opened for append.
func Open(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open access log: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
