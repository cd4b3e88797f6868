package obs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type correlationContextKey struct{}

// Correlation identifies the scenario run, step and HTTP request a log line
// belongs to.
type Correlation struct {
	RunID     string
	Scenario  string
	Device    string
	Step      string
	StepIndex int // 1-based; zero outside a step
	StepKind  string
	RequestID string
	TraceID   string
}

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
)

// Init configures the global structured logger.
func Init() {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil {
		return
	}
	logger = newLogger(os.Stderr)
	slog.SetDefault(logger)
}

// SetOutputForTests overrides the global logger output for tests.
func SetOutputForTests(w io.Writer) func() {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w)
	slog.SetDefault(logger)
	loggerMu.Unlock()

	return func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		if prev != nil {
			logger = prev
		} else {
			logger = newLogger(os.Stderr)
		}
		slog.SetDefault(logger)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				t, ok := attr.Value.Any().(time.Time)
				if ok {
					return slog.String(slog.TimeKey, t.UTC().Format(time.RFC3339Nano))
				}
			}
			return attr
		},
	})
	return slog.New(handler)
}

func globalLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	Init()
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Pkg returns a logger tagged with package name.
func Pkg(pkg string) *slog.Logger {
	return globalLogger().With("pkg", pkg)
}

// From returns a logger with correlation fields from context.
func From(ctx context.Context) *slog.Logger {
	l := globalLogger()
	attrs := correlationAttrs(CorrelationFromContext(ctx))
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

// WithRun stores run and scenario identifiers in context.
func WithRun(ctx context.Context, runID, scenario, device string) context.Context {
	return WithCorrelation(ctx, Correlation{
		RunID:    strings.TrimSpace(runID),
		Scenario: strings.TrimSpace(scenario),
		Device:   strings.TrimSpace(device),
	})
}

// WithStep stores the current step position in context.
func WithStep(ctx context.Context, index int, name, kind string) context.Context {
	corr := CorrelationFromContext(ctx)
	corr.StepIndex = index
	corr.Step = name
	corr.StepKind = kind
	return context.WithValue(ctx, correlationContextKey{}, corr)
}

// WithCorrelation merges the non-empty fields of corr into the context.
func WithCorrelation(ctx context.Context, corr Correlation) context.Context {
	cur := CorrelationFromContext(ctx)
	cur.RunID = orElse(corr.RunID, cur.RunID)
	cur.Scenario = orElse(corr.Scenario, cur.Scenario)
	cur.Device = orElse(corr.Device, cur.Device)
	cur.Step = orElse(corr.Step, cur.Step)
	cur.StepKind = orElse(corr.StepKind, cur.StepKind)
	cur.RequestID = orElse(corr.RequestID, cur.RequestID)
	cur.TraceID = orElse(corr.TraceID, cur.TraceID)
	if corr.StepIndex != 0 {
		cur.StepIndex = corr.StepIndex
	}
	return context.WithValue(ctx, correlationContextKey{}, cur)
}

func orElse(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// CorrelationFromContext returns correlation fields from context.
func CorrelationFromContext(ctx context.Context) Correlation {
	if ctx == nil {
		return Correlation{}
	}
	corr, ok := ctx.Value(correlationContextKey{}).(Correlation)
	if !ok {
		return Correlation{}
	}
	return corr
}

func correlationAttrs(corr Correlation) []any {
	var attrs []any
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, key, value)
		}
	}
	add("run_id", corr.RunID)
	add("scenario", corr.Scenario)
	add("device", corr.Device)
	if corr.StepIndex != 0 {
		add("step", strconv.Itoa(corr.StepIndex)+":"+corr.Step)
	}
	add("step_kind", corr.StepKind)
	add("request_id", corr.RequestID)
	add("trace_id", corr.TraceID)
	return attrs
}

func newRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "req-fallback"
	}
	return "req-" + hex.EncodeToString(buf)
}
