// Package health serves liveness and readiness probes backed by periodic
// dependency checks.
//
// A check flips to unhealthy after FailureThreshold consecutive failures and
// back to healthy after one success.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"go.uber.org/zap"
)

// CheckFunc returns nil when the checked dependency is usable.
type CheckFunc func(ctx context.Context) error

// Kind selects the probe a check contributes to.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

// Check describes one registered check.
type Check struct {
	Name    string
	Kind    Kind
	Timeout time.Duration
	Func    CheckFunc
	// FailureThreshold defaults to 3.
	FailureThreshold int
}

type state struct {
	Check

	healthy atomic.Bool
	lastErr atomic.Pointer[string]
	// fails is touched only by the goroutine running the check.
	fails int
}

func (s *state) run(ctx context.Context, lg *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	err := s.Func(ctx)
	if err == nil {
		s.fails = 0
		s.lastErr.Store(nil)
		if !s.healthy.Swap(true) {
			lg.Info("Health check recovered", zap.String("check", s.Name))
		}
		return
	}

	msg := err.Error()
	s.lastErr.Store(&msg)
	s.fails++
	if s.fails >= s.FailureThreshold && s.healthy.Swap(false) {
		lg.Warn("Health check failing", zap.String("check", s.Name), zap.Error(err))
	}
}

// Service runs checks and serves their aggregated status.
type Service struct {
	lg    *zap.Logger
	ready atomic.Bool

	mu     sync.Mutex
	checks []*state
	cancel context.CancelFunc
}

// New creates a Service. It reports not ready until SetReady(true).
func New(lg *zap.Logger) *Service {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Service{lg: lg}
}

// Add registers a check. Checks start healthy.
func (s *Service) Add(c Check) {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	st := &state{Check: c}
	st.healthy.Store(true)

	s.mu.Lock()
	s.checks = append(s.checks, st)
	s.mu.Unlock()
}

// Start runs every check now and then every interval until Stop or ctx is
// done.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	checks := append([]*state(nil), s.checks...)
	s.mu.Unlock()

	for _, c := range checks {
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				c.run(ctx, s.lg)
				select {
				case <-ctx.Done():
					return
				case <-t.C:
				}
			}
		}()
	}
}

// Stop halts the background checks. It is safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// SetReady toggles the manual readiness gate, used to drain on shutdown.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Ready reports whether the gate is open and every readiness check passes.
func (s *Service) Ready() bool {
	return s.ready.Load() && len(s.failures(Readiness)) == 0
}

func (s *Service) failures(kind Kind) map[string]string {
	s.mu.Lock()
	checks := append([]*state(nil), s.checks...)
	s.mu.Unlock()

	out := make(map[string]string)
	for _, c := range checks {
		if c.Kind != kind || c.healthy.Load() {
			continue
		}
		msg := "unhealthy"
		if p := c.lastErr.Load(); p != nil {
			msg = *p
		}
		out[c.Name] = msg
	}
	return out
}

// LiveEndpoint serves /livez.
func (s *Service) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, s.failures(Liveness))
}

// ReadyEndpoint serves /readyz.
func (s *Service) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := s.failures(Readiness)
	if !s.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	writeStatus(w, failures)
}

// writeStatus writes {"status":"ok"} or {"status":"unhealthy","checks":{...}}.
func writeStatus(w http.ResponseWriter, failures map[string]string) {
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		if len(names) == 0 {
			e.Field("status", func(e *jx.Encoder) { e.Str("ok") })
			return
		}
		e.Field("status", func(e *jx.Encoder) { e.Str("unhealthy") })
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, name := range names {
					e.Field(name, func(e *jx.Encoder) { e.Str(failures[name]) })
				}
			})
		})
	})

	status := http.StatusOK
	if len(names) > 0 {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
