package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pinme/tacho-gateway/internal/core"
	"github.com/pinme/tacho-gateway/internal/lease"
	"github.com/pinme/tacho-gateway/internal/logging"
	"github.com/pinme/tacho-gateway/internal/metrics"
)

// Status describes one running engine.
type Status struct {
	Reader  string    `json:"reader"`
	ICC     string    `json:"icc"`
	State   State     `json:"state"`
	Started time.Time `json:"started"`
}

type run struct {
	engine  *Engine
	cancel  context.CancelFunc
	started time.Time
}

// Supervisor keeps at most one engine per reader. Sync is called after
// every scan; engines that end are not restarted until the next Sync.
type Supervisor struct {
	cfg       Config
	transport core.Transport
	leases    *lease.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*run
}

func NewSupervisor(cfg Config, transport core.Transport, leases *lease.Manager) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:       cfg,
		transport: transport,
		leases:    leases,
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[string]*run),
	}
}

// Sync starts an engine for every reader holding a card with a known ICC
// and stops engines whose reader no longer holds the ICC they relay.
func (s *Supervisor) Sync(readers []core.ReaderInfo) {
	if s.ctx.Err() != nil {
		return
	}

	want := make(map[string]string, len(readers))
	for _, info := range readers {
		if info.HasCard && info.ICC != "" {
			want[info.Name] = info.ICC
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for reader, r := range s.running {
		if icc, ok := want[reader]; !ok || icc != r.engine.ICC() {
			logging.Info(logging.CatRelay, "Card gone, stopping relay", map[string]any{
				"reader": reader,
				"icc":    r.engine.ICC(),
			})
			r.cancel()
		}
	}

	for reader, icc := range want {
		if _, ok := s.running[reader]; ok {
			continue
		}
		s.start(reader, icc)
	}
	metrics.SetRelaysActive(len(s.running))
}

// start must be called with s.mu held.
func (s *Supervisor) start(reader, icc string) {
	ctx, cancel := context.WithCancel(s.ctx)
	r := &run{
		engine:  NewEngine(s.cfg, s.transport, s.leases, reader, icc),
		cancel:  cancel,
		started: time.Now(),
	}
	s.running[reader] = r

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(reader, r)
		defer logging.RecoverAndLog("relay "+reader, false)

		outcome, err := r.engine.Run(ctx)
		data := map[string]any{
			"reader":   reader,
			"icc":      icc,
			"outcome":  string(outcome),
			"duration": time.Since(r.started).String(),
		}
		if err != nil {
			data["error"] = err.Error()
		}

		switch outcome {
		case OutcomeNoWork, OutcomeIdle, OutcomePeerClosed, OutcomeCancelled:
			logging.Debug(logging.CatRelay, "Relay run ended", data)
		case OutcomeDialFailed, OutcomeCardBusy, OutcomeTimeout:
			logging.Warn(logging.CatRelay, "Relay run ended", data)
		default:
			logging.Error(logging.CatRelay, "Relay run failed", data)
		}
	}()
}

func (s *Supervisor) finish(reader string, r *run) {
	r.cancel()
	s.mu.Lock()
	if s.running[reader] == r {
		delete(s.running, reader)
	}
	n := len(s.running)
	s.mu.Unlock()
	metrics.SetRelaysActive(n)
}

// Active lists running engines ordered by reader.
func (s *Supervisor) Active() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.running))
	for reader, r := range s.running {
		out = append(out, Status{
			Reader:  reader,
			ICC:     r.engine.ICC(),
			State:   r.engine.State(),
			Started: r.started,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Reader < out[j].Reader })
	return out
}

// Stop cancels every engine and waits for them to return.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}
