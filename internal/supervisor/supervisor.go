// Package supervisor implements the restart-intensity collaborator consulted
// by scheduler exit propagation (spec §4.5 step 1: "If the block has both a
// supervisor handle and a valid parent identifier, the supervisor is
// notified of the exit (reason, code) before any other propagation occurs...
// Supervisor policy itself (restart strategies, intensity limits) is
// specified only at the interface boundary to the core").
//
// Restart-storm capping mirrors Erlang's max_restarts/max_seconds intensity:
// a sony/gobreaker CircuitBreaker counts crashes per supervised child inside
// a rolling window. While the breaker is closed a crash is simply restarted;
// once it trips, the supervisor stops restarting that child and escalates by
// crashing itself, letting its own supervisor (if any) decide what happens
// next — the same cascade spec §4.5 step 2 already does for ordinary links.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kelpline/blockrt/internal/block"
)

// Spawner is the narrow scheduler surface a Supervisor needs to restart a
// child and to crash itself when its own intensity limit trips.
type Spawner interface {
	SpawnChild(bc *block.Bytecode, name string, caps block.CapSet, limits block.Limits, parent, supervisor block.Pid) (block.Pid, error)
	Kill(pid block.Pid)
}

// ChildSpec is everything needed to restart a crashed child in the same
// shape it was originally spawned (spec §4.5 step 1's restart path).
type ChildSpec struct {
	Bytecode *block.Bytecode
	Name     string
	Caps     block.CapSet
	Limits   block.Limits
}

// Policy configures the restart-intensity window (spec §6 configuration
// defaults table's restart-intensity pair, generalized from a single
// max_blocks knob to the supervisor's own tunables).
type Policy struct {
	MaxRestarts int           // restarts allowed inside Period before tripping.
	Period      time.Duration // rolling window gobreaker evaluates MaxRestarts over.
	OpenFor     time.Duration // how long the breaker stays open once tripped.
}

// DefaultPolicy allows 3 restarts inside 5 seconds before giving up, the
// Erlang one_for_one textbook default.
func DefaultPolicy() Policy {
	return Policy{MaxRestarts: 3, Period: 5 * time.Second, OpenFor: 10 * time.Second}
}

// Supervisor is a single supervisor block's restart policy, keyed by its own
// pid (spec §4.5 step 1: "the supervisor is itself a block").
type Supervisor struct {
	pid      block.Pid
	sched    Spawner
	policy   Policy
	onEscalate func(block.Pid)

	mu       sync.Mutex
	breakers map[block.Pid]*gobreaker.CircuitBreaker
	specs    map[block.Pid]ChildSpec
}

// New builds a Supervisor for the block identified by pid. onEscalate is
// invoked (in addition to the supervisor crashing itself) once any child's
// breaker trips, letting the caller log or trace the escalation; it may be
// nil.
func New(pid block.Pid, sched Spawner, policy Policy, onEscalate func(block.Pid)) *Supervisor {
	return &Supervisor{
		pid:        pid,
		sched:      sched,
		policy:     policy,
		onEscalate: onEscalate,
		breakers:   make(map[block.Pid]*gobreaker.CircuitBreaker),
		specs:      make(map[block.Pid]ChildSpec),
	}
}

// Supervise registers spec as the restart template for childPid, so that a
// future NotifyExit for childPid (or its restarted replacement) knows how to
// respawn it.
func (s *Supervisor) Supervise(childPid block.Pid, spec ChildSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[childPid] = spec
	s.breakers[childPid] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("supervisor-%d-child-%d", s.pid, childPid),
		MaxRequests: 1,
		Interval:    s.policy.Period,
		Timeout:     s.policy.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(s.policy.MaxRestarts)
		},
	})
}

// NotifyExit implements scheduler.Supervisor (spec §4.5 step 1). A normal
// exit is not restarted — only a crash is, matching Erlang's one_for_one
// default of restarting on abnormal termination alone.
func (s *Supervisor) NotifyExit(supervisorPid, childPid block.Pid, reason block.ExitReason, code int, msg string) {
	if supervisorPid != s.pid || reason != block.ExitCrash {
		return
	}

	s.mu.Lock()
	spec, ok := s.specs[childPid]
	cb := s.breakers[childPid]
	s.mu.Unlock()
	if !ok || cb == nil {
		return
	}

	// Each crash is recorded as one breaker failure; once ReadyToTrip has
	// fired, the next crash finds the breaker open and is not restarted.
	crashed := fmt.Errorf("child %d crashed", childPid)
	_, err := cb.Execute(func() (any, error) { return nil, crashed })
	if err == crashed {
		newPid, spawnErr := s.sched.SpawnChild(spec.Bytecode, spec.Name, spec.Caps, spec.Limits, s.pid, s.pid)
		if spawnErr == nil {
			s.mu.Lock()
			delete(s.specs, childPid)
			s.specs[newPid] = spec
			s.breakers[newPid] = cb
			s.mu.Unlock()
			return
		}
	}

	// Either the respawn itself failed, or the breaker was already open
	// (gobreaker.ErrOpenState): either way intensity is exceeded, so this
	// supervisor escalates by crashing itself (spec §4.5's cascade applies
	// from there exactly as it would for any other linked block).
	if s.onEscalate != nil {
		s.onEscalate(childPid)
	}
	s.sched.Kill(s.pid)
}
