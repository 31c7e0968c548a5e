package guard

import (
	"context"
	"errors"
	"sync"

	portal "github.com/chimerakang/portal-go"
	"github.com/google/uuid"
)

// ErrPending is returned by Evaluation.Result before the evaluation resolves.
var ErrPending = errors.New("portal/guard: evaluation pending")

// Evaluation is one navigation attempt's admission check. It starts Pending
// and resolves exactly once to Granted or Denied; a new navigation needs a
// new Evaluation.
type Evaluation struct {
	id   string
	done chan struct{}

	mu     sync.RWMutex
	result portal.Admission
}

// Evaluate starts an admission check in the background and returns it while
// still Pending. Callers render a neutral placeholder until Done is closed.
func (g *Guard) Evaluate(ctx context.Context, allowedRoles ...string) *Evaluation {
	e := &Evaluation{
		id:     uuid.NewString(),
		done:   make(chan struct{}),
		result: portal.Admission{Decision: portal.Pending},
	}
	roles := append([]string(nil), allowedRoles...)
	go func() {
		e.resolve(g.Admit(ctx, roles...))
	}()
	return e
}

// ID identifies the evaluation in logs.
func (e *Evaluation) ID() string { return e.id }

// Done is closed once the evaluation has resolved.
func (e *Evaluation) Done() <-chan struct{} { return e.done }

// State returns the current decision without blocking.
func (e *Evaluation) State() portal.Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result.Decision
}

// Result returns the terminal admission, or ErrPending before it resolves.
func (e *Evaluation) Result() (portal.Admission, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.result.Decision == portal.Pending {
		return e.result, ErrPending
	}
	return e.result, nil
}

// Wait blocks until the evaluation resolves or ctx is done.
func (e *Evaluation) Wait(ctx context.Context) (portal.Admission, error) {
	select {
	case <-e.done:
		return e.Result()
	case <-ctx.Done():
		return portal.Admission{Decision: portal.Pending}, ctx.Err()
	}
}

func (e *Evaluation) resolve(adm portal.Admission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result.Decision != portal.Pending {
		return
	}
	e.result = adm
	close(e.done)
}
