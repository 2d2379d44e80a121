// Package health aggregates subsystem checks for the readiness endpoint:
// the relational mirror, the ledger endpoint and the reconciliation sweep.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Status represents the health of a single subsystem. A failing Critical
// subsystem fails readiness; others only degrade it.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a registry whose checks each get timeout to answer.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a named health checker. Critical checkers decide readiness.
func (r *Registry) Register(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs all checkers in parallel. healthy is false only when a
// critical checker fails; statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if s.Critical && !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan Status, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Status{Detail: fmt.Sprintf("check panicked: %v", p)}
			}
		}()
		done <- nc.check(ctx)
	}()

	var s Status
	select {
	case s = <-done:
	case <-ctx.Done():
		s = Status{Detail: "check timed out"}
	}
	s.Name = nc.name
	s.Critical = nc.critical
	return s
}

// DB reports whether the mirror database answers a ping.
func DB(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		stats := db.Stats()
		return Status{Healthy: true, Detail: fmt.Sprintf("%d open, %d in use", stats.OpenConnections, stats.InUse)}
	}
}

// Func adapts a probe returning an error.
func Func(probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}
