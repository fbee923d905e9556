// Package ports hands out game ports from a bounded range by random draw.
package ports

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

const (
	DefaultMin         = 25565
	DefaultMax         = 30000
	DefaultMaxAttempts = 64
)

var ErrExhaustedRange = errors.New("port range exhausted")

// ExhaustedRangeError is returned when every probe within the attempt budget hit a held port.
type ExhaustedRangeError struct {
	Min      int
	Max      int
	Attempts int
}

func (e *ExhaustedRangeError) Error() string {
	return fmt.Sprintf("no free port in [%d, %d] after %d attempts", e.Min, e.Max, e.Attempts)
}

func (e *ExhaustedRangeError) Is(target error) bool {
	return target == ErrExhaustedRange
}

// InUseFunc reports whether a live server already holds port.
type InUseFunc func(ctx context.Context, port int) (bool, error)

// DrawFunc returns a value in [0, n).
type DrawFunc func(n int) int

type Options struct {
	Min         int
	Max         int
	MaxAttempts int
	Draw        DrawFunc
}

type Allocator struct {
	min         int
	max         int
	maxAttempts int
	draw        DrawFunc
}

func New(opts Options) (*Allocator, error) {
	if opts.Min == 0 && opts.Max == 0 {
		opts.Min, opts.Max = DefaultMin, DefaultMax
	}
	if opts.Min < 1 || opts.Max > 65535 || opts.Min > opts.Max {
		return nil, fmt.Errorf("invalid port range [%d, %d]", opts.Min, opts.Max)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Draw == nil {
		opts.Draw = NewSeededDraw(0)
	}
	return &Allocator{
		min:         opts.Min,
		max:         opts.Max,
		maxAttempts: opts.MaxAttempts,
		draw:        opts.Draw,
	}, nil
}

// NewSeededDraw returns a goroutine-safe DrawFunc. A zero seed picks a random one.
func NewSeededDraw(seed uint64) DrawFunc {
	if seed == 0 {
		seed = rand.Uint64()
	}
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func(n int) int {
		mu.Lock()
		defer mu.Unlock()
		return rng.IntN(n)
	}
}

func (a *Allocator) MaxAttempts() int {
	return a.maxAttempts
}

func (a *Allocator) Range() (int, int) {
	return a.min, a.max
}

func (a *Allocator) candidate() int {
	return a.min + a.draw(a.max-a.min+1)
}

// Allocate draws candidates until inUse reports one as free. The returned port is not
// reserved; callers must still persist it with a conditional insert.
func (a *Allocator) Allocate(ctx context.Context, inUse InUseFunc) (int, error) {
	for range a.maxAttempts {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		port := a.candidate()
		used, err := inUse(ctx, port)
		if err != nil {
			return 0, fmt.Errorf("check port %d: %w", port, err)
		}
		if !used {
			return port, nil
		}
	}
	return 0, a.exhausted()
}

func (a *Allocator) exhausted() error {
	return &ExhaustedRangeError{Min: a.min, Max: a.max, Attempts: a.maxAttempts}
}

// Exhausted builds the error callers return once their own retry budget is spent.
func (a *Allocator) Exhausted() error {
	return a.exhausted()
}
