package provision

import (
	"context"
	"fmt"
)

const DefaultPlaceholderAddress = "127.0.0.1"

// Simulated stands in for real infrastructure: every server is reported as reachable on
// the same placeholder address.
type Simulated struct {
	address string
}

func NewSimulated(address string) *Simulated {
	if address == "" {
		address = DefaultPlaceholderAddress
	}
	return &Simulated{address: address}
}

func (s *Simulated) Provision(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if req.ServerID == "" || req.Port <= 0 {
		return Result{}, fmt.Errorf("provision: incomplete request for server %q port %d", req.ServerID, req.Port)
	}
	return Result{IPAddress: s.address}, nil
}

func (s *Simulated) Deprovision(_ context.Context, _ Request) error {
	return nil
}
