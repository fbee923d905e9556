// Package provision hands out the network endpoint a server is reachable on.
package provision

import (
	"context"
	"errors"
)

// ErrTransient marks a provisioning failure worth retrying.
var ErrTransient = errors.New("transient provisioning failure")

type Request struct {
	ServerID string
	OwnerID  string
	Port     int
}

type Result struct {
	IPAddress string
}

type Provisioner interface {
	Provision(ctx context.Context, req Request) (Result, error)
	Deprovision(ctx context.Context, req Request) error
}
