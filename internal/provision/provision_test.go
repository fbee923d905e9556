package provision

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/craftnest/control-plane/internal/metrics"
)

func TestSimulated_ReturnsPlaceholderAddress(t *testing.T) {
	p := NewSimulated("")
	res, err := p.Provision(context.Background(), Request{ServerID: "srv_1", OwnerID: "usr_1", Port: 25565})
	if err != nil {
		t.Fatalf("Provision returned err: %v", err)
	}
	if res.IPAddress != DefaultPlaceholderAddress {
		t.Fatalf("expected %s, got %s", DefaultPlaceholderAddress, res.IPAddress)
	}

	if _, err := p.Provision(context.Background(), Request{ServerID: "srv_1"}); err == nil {
		t.Fatalf("expected error for a request without a port")
	}
}

type flakyProvisioner struct {
	failures int
	err      error
	calls    int
}

func (f *flakyProvisioner) Provision(_ context.Context, _ Request) (Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return Result{}, f.err
	}
	return Result{IPAddress: "10.0.0.7"}, nil
}

func (f *flakyProvisioner) Deprovision(_ context.Context, _ Request) error {
	return nil
}

func fastRetry(next Provisioner) *Retrying {
	return WithRetry(next, RetryOptions{Provider: "test", MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
}

func TestRetrying_RecoversFromTransientFailures(t *testing.T) {
	metrics.ResetDefaultForTest()
	next := &flakyProvisioner{failures: 2, err: fmt.Errorf("slot busy: %w", ErrTransient)}

	res, err := fastRetry(next).Provision(context.Background(), Request{ServerID: "srv_1", Port: 25565})
	if err != nil {
		t.Fatalf("Provision returned err: %v", err)
	}
	if res.IPAddress != "10.0.0.7" || next.calls != 3 {
		t.Fatalf("unexpected result %+v after %d calls", res, next.calls)
	}
	if got := metrics.Default().CounterValue(metrics.ProvisionTotal, map[string]string{"provider": "test", "op": "provision", "status": "ok"}); got != 1 {
		t.Fatalf("expected one ok sample, got %d", got)
	}
}

func TestRetrying_StopsOnPermanentFailure(t *testing.T) {
	metrics.ResetDefaultForTest()
	boom := errors.New("boom")
	next := &flakyProvisioner{failures: 5, err: boom}

	_, err := fastRetry(next).Provision(context.Background(), Request{ServerID: "srv_1", Port: 25565})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", next.calls)
	}
}

func TestRetrying_ExhaustsAttempts(t *testing.T) {
	metrics.ResetDefaultForTest()
	next := &flakyProvisioner{failures: 10, err: ErrTransient}

	_, err := fastRetry(next).Provision(context.Background(), Request{ServerID: "srv_1", Port: 25565})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if next.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", next.calls)
	}
	if got := metrics.Default().CounterValue(metrics.ProvisionTotal, map[string]string{"provider": "test", "op": "provision", "status": "exhausted"}); got != 1 {
		t.Fatalf("expected one exhausted sample, got %d", got)
	}
}

func TestWithJitterStaysInRange(t *testing.T) {
	for range 100 {
		d := withJitter(100 * time.Millisecond)
		if d < 10*time.Millisecond || d >= 100*time.Millisecond {
			t.Fatalf("jitter out of range: %s", d)
		}
	}
}
