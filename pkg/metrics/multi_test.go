package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// trackingPublisher tracks method calls for testing.
type trackingPublisher struct {
	NoopPublisher
	calls       atomic.Int32
	shouldError bool
}

func (t *trackingPublisher) PublishRegisterSuccess(_ context.Context) error {
	t.calls.Add(1)
	if t.shouldError {
		return errors.New("tracking error")
	}
	return nil
}

func (t *trackingPublisher) PublishRunnerStopped(_ context.Context, _ string) error {
	t.calls.Add(1)
	if t.shouldError {
		return errors.New("tracking error")
	}
	return nil
}

func (t *trackingPublisher) PublishHealthVerdict(_ context.Context, _ string, _ int) error {
	t.calls.Add(1)
	if t.shouldError {
		return errors.New("tracking error")
	}
	return nil
}

func (t *trackingPublisher) Close() error {
	t.calls.Add(1)
	if t.shouldError {
		return errors.New("close error")
	}
	return nil
}

func TestNewMultiPublisher(t *testing.T) {
	pub1 := &trackingPublisher{}
	pub2 := &trackingPublisher{}

	multi := NewMultiPublisher(pub1, pub2)
	if multi == nil {
		t.Fatal("NewMultiPublisher() returned nil")
	}

	pubs := multi.Publishers()
	if len(pubs) != 2 {
		t.Errorf("Publishers() = %d, want 2", len(pubs))
	}
}

func TestMultiPublisher_Add(t *testing.T) {
	multi := NewMultiPublisher()
	if len(multi.Publishers()) != 0 {
		t.Errorf("Publishers() = %d, want 0", len(multi.Publishers()))
	}

	pub := &trackingPublisher{}
	multi.Add(pub)

	if len(multi.Publishers()) != 1 {
		t.Errorf("Publishers() after Add = %d, want 1", len(multi.Publishers()))
	}
}

func TestMultiPublisher_Close(t *testing.T) {
	pub1 := &trackingPublisher{}
	pub2 := &trackingPublisher{}
	multi := NewMultiPublisher(pub1, pub2)

	err := multi.Close()
	if err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if pub1.calls.Load() != 1 {
		t.Errorf("pub1.Close() calls = %d, want 1", pub1.calls.Load())
	}
	if pub2.calls.Load() != 1 {
		t.Errorf("pub2.Close() calls = %d, want 1", pub2.calls.Load())
	}
}

func TestMultiPublisher_CloseWithErrors(t *testing.T) {
	pub1 := &trackingPublisher{shouldError: true}
	pub2 := &trackingPublisher{shouldError: true}
	multi := NewMultiPublisher(pub1, pub2)

	err := multi.Close()
	if err == nil {
		t.Error("Close() should return error when children fail")
	}
}

func TestMultiPublisher_FansOut(t *testing.T) {
	pub1 := &trackingPublisher{}
	pub2 := &trackingPublisher{}
	multi := NewMultiPublisher(pub1, pub2)
	ctx := context.Background()

	if err := multi.PublishRegisterSuccess(ctx); err != nil {
		t.Errorf("PublishRegisterSuccess() error = %v", err)
	}
	if err := multi.PublishRunnerStopped(ctx, "graceful"); err != nil {
		t.Errorf("PublishRunnerStopped() error = %v", err)
	}
	if err := multi.PublishHealthVerdict(ctx, "runner-1", VerdictHealthy); err != nil {
		t.Errorf("PublishHealthVerdict() error = %v", err)
	}

	if pub1.calls.Load() != 3 {
		t.Errorf("pub1 calls = %d, want 3", pub1.calls.Load())
	}
	if pub2.calls.Load() != 3 {
		t.Errorf("pub2 calls = %d, want 3", pub2.calls.Load())
	}
}

func TestMultiPublisher_PartialFailure(t *testing.T) {
	good := &trackingPublisher{}
	bad := &trackingPublisher{shouldError: true}
	multi := NewMultiPublisher(good, bad)

	err := multi.PublishRegisterSuccess(context.Background())
	if err == nil {
		t.Error("expected error when one backend fails")
	}
	if good.calls.Load() != 1 {
		t.Errorf("good backend calls = %d, want 1", good.calls.Load())
	}
}

func TestNoopPublisher(t *testing.T) {
	var pub NoopPublisher
	ctx := context.Background()

	if err := pub.PublishRegisterSuccess(ctx); err != nil {
		t.Errorf("PublishRegisterSuccess() error = %v", err)
	}
	if err := pub.PublishVaultOp(ctx, "load", "ok"); err != nil {
		t.Errorf("PublishVaultOp() error = %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
