package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Shavakan/runs-local/pkg/creds"
	"github.com/Shavakan/runs-local/pkg/metrics"
)

type capturingPublisher struct {
	metrics.NoopPublisher

	ops     []string
	results []string
}

func (c *capturingPublisher) PublishVaultOp(_ context.Context, op, result string) error {
	c.ops = append(c.ops, op)
	c.results = append(c.results, result)
	return nil
}

func TestVaultOpResult(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"auth", creds.ErrAuth, "auth_error"},
		{"wrapped auth", fmt.Errorf("load failed: %w", creds.ErrAuth), "auth_error"},
		{"not found", creds.ErrNotFound, "not_found"},
		{"corrupt", creds.ErrCorrupt, "corrupt"},
		{"other", errors.New("disk on fire"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := vaultOpResult(tt.err); got != tt.want {
				t.Errorf("vaultOpResult(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestPublishVaultOp(t *testing.T) {
	pub := &capturingPublisher{}

	publishVaultOp(context.Background(), pub, "save", nil)
	publishVaultOp(context.Background(), pub, "load", creds.ErrNotFound)

	if len(pub.ops) != 2 {
		t.Fatalf("published %d ops, want 2", len(pub.ops))
	}
	if pub.ops[0] != "save" || pub.results[0] != "ok" {
		t.Errorf("first op = %s/%s, want save/ok", pub.ops[0], pub.results[0])
	}
	if pub.ops[1] != "load" || pub.results[1] != "not_found" {
		t.Errorf("second op = %s/%s, want load/not_found", pub.ops[1], pub.results[1])
	}
}

func TestVaultPublisher_NoStatsdIsNoop(t *testing.T) {
	old := cfg
	cfg = nil
	t.Cleanup(func() { cfg = old })

	if _, ok := vaultPublisher().(metrics.NoopPublisher); !ok {
		t.Error("expected a noop publisher without a statsd address")
	}
}
