package media

import (
	"errors"
	"log/slog"
	"testing"
)

func TestProxyAllocateFIFODelayedReuse(t *testing.T) {
	proxy, err := NewProxy(19400, 19406, slog.Default()) // 3 pairs
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	first, err := proxy.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if first.Ports.RTP != 19400 {
		t.Fatalf("first allocation = %d, want 19400 (queue head)", first.Ports.RTP)
	}

	// Releasing sends the pair to the back of the queue: the next
	// allocation must come from the remaining free ports, not reuse
	// the port just freed.
	proxy.Release(first)

	second, err := proxy.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	defer proxy.Release(second)
	if second.Ports.RTP == first.Ports.RTP {
		t.Errorf("released port %d reused immediately; want delayed reuse", first.Ports.RTP)
	}
	if second.Ports.RTP != 19402 {
		t.Errorf("second allocation = %d, want 19402", second.Ports.RTP)
	}
}

func TestProxyExhaustion(t *testing.T) {
	proxy, err := NewProxy(19500, 19502, slog.Default()) // 1 pair
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	pair, err := proxy.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer proxy.Release(pair)

	if _, err := proxy.Allocate(); !errors.Is(err, ErrPortsExhausted) {
		t.Errorf("second Allocate error = %v, want ErrPortsExhausted", err)
	}
}

func TestProxyDoubleReleaseIgnored(t *testing.T) {
	proxy, err := NewProxy(19600, 19604, slog.Default()) // 2 pairs
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	pair, err := proxy.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	proxy.Release(pair)
	proxy.Release(pair) // must not enqueue the port twice

	if proxy.AllocatedCount() != 0 {
		t.Fatalf("AllocatedCount = %d, want 0", proxy.AllocatedCount())
	}

	// Both pairs plus the released one: only two distinct ports may
	// ever be handed out.
	a, err := proxy.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b, err := proxy.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer proxy.Release(a)
	defer proxy.Release(b)
	if a.Ports.RTP == b.Ports.RTP {
		t.Errorf("duplicate port %d allocated twice after double release", a.Ports.RTP)
	}
	if _, err := proxy.Allocate(); !errors.Is(err, ErrPortsExhausted) {
		t.Errorf("third Allocate error = %v, want ErrPortsExhausted", err)
	}
}
