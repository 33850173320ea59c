package websocket

import (
	"testing"
	"time"
)

func TestReconnectBackOff_DoublesUntilCap(t *testing.T) {
	b := newReconnectBackOff(time.Second, 30*time.Second)

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Second {
			t.Fatalf("step %d: expected %s, got %s", i, w*time.Second, got)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Fatalf("expected base delay after reset, got %s", got)
	}
}

func TestReconnectBackOff_MaxBelowBase(t *testing.T) {
	b := newReconnectBackOff(2*time.Second, time.Second)
	for i := 0; i < 3; i++ {
		if got := b.NextBackOff(); got != 2*time.Second {
			t.Fatalf("step %d: expected 2s, got %s", i, got)
		}
	}
}
