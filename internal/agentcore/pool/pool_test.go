package pool

import (
	"fmt"
	"testing"
	"time"
)

func TestMaxConnectionsCap(t *testing.T) {
	p := New(Config{MaxConnections: 2}, nil)

	for i := 0; i < 2; i++ {
		if _, ok := p.Admit(fmt.Sprintf("c%d", i), nil); !ok {
			t.Fatalf("admission %d should have succeeded", i)
		}
	}

	if _, ok := p.Admit("c2", nil); ok {
		t.Fatalf("3rd admission over a cap of 2 should be refused")
	}

	if got := p.Metrics().FailedConnections; got != 1 {
		t.Errorf("FailedConnections = %d, want 1", got)
	}
}

func TestRollingRateLimit(t *testing.T) {
	p := New(Config{MaxConnections: 1000}, nil)

	for i := 0; i < admissionRateLimit; i++ {
		if _, ok := p.Admit(fmt.Sprintf("r%d", i), nil); !ok {
			t.Fatalf("admission %d within the rate limit should have succeeded", i)
		}
	}

	if _, ok := p.Admit("r-overflow", nil); ok {
		t.Fatalf("11th admission within the rolling window should be refused")
	}
}

func TestMetricsTracksConnectionsPerSecondAndAvgDuration(t *testing.T) {
	p := New(Config{MaxConnections: 10}, nil)

	c, ok := p.Admit("a", nil)
	if !ok {
		t.Fatalf("admit should succeed")
	}
	if got := p.Metrics().ConnectionsPerSecond; got <= 0 {
		t.Errorf("ConnectionsPerSecond = %v, want > 0 right after an admission", got)
	}

	c.CreatedAt = c.CreatedAt.Add(-5 * time.Second)
	p.Remove("a")

	m := p.Metrics()
	if m.AvgConnectionDuration < 5*time.Second {
		t.Errorf("AvgConnectionDuration = %v, want >= 5s", m.AvgConnectionDuration)
	}
}

func TestOnPongMarksConnectionAlive(t *testing.T) {
	p := New(Config{MaxConnections: 10}, nil)
	c, _ := p.Admit("a", nil)
	c.markAlive(false)
	if err := c.OnPong(); err != nil {
		t.Fatalf("OnPong: %v", err)
	}
	if !c.isAlive() {
		t.Errorf("OnPong should mark the connection alive")
	}
}

func TestRemoveFreesCapacity(t *testing.T) {
	p := New(Config{MaxConnections: 1}, nil)

	if _, ok := p.Admit("a", nil); !ok {
		t.Fatalf("first admission should succeed")
	}
	if _, ok := p.Admit("b", nil); ok {
		t.Fatalf("second admission over cap of 1 should be refused")
	}

	p.Remove("a")

	if _, ok := p.Admit("b", nil); !ok {
		t.Fatalf("admission after Remove freed capacity should succeed")
	}
}
