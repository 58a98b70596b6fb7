package timing

import (
	"testing"
	"time"
)

func TestExtraTimePoolCap(t *testing.T) {
	pool := NewExtraTimePool(10 * time.Second)

	if applied := pool.Consume(6 * time.Second); applied != 6*time.Second {
		t.Errorf("first consume applied %v, want 6s", applied)
	}
	if applied := pool.Consume(8 * time.Second); applied != 4*time.Second {
		t.Errorf("second consume applied %v, want capped 4s", applied)
	}
	if pool.Consumed() != 10*time.Second {
		t.Errorf("consumed = %v, want 10s", pool.Consumed())
	}
	if pool.Remaining() != 0 {
		t.Errorf("remaining = %v, want 0", pool.Remaining())
	}

	// Once exhausted, further draws apply nothing.
	if applied := pool.Consume(time.Second); applied != 0 {
		t.Errorf("consume on exhausted pool applied %v, want 0", applied)
	}
}

func TestExtraTimePoolConsumeNegative(t *testing.T) {
	pool := NewExtraTimePool(5 * time.Second)
	if applied := pool.Consume(-time.Second); applied != 0 {
		t.Errorf("negative consume applied %v, want 0", applied)
	}
	if pool.Consumed() != 0 {
		t.Errorf("consumed = %v, want 0", pool.Consumed())
	}
}

func TestExtraTimePoolReportTakesMax(t *testing.T) {
	pool := NewExtraTimePool(10 * time.Second)
	pool.Report(3 * time.Second)
	pool.Report(2 * time.Second) // lower report never rolls consumption back
	if pool.Consumed() != 3*time.Second {
		t.Errorf("consumed = %v, want 3s", pool.Consumed())
	}

	pool.Report(15 * time.Second) // reports are capped like draws
	if pool.Consumed() != 10*time.Second {
		t.Errorf("consumed after oversized report = %v, want 10s", pool.Consumed())
	}
}
