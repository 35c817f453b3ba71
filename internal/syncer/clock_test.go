package syncer

import "testing"

func TestNewClock(t *testing.T) {
	for _, tc := range []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{ClockWall, false},
		{ClockHybrid, false},
		{"lamport", true},
	} {
		_, err := NewClock(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("NewClock(%q) err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestHybridClock_NeverGoesBackwards(t *testing.T) {
	wall := int64(1000)
	c := NewHybridClock(func() int64 { return wall })

	if got := c.Now(); got != 1000 {
		t.Fatalf("Now = %d, want 1000", got)
	}
	if got := c.Now(); got != 1001 {
		t.Fatalf("Now at same wall time = %d, want 1001", got)
	}
	wall = 900
	if got := c.Now(); got != 1002 {
		t.Fatalf("Now after wall went back = %d, want 1002", got)
	}
	wall = 5000
	if got := c.Now(); got != 5000 {
		t.Fatalf("Now = %d, want 5000", got)
	}
}

func TestHybridClock_ObserveMovesPastRemote(t *testing.T) {
	c := NewHybridClock(func() int64 { return 1000 })
	c.Observe(9000)
	if got := c.Now(); got != 9001 {
		t.Fatalf("Now after observing 9000 = %d, want 9001", got)
	}
	c.Observe(10)
	if got := c.Now(); got != 9002 {
		t.Fatalf("Now = %d, want 9002", got)
	}
}

func TestWallClock(t *testing.T) {
	var c WallClock
	a := c.Now()
	c.Observe(a + 1_000_000)
	if b := c.Now(); b < a || b > a+1_000_000 {
		t.Fatalf("wall clock affected by Observe: %d then %d", a, b)
	}
}
