package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFixed(t *testing.T) {
	tests := []struct {
		name    string
		ok      bool
		reason  string
		wantErr string
	}{
		{"ok", true, "", ""},
		{"ok ignores reason", true, "ignored", ""},
		{"fail with reason", false, "bucket missing", "bucket missing"},
		{"fail default reason", false, "", "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Fixed(tt.ok, tt.reason).Check(t.Context())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestAll(t *testing.T) {
	called := false
	tail := CheckFunc(func(context.Context) error { called = true; return nil })

	if err := All().Check(t.Context()); err != nil {
		t.Fatalf("empty: %v", err)
	}
	if err := All(nil, Fixed(true, ""), nil).Check(t.Context()); err != nil {
		t.Fatalf("nil probes: %v", err)
	}

	err := All(Fixed(true, ""), Fixed(false, "first"), Fixed(false, "second"), tail).Check(t.Context())
	if err == nil || err.Error() != "first" {
		t.Fatalf("err = %v, want first", err)
	}
	if called {
		t.Fatal("All must short-circuit on the first failure")
	}
}

func TestAny(t *testing.T) {
	if err := Any(Fixed(false, "a"), Fixed(true, "")).Check(t.Context()); err != nil {
		t.Fatalf("one passes: %v", err)
	}
	err := Any(Fixed(false, "a"), Fixed(false, "b")).Check(t.Context())
	if err == nil || err.Error() != "b" {
		t.Fatalf("all fail: err = %v, want last", err)
	}
	if err := Any().Check(t.Context()); err == nil {
		t.Fatal("empty Any should fail")
	}
	if err := Any(nil, nil).Check(t.Context()); err == nil {
		t.Fatal("only nil probes should fail")
	}
}

func TestNamed(t *testing.T) {
	err := Named("store", Fixed(false, "access denied")).Check(t.Context())
	if err == nil || !strings.Contains(err.Error(), "store") || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("err = %v", err)
	}
	if err := Named("store", Fixed(true, "")).Check(t.Context()); err != nil {
		t.Fatalf("passing probe: %v", err)
	}
	if err := Named("store", nil).Check(t.Context()); err != nil {
		t.Fatalf("nil probe: %v", err)
	}
}

func TestTimeout(t *testing.T) {
	slow := CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := Timeout(10*time.Millisecond, slow).Check(t.Context())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if err := Timeout(time.Second, nil).Check(t.Context()); err != nil {
		t.Fatalf("nil probe: %v", err)
	}
}

func TestFresh(t *testing.T) {
	tests := []struct {
		name    string
		age     time.Duration
		wantErr bool
	}{
		{"just now", 0, false},
		{"within limit", 5 * time.Minute, false},
		{"stale", 45 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := time.Now().Add(-tt.age)
			err := Fresh("branch poll", func() time.Time { return last }, 30*time.Minute).Check(t.Context())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !strings.HasPrefix(err.Error(), "branch poll: no success for 45m") {
				t.Fatalf("err = %q", err.Error())
			}
		})
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	if err := p.Check(t.Context()); err != nil {
		t.Fatalf("initially open: %v", err)
	}

	g.Set("")
	if err := p.Check(t.Context()); err == nil || err.Error() != "draining" {
		t.Fatalf("empty reason: err = %v", err)
	}

	g.Set("sigterm")
	if err := p.Check(t.Context()); err == nil || err.Error() != "sigterm" {
		t.Fatalf("err = %v, want sigterm", err)
	}

	g.Clear()
	if err := p.Check(t.Context()); err != nil {
		t.Fatalf("after clear: %v", err)
	}
}

func TestShutdownGate_ConcurrentAccess(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				g.Set("drain")
			} else {
				g.Clear()
			}
		}()
		go func() {
			defer wg.Done()
			_ = p.Check(context.Background())
		}()
	}
	wg.Wait()
}
