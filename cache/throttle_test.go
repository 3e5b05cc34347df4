package cache

import (
	"context"
	"testing"
	"time"
)

func TestThrottlePassesSmallObjects(t *testing.T) {
	th := NewLargeObjectThrottle(1, 1000)
	release, err := th.Guard(context.Background(), 10)
	if err != nil {
		t.Fatalf("Guard: %v", err)
	}
	release()
}

func TestThrottleSerializesLargeObjects(t *testing.T) {
	th := NewLargeObjectThrottle(1, 1000)
	release1, err := th.Guard(context.Background(), 2000)
	if err != nil {
		t.Fatalf("Guard 1: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := th.Guard(ctx, 2000); err == nil {
		t.Fatalf("expected second large-object guard to block while first is held")
	}
	release1()

	release2, err := th.Guard(context.Background(), 2000)
	if err != nil {
		t.Fatalf("Guard 2 after release: %v", err)
	}
	release2()
}
