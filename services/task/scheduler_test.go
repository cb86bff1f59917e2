package task

import (
	"context"
	"testing"
	"time"
)

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	s := &Scheduler{tick: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler goroutine did not exit after cancel")
	}
}
