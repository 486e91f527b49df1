package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutex_MutualExclusion(t *testing.T) {
	var m ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("same-key")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Fatalf("expected counter 100, got %d", counter)
	}
}

func TestShardedMutex_UnlockAllowsReacquire(t *testing.T) {
	var m ShardedMutex

	unlock := m.Lock("key")
	unlock()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("key")
		unlock()
		close(done)
	}()
	<-done
}
