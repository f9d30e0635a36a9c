package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutex_MutualExclusion(t *testing.T) {
	var m ShardedMutex

	const workers = 16
	const iterations = 200

	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				unlock := m.Lock("same-key")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	if counter != workers*iterations {
		t.Errorf("expected %d increments, got %d", workers*iterations, counter)
	}
}

func TestShardedMutex_Reentry(t *testing.T) {
	var m ShardedMutex

	unlock := m.Lock("listing-a")
	unlock()

	// Released shard is immediately acquirable again.
	unlock = m.Lock("listing-a")
	unlock()
}
