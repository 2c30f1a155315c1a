package iiosim

import (
	"math"
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestCounterConcurrentIncrements(t *testing.T) {
	const workers, perWorker = 8, 1000

	var c counter
	seen := make([][]uint32, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seen[w] = append(seen[w], c.ReadAndIncrement())
			}
		}(w)
	}
	wg.Wait()

	test.That(t, c.Read(), test.ShouldEqual, uint32(workers*perWorker))
	unique := map[uint32]struct{}{}
	for _, vals := range seen {
		for i, v := range vals {
			if i > 0 {
				test.That(t, v, test.ShouldBeGreaterThan, vals[i-1])
			}
			unique[v] = struct{}{}
		}
	}
	test.That(t, unique, test.ShouldHaveLength, workers*perWorker)
}

func TestCounterWraps(t *testing.T) {
	c := counter{val: math.MaxUint32}
	test.That(t, c.ReadAndIncrement(), test.ShouldEqual, uint32(math.MaxUint32))
	test.That(t, c.Read(), test.ShouldEqual, uint32(0))
}
