package scheduler

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const inflightShards = 32

// InFlight counts outstanding probes per address. Counters are sharded by
// address hash so ticks for different targets rarely share a lock.
type InFlight struct {
	shards [inflightShards]inflightShard
}

type inflightShard struct {
	mu     sync.Mutex
	counts map[string]*atomic.Int32
}

// NewInFlight creates an empty counter set.
func NewInFlight() *InFlight {
	f := &InFlight{}
	for i := range f.shards {
		f.shards[i].counts = make(map[string]*atomic.Int32)
	}
	return f
}

func (f *InFlight) shard(address string) *inflightShard {
	h := fnv.New32a()
	h.Write([]byte(address))
	return &f.shards[h.Sum32()%inflightShards]
}

func (f *InFlight) counter(address string) *atomic.Int32 {
	sh := f.shard(address)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c, ok := sh.counts[address]
	if !ok {
		c = &atomic.Int32{}
		sh.counts[address] = c
	}
	return c
}

// TryAcquire takes a slot for address unless limit slots are already
// taken. The returned release func gives the slot back; calling it more
// than once has no further effect.
func (f *InFlight) TryAcquire(address string, limit int) (release func(), ok bool) {
	c := f.counter(address)
	for {
		n := c.Load()
		if int(n) >= limit {
			return nil, false
		}
		if c.CompareAndSwap(n, n+1) {
			break
		}
	}

	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		for {
			n := c.Load()
			if n <= 0 || c.CompareAndSwap(n, n-1) {
				return
			}
		}
	}, true
}

// Count returns the number of outstanding probes for address.
func (f *InFlight) Count(address string) int {
	sh := f.shard(address)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c, ok := sh.counts[address]; ok {
		return int(c.Load())
	}
	return 0
}

// Total returns the number of outstanding probes across all addresses.
func (f *InFlight) Total() int {
	total := 0
	for i := range f.shards {
		sh := &f.shards[i]
		sh.mu.Lock()
		for _, c := range sh.counts {
			total += int(c.Load())
		}
		sh.mu.Unlock()
	}
	return total
}

// Prune drops idle counters for addresses not in keep and returns how many
// were dropped.
func (f *InFlight) Prune(keep map[string]struct{}) int {
	pruned := 0
	for i := range f.shards {
		sh := &f.shards[i]
		sh.mu.Lock()
		for addr, c := range sh.counts {
			if _, ok := keep[addr]; ok {
				continue
			}
			if c.Load() == 0 {
				delete(sh.counts, addr)
				pruned++
			}
		}
		sh.mu.Unlock()
	}
	return pruned
}
