package core

import "hash/fnv"

// shardCount is the size of the per-name mailbox pool. Every record name
// hashes to exactly one shard, and all Transition/Gate-adjacent mutation for
// that name happens on that shard's single goroutine, giving the
// single-writer-per-record discipline of spec.md §5 without a global lock.
const shardCount = 32

type shard struct {
	jobs        chan func()
	transitions map[string]*Transition // only ever touched from run()'s goroutine
}

func newShard(queueDepth int) *shard {
	s := &shard{jobs: make(chan func(), queueDepth)}
	go s.run()
	return s
}

func (s *shard) run() {
	for fn := range s.jobs {
		fn()
	}
}

func (s *shard) enqueue(fn func()) {
	s.jobs <- fn
}

// shardFor deterministically maps a record name onto one of shardCount
// shards.
func shardFor(shards []*shard, name string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return shards[h.Sum32()%uint32(len(shards))]
}
