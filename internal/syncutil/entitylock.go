// Package syncutil serializes work per entity. Operations on one listing or
// one contract run one at a time; different entities proceed in parallel,
// apart from the occasional shard collision.
package syncutil

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const shardCount = 512

var lockWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "harvestmart",
	Subsystem: "entitylock",
	Name:      "wait_seconds",
	Help:      "Time spent waiting for a per-entity lock.",
	Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
}, []string{"kind"})

func init() {
	prometheus.MustRegister(lockWait)
}

// EntityLocks is a fixed pool of channel-based mutexes keyed by
// (kind, id). Waiting honours context cancellation, so a request that times
// out never stays queued behind a slow provider call.
type EntityLocks struct {
	shards [shardCount]chan struct{}
}

// NewEntityLocks creates an unlocked pool.
func NewEntityLocks() *EntityLocks {
	l := &EntityLocks{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Lock acquires the lock for kind/id. On success the caller must call the
// returned unlock func exactly once. On cancellation it returns ctx.Err().
func (l *EntityLocks) Lock(ctx context.Context, kind, id string) (func(), error) {
	shard := l.shards[shardIdx(kind, id)]
	start := time.Now()

	select {
	case <-shard:
		lockWait.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(kind, id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id))
	return h.Sum32() % shardCount
}
