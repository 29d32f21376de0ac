package cat

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// eventType enumerates the log mutations flowing through the pipeline.
type eventType int

const (
	eventSave eventType = iota
	eventDelete
	eventUpdateStatus
	eventUpdateParticipants
)

func (e eventType) String() string {
	switch e {
	case eventSave:
		return "save"
	case eventDelete:
		return "delete"
	case eventUpdateStatus:
		return "update_status"
	case eventUpdateParticipants:
		return "update_participants"
	default:
		return "unknown"
	}
}

// logEvent is one queued mutation. The transaction is a snapshot taken at
// enqueue time so that the producer can keep mutating its copy.
type logEvent struct {
	typ eventType
	tx  *Transaction
}

// LogPipeline applies log mutations asynchronously while preserving
// per-transaction order. Every event for a TransID hashes to the same
// shard, and each shard is drained by exactly one consumer goroutine, so
// mutations for one transaction apply in the order generated while
// different transactions proceed in parallel.
//
// Producers block when a shard is full; backpressure is traded for
// durability, events are never dropped. A failing event is logged and the
// consumer moves on; the recovery sweep is the retry mechanism.
type LogPipeline struct {
	repo   Repository
	log    hclog.Logger
	shards []chan logEvent

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewLogPipeline starts shardCount consumers with the given per-shard
// queue depth.
func NewLogPipeline(repo Repository, log hclog.Logger, shardCount, depth int) *LogPipeline {
	if shardCount <= 0 {
		shardCount = defaultConfig().ConsumerThreads
	}
	if depth <= 0 {
		depth = defaultConfig().BufferSize
	}
	p := &LogPipeline{
		repo:   repo,
		log:    log.Named("pipeline"),
		shards: make([]chan logEvent, shardCount),
	}
	for i := range p.shards {
		shard := make(chan logEvent, depth)
		p.shards[i] = shard
		p.wg.Add(1)
		go p.consume(shard)
	}
	return p
}

// shard routes a TransID to its queue. The stable hash is the load-bearing
// invariant: one TransID, one consumer, total per-transaction order.
func (p *LogPipeline) shard(transID string) chan logEvent {
	h := fnv.New32a()
	h.Write([]byte(transID))
	return p.shards[int(h.Sum32())%len(p.shards)]
}

func (p *LogPipeline) consume(shard chan logEvent) {
	defer p.wg.Done()
	ctx := context.Background()
	for ev := range shard {
		var err error
		switch ev.typ {
		case eventSave:
			_, err = p.repo.Create(ctx, ev.tx)
		case eventDelete:
			_, err = p.repo.Remove(ctx, ev.tx.TransID)
		case eventUpdateStatus:
			_, err = p.repo.UpdateStatus(ctx, ev.tx.TransID, ev.tx.Status)
		case eventUpdateParticipants:
			_, err = p.repo.UpdateParticipants(ctx, ev.tx)
		}
		if err != nil {
			p.log.Error("failed to apply log mutation",
				"event", ev.typ.String(),
				"trans_id", ev.tx.TransID,
				"error", err)
		}
	}
}

func (p *LogPipeline) enqueue(typ eventType, tx *Transaction) error {
	if tx == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPipelineClosed
	}
	// Blocking send: a full shard throttles the producer instead of
	// dropping the event.
	p.shard(tx.TransID) <- logEvent{typ: typ, tx: tx.Snapshot()}
	return nil
}

// Save queues persistence of a new transaction.
func (p *LogPipeline) Save(tx *Transaction) error {
	return p.enqueue(eventSave, tx)
}

// Delete queues removal of a transaction.
func (p *LogPipeline) Delete(tx *Transaction) error {
	return p.enqueue(eventDelete, tx)
}

// UpdateStatus queues a status-only update.
func (p *LogPipeline) UpdateStatus(tx *Transaction) error {
	return p.enqueue(eventUpdateStatus, tx)
}

// UpdateParticipants queues replacement of the participant list.
func (p *LogPipeline) UpdateParticipants(tx *Transaction) error {
	return p.enqueue(eventUpdateParticipants, tx)
}

// Close drains every shard and stops the consumers. Mutations enqueued
// before Close are applied before it returns.
func (p *LogPipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, shard := range p.shards {
		close(shard)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
