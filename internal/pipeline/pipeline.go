// Package pipeline wires the object ingestion path: a submitted object
// lands in the appropriate ProcessQueue, a pool of validator workers
// drains each queue via WaitForQueuedWork/NextValidate, and a validated
// object is stored in ValidStore and marked Downloaded in RelayStore so
// every connection's own RelayFSM advertising loop picks it up on its
// next FindNew sweep. Grounded in spec.md §2's data-flow sentence and
// processq.Queue's own WaitForQueuedWork doc comment, which names this
// package as the intended caller of the worker-loop pattern; the
// goroutine-pool shape follows the teacher's internal/node/retry_worker.go
// and peer_monitor.go (a fixed pool of goroutines each looping on a
// blocking wait primitive until told to stop).
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/processq"
	"github.com/credacash/ccnode/internal/refbuf"
	"github.com/credacash/ccnode/internal/relay"
	"github.com/credacash/ccnode/internal/validstore"
	"github.com/credacash/ccnode/pkg/logging"
)

// Validator is the injected collaborator that performs the actual proof
// and semantic checks on an object body. The real zero-knowledge proof
// verifier is an excluded collaborator (spec Non-goals); this interface
// is the seam a concrete verifier would be wired in at.
type Validator interface {
	Validate(tag object.Tag, body []byte) (priorOid *object.OID, level int64, isWitness bool, err error)
}

// ValidatorFunc adapts a plain function to Validator.
type ValidatorFunc func(tag object.Tag, body []byte) (*object.OID, int64, bool, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(tag object.Tag, body []byte) (*object.OID, int64, bool, error) {
	return f(tag, body)
}

// Pipeline owns the validator worker pool and the glue between
// ProcessQueue, ValidStore, and RelayStore.
type Pipeline struct {
	queues    *processq.Manager
	valid     *validstore.Store
	relay     *relay.Store
	validator Validator
	log       *logging.Logger

	workersPerQueue int
	onValidated     func(oid object.OID, tag object.Tag)

	wg sync.WaitGroup
}

// New constructs a Pipeline. workersPerQueue is the number of validator
// goroutines run against each ProcessQueue.Type; onValidated, if
// non-nil, is called after a successful validate+store+mark-downloaded
// cycle so a caller (e.g. the RPC websocket tee, or a connection's own
// advertising loop) can react to newly available objects.
func New(queues *processq.Manager, valid *validstore.Store, relayStore *relay.Store, validator Validator, workersPerQueue int, onValidated func(object.OID, object.Tag), log *logging.Logger) *Pipeline {
	if workersPerQueue < 1 {
		workersPerQueue = 1
	}
	if log == nil {
		log = logging.GetDefault().Component("pipeline")
	}
	return &Pipeline{
		queues:          queues,
		valid:           valid,
		relay:           relayStore,
		validator:       validator,
		log:             log,
		workersPerQueue: workersPerQueue,
		onValidated:     onValidated,
	}
}

// Start launches the validator worker pool: workersPerQueue goroutines
// per processq.Type, each blocking on WaitForQueuedWork until ctx is
// cancelled or Stop is called.
func (p *Pipeline) Start(ctx context.Context) {
	for t := processq.QueueTx; t <= processq.QueueXreq; t++ {
		q := p.queues.Queue(t)
		for i := 0; i < p.workersPerQueue; i++ {
			p.wg.Add(1)
			go p.runWorker(ctx, q)
		}
	}
}

// Stop signals every queue's condvar to wake its waiters and return,
// then waits for all worker goroutines to exit.
func (p *Pipeline) Stop() {
	for t := processq.QueueTx; t <= processq.QueueXreq; t++ {
		p.queues.Queue(t).StopQueuedWork()
	}
	p.wg.Wait()
}

func (p *Pipeline) runWorker(ctx context.Context, q *processq.Queue) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !q.WaitForQueuedWork() {
			return
		}

		handle, oid, _, _, ok, err := q.NextValidate()
		if err != nil {
			p.log.Errorf("pipeline: next_validate: %v", err)
			continue
		}
		if !ok {
			continue
		}

		if err := p.process(q, handle, oid); err != nil {
			p.log.Debugf("pipeline: discarding %s: %v", oid, err)
		}
	}
}

// process validates one object and, on success, commits it into
// ValidStore and marks its RelayStore row Downloaded. Either outcome
// retires the row from ProcessQueue.
func (p *Pipeline) process(q *processq.Queue, handle refbuf.Handle, oid object.OID) error {
	header, err := object.DecodeHeader(handle.Data())
	if err != nil {
		_, _, _, _ = q.SelectAndDelete(oid)
		return fmt.Errorf("decode header: %w", err)
	}

	body := handle.Data()[object.HeaderSize:]
	priorOid, level, isWitness, err := p.validator.Validate(header.Tag, body)
	if err != nil {
		_, _, _, _ = q.SelectAndDelete(oid)
		return fmt.Errorf("validate: %w", err)
	}

	if err := p.valid.Insert(handle, header.Tag, oid, priorOid, level, int64(len(body)), isWitness); err != nil {
		_, _, _, _ = q.SelectAndDelete(oid)
		return fmt.Errorf("valid_store insert: %w", err)
	}

	if err := p.relay.SetStatus(oid, header.Tag, relay.Downloaded); err != nil {
		p.log.Debugf("pipeline: set_status downloaded for %s: %v", oid, err)
	}

	if _, _, _, err := q.SelectAndDelete(oid); err != nil {
		p.log.Errorf("pipeline: retire %s from process_q: %v", oid, err)
	}

	if p.onValidated != nil {
		p.onValidated(oid, header.Tag)
	}
	return nil
}

// Submit enqueues a newly received object for validation, routing it to
// the ProcessQueue.Type that matches its tag class.
func (p *Pipeline) Submit(handle refbuf.Handle, oid object.OID, priorOid *object.OID, level int64, connID string, callbackID uint32) error {
	header, err := object.DecodeHeader(handle.Data())
	if err != nil {
		return fmt.Errorf("pipeline: decode header: %w", err)
	}
	q := p.queues.Queue(queueTypeForTag(header.Tag))
	isBlockTx := header.Tag.IsBlock()
	return q.EnqueueValidate(handle, oid, priorOid, level, processq.Pending, level, isBlockTx, connID, callbackID)
}

func queueTypeForTag(tag object.Tag) processq.Type {
	if tag.IsBlock() {
		return processq.QueueBlock
	}
	switch tag &^ object.BlockFlag {
	case object.TagXcxSimpleBuy, object.TagXcxSimpleSell, object.TagXcxSimpleTrade,
		object.TagXcxNakedBuy, object.TagXcxNakedSell, object.TagXcxPayment:
		return processq.QueueXreq
	default:
		return processq.QueueTx
	}
}
