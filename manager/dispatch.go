package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-testhost/protocol"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// EventKind distinguishes the events a Manager forwards while running.
type EventKind int

const (
	EventPartialResult EventKind = iota
	EventLog
)

// Event is a message forwarded from a running host.
type Event struct {
	Kind        EventKind
	Time        time.Time
	HostID      string
	PartitionID string
	Partial     *protocol.PartialResultPayload
	Log         *protocol.LogPayload
}

// PartitionResult is how one partition ended on one host. Host failures are
// reported here rather than as errors.
type PartitionResult struct {
	Partition types.WorkPartition
	HostID    string
	State     types.SourceState
	// Totals are folded from the partial results the host streamed.
	Totals types.Totals
	// Reported are the totals the host sent with Complete, if it did.
	Reported    *types.Totals
	Attachments []types.AttachmentSet
	Failure     *types.Failure
	Duration    time.Duration
}

// Dispatch sends partition to the idle host and consumes its messages until
// the host completes, fails or the dispatch is aborted. Partial results and
// logs are forwarded to sink as they arrive. Cancelling ctx behaves like
// Abort. The error is only set when the manager was not idle.
func (m *Manager) Dispatch(ctx context.Context, partition types.WorkPartition, sink chan<- Event) (PartitionResult, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return PartitionResult{}, fmt.Errorf("%w: cannot dispatch in state %s", ErrInvalidState, state)
	}
	if err := m.transitionLocked(StateDispatching); err != nil {
		m.mu.Unlock()
		return PartitionResult{}, err
	}
	abort := make(chan struct{})
	loopDone := make(chan struct{})
	m.abort, m.abortOnce, m.loopDone = abort, new(sync.Once), loopDone
	ch := m.ch
	m.mu.Unlock()
	defer close(loopDone)

	d := &dispatch{
		m:     m,
		ch:    ch,
		sink:  sink,
		start: time.Now(),
		result: PartitionResult{
			Partition: partition,
			HostID:    m.cfg.HostID,
		},
	}
	res := d.run(ctx, abort)
	m.metrics.RecordPartition(partition.Kind, res.State, res.Duration)
	m.log.Debug("Partition finished", "partition", partition.ID, "state", res.State, "duration", res.Duration)
	return res, nil
}

type dispatch struct {
	m     *Manager
	ch    protocol.Channel
	sink  chan<- Event
	start time.Time

	result   PartitionResult
	aborting bool
}

func (d *dispatch) run(ctx context.Context, abort <-chan struct{}) PartitionResult {
	if err := d.sendStart(); err != nil {
		return d.fail(err)
	}
	if err := d.m.transition(StateRunning); err != nil {
		return d.fail(err)
	}

	var (
		done    = ctx.Done()
		exited  = d.m.exited
		drainC  <-chan time.Time
		graceC  <-chan time.Time
		timeout *time.Timer
	)
	defer func() {
		if timeout != nil {
			timeout.Stop()
		}
	}()

	for {
		select {
		case item := <-d.m.inbox:
			if item.err != nil {
				return d.fail(d.m.receiveFailure(item.err))
			}
			finished, err := d.handle(item.msg)
			if err != nil {
				return d.fail(err)
			}
			if finished {
				return d.finish()
			}

		case <-exited:
			// Keep reading what the host sent before it died.
			exited = nil
			drainC = time.After(exitDrainTimeout)

		case <-drainC:
			return d.fail(d.m.exitError())

		case <-done:
			done = nil
			if graceC == nil {
				if err := d.beginAbort("request cancelled"); err != nil {
					return d.fail(err)
				}
				timeout = time.NewTimer(d.m.cfg.AbortGracePeriod)
				graceC = timeout.C
			}

		case <-abort:
			abort = nil
			if graceC == nil {
				if err := d.beginAbort("aborted"); err != nil {
					return d.fail(err)
				}
				timeout = time.NewTimer(d.m.cfg.AbortGracePeriod)
				graceC = timeout.C
			}

		case <-graceC:
			d.m.kill()
			return d.fail(fmt.Errorf("%w: host did not stop within %s", ErrAborted, d.m.cfg.AbortGracePeriod))

		case <-d.m.disposed:
			d.aborting = true
			return d.fail(fmt.Errorf("%w: manager disposed", ErrAborted))
		}
	}
}

func (d *dispatch) sendStart() error {
	p := d.result.Partition
	switch p.Kind {
	case types.RequestDiscovery:
		return d.m.send(d.ch, protocol.MessageStartDiscovery, &protocol.StartDiscoveryPayload{
			PartitionID: p.ID,
			Sources:     p.Sources,
			Settings:    d.m.cfg.Settings,
		})
	case types.RequestExecution:
		payload := &protocol.StartExecutionPayload{
			PartitionID: p.ID,
			Settings:    d.m.cfg.Settings,
		}
		if len(p.TestCases) > 0 {
			payload.TestCases = p.TestCases
		} else {
			payload.Sources = p.Sources
		}
		return d.m.send(d.ch, protocol.MessageStartExecution, payload)
	default:
		return fmt.Errorf("unknown request kind %q", p.Kind)
	}
}

func (d *dispatch) beginAbort(reason string) error {
	d.aborting = true
	d.m.log.Info("Aborting partition", "partition", d.result.Partition.ID, "reason", reason)
	return d.m.send(d.ch, protocol.MessageAbort, &protocol.AbortPayload{Reason: reason})
}

// handle processes one message. It reports whether the host completed.
func (d *dispatch) handle(msg protocol.Message) (bool, error) {
	payload, err := protocol.Decode(msg)
	if errors.Is(err, protocol.ErrUnknownMessageType) {
		d.m.log.Debug("Ignoring unknown message", "type", msg.Type)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch p := payload.(type) {
	case *protocol.PartialResultPayload:
		d.result.Totals = d.result.Totals.Add(p.Totals())
		d.emit(Event{Kind: EventPartialResult, Partial: p})
		return false, nil
	case *protocol.LogPayload:
		d.emit(Event{Kind: EventLog, Log: p})
		return false, nil
	case *protocol.CompletePayload:
		if err := d.m.transition(StateDraining); err != nil {
			return false, err
		}
		reported := p.Totals
		d.result.Reported = &reported
		d.result.Attachments = p.Attachments
		switch {
		case d.aborting || p.Aborted:
			d.result.State = types.SourceAborted
		case p.Error != "":
			d.result.State = types.SourceFaulted
			d.result.Failure = &types.Failure{Kind: types.FailureWorker, Message: p.Error}
		default:
			d.result.State = types.SourceCompleted
		}
		return true, nil
	default:
		return false, fmt.Errorf("%w: unexpected %s while running", protocol.ErrMalformedMessage, msg.Type)
	}
}

func (d *dispatch) emit(ev Event) {
	if d.sink == nil {
		return
	}
	ev.Time = time.Now()
	ev.HostID = d.m.cfg.HostID
	ev.PartitionID = d.result.Partition.ID
	select {
	case d.sink <- ev:
	case <-d.m.disposed:
	}
}

// finish settles the host after Complete. Shared hosts go back to idle
// unless the partition was aborted.
func (d *dispatch) finish() PartitionResult {
	d.result.Duration = time.Since(d.start)
	if d.m.cfg.Shared && !d.aborting && !d.m.hasExited() {
		if err := d.m.transition(StateIdle); err == nil {
			return d.result
		}
	}
	if err := d.m.transition(StateCompleted); err == nil {
		_ = d.m.teardown()
	}
	return d.result
}

func (d *dispatch) fail(err error) PartitionResult {
	kind := d.m.fault(err)
	d.result.Duration = time.Since(d.start)
	d.result.Failure = &types.Failure{Kind: kind, Message: err.Error()}
	if d.aborting {
		d.result.State = types.SourceAborted
	} else {
		d.result.State = types.SourceFaulted
	}
	return d.result
}
