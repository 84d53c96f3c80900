package parallel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-testhost/datacollection"
	"github.com/ethereum-optimism/infra/op-testhost/logging"
	"github.com/ethereum-optimism/infra/op-testhost/manager"
	"github.com/ethereum-optimism/infra/op-testhost/platform"
	"github.com/ethereum-optimism/infra/op-testhost/types"
)

// Run is one request in flight.
type Run struct {
	ID   string
	Kind types.RequestKind

	events     chan Event
	cancel     context.CancelFunc
	done       chan struct{}
	completion *Completion
}

// Events is the run's result stream. It is closed after the Complete event.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Cancel aborts every running partition and dispatches nothing further. The
// stream still ends with a Complete event, marked aborted.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed once the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run has finished and returns its completion. Events
// not read by the caller yet are discarded.
func (r *Run) Wait() *Completion {
	for range r.events {
	}
	<-r.done
	return r.completion
}

// runner is the control loop of one run. It alone owns the queue and the
// aggregate state.
type runner struct {
	platform   *platform.Platform
	log        log.Logger
	run        *Run
	partitions []types.WorkPartition
	level      int
	hostCfg    manager.Config
	coord      *datacollection.Coordinator
	runLog     *logging.RunLog

	// sink is unbuffered, so every event of a partition is forwarded before
	// its slot reports the partition done.
	sink     chan manager.Event
	sequence uint64
	start    time.Time

	mu       sync.Mutex
	launched int
}

type slotDone struct {
	slot   int
	result manager.PartitionResult
}

func (r *runner) loop(ctx context.Context) {
	defer r.run.cancel()
	r.start = time.Now()

	env := r.coord.BeforeRunStart(ctx)
	r.hostCfg.Env = types.MergeEnv(r.hostCfg.Env, env.Map())

	results := make([]*manager.PartitionResult, len(r.partitions))
	work := make([]chan types.WorkPartition, r.level)
	done := make(chan slotDone)
	var wg sync.WaitGroup
	for i := range work {
		work[i] = make(chan types.WorkPartition, 1)
		s := &slot{id: i, r: r}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(ctx, work[i], done)
		}()
	}

	next, inflight := 0, 0
	closed := make([]bool, len(work))
	// dispatch hands the slot the next partition. A slot with nothing left to
	// do is closed at once so an idle shared host gives its limiter slot back
	// to hosts still waiting to launch.
	dispatch := func(slot int) {
		if next >= len(r.partitions) || ctx.Err() != nil {
			if !closed[slot] {
				close(work[slot])
				closed[slot] = true
			}
			return
		}
		work[slot] <- r.partitions[next]
		next++
		inflight++
	}
	for i := range work {
		dispatch(i)
	}

	cancelled := ctx.Done()
	for inflight > 0 {
		select {
		case ev := <-r.sink:
			r.forward(ev)
		case d := <-done:
			inflight--
			res := d.result
			results[res.Partition.Index] = &res
			dispatch(d.slot)
		case <-cancelled:
			cancelled = nil
			r.log.Info("Run cancelled", "dispatched", next, "partitions", len(r.partitions))
		}
	}
	for i, w := range work {
		if !closed[i] {
			close(w)
		}
	}
	wg.Wait()

	r.complete(ctx, results)
}

// forward re-stamps a host event for the caller.
func (r *runner) forward(ev manager.Event) {
	r.sequence++
	out := Event{
		RunID:       r.run.ID,
		Sequence:    r.sequence,
		Time:        ev.Time,
		PartitionID: ev.PartitionID,
		HostID:      ev.HostID,
	}
	switch ev.Kind {
	case manager.EventPartialResult:
		out.Kind = EventPartialResult
		out.Partial = ev.Partial
		if r.runLog != nil {
			err := r.runLog.LogResults(logging.ResultRecord{
				Time:        ev.Time,
				Sequence:    out.Sequence,
				PartitionID: ev.PartitionID,
				HostID:      ev.HostID,
				Discovered:  ev.Partial.DiscoveredTests,
				Results:     ev.Partial.Results,
			})
			if err != nil {
				r.log.Warn("Failed to write results journal", "err", err)
			}
		}
	case manager.EventLog:
		out.Kind = EventLog
		out.Log = ev.Log
		if r.runLog != nil {
			if err := r.runLog.LogHostOutput(ev.HostID, string(ev.Log.Level), ev.Log.Text); err != nil {
				r.log.Warn("Failed to write host log", "err", err)
			}
		}
	}
	r.run.events <- out
}

// complete builds the aggregate completion, runs the collectors' teardown
// and ends the stream.
func (r *runner) complete(ctx context.Context, results []*manager.PartitionResult) {
	aborted := ctx.Err() != nil
	c := &Completion{
		RunID:         r.run.ID,
		Kind:          r.run.Kind,
		Aborted:       aborted,
		ParallelLevel: r.level,
	}
	r.mu.Lock()
	c.HostsLaunched = r.launched
	r.mu.Unlock()

	var sets [][]types.AttachmentSet
	for i, p := range r.partitions {
		status := types.SourceStatus{
			Source:      p.Sources[0],
			State:       types.SourceNotStarted,
			PartitionID: p.ID,
		}
		if res := results[i]; res != nil {
			status.State = res.State
			status.HostID = res.HostID
			status.Totals = res.Totals
			status.Failure = res.Failure
			if res.State != types.SourceFaulted {
				c.Totals = c.Totals.Add(res.Totals)
			}
			sets = append(sets, res.Attachments)
		}
		c.Sources = append(c.Sources, status)
	}

	// Collectors tear down even when the run was cancelled.
	collected, err := r.coord.AfterRunEnd(context.WithoutCancel(ctx), aborted)
	sets = append(sets, collected)
	c.Attachments = types.MergeAttachmentSets(sets...)
	c.CollectorErr = err
	c.Duration = time.Since(r.start)

	r.platform.Metrics.RecordRun(c.Kind, c.Aborted, c.Totals, c.Duration)
	r.log.Info("Run finished",
		"aborted", c.Aborted,
		"completed", len(c.SourcesIn(types.SourceCompleted)),
		"faulted", len(c.SourcesIn(types.SourceFaulted)),
		"not_started", len(c.SourcesIn(types.SourceNotStarted)),
		"duration", c.Duration)

	if r.runLog != nil {
		if err := r.runLog.LogSummary(c.Summary()); err != nil {
			r.log.Warn("Failed to write run summary", "err", err)
		}
		if err := r.runLog.Close(); err != nil {
			r.log.Warn("Failed to close run log", "err", err)
		}
	}

	r.run.completion = c
	r.sequence++
	r.run.events <- Event{
		Kind:     EventComplete,
		RunID:    r.run.ID,
		Sequence: r.sequence,
		Time:     time.Now(),
		Complete: c,
	}
	close(r.run.events)
	close(r.run.done)
}

// slot holds at most one host at a time and runs the partitions the control
// loop hands it.
type slot struct {
	id  int
	r   *runner
	mgr *manager.Manager
}

func (s *slot) serve(ctx context.Context, work <-chan types.WorkPartition, done chan<- slotDone) {
	defer s.release()
	for p := range work {
		done <- slotDone{slot: s.id, result: s.execute(ctx, p)}
	}
}

func (s *slot) execute(ctx context.Context, p types.WorkPartition) manager.PartitionResult {
	ctx, span := s.r.platform.Tracer.Start(ctx, fmt.Sprintf("partition %s", p.ID),
		trace.WithAttributes(
			attribute.String("run.id", s.r.run.ID),
			attribute.String("request.kind", string(p.Kind)),
			attribute.StringSlice("sources", p.Sources),
			attribute.Int("slot", s.id),
		))
	defer span.End()

	mgr, err := s.host(ctx)
	if err != nil {
		res := manager.PartitionResult{Partition: p, HostID: mgr.HostID()}
		if ctx.Err() != nil {
			// Cancelled before the partition reached a host.
			res.State = types.SourceNotStarted
			return res
		}
		res.State = types.SourceFaulted
		res.Failure = mgr.Failure()
		if res.Failure == nil {
			res.Failure = &types.Failure{Kind: manager.ClassifyError(err), Message: err.Error()}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Failure.Error())
		return res
	}

	res, err := mgr.Dispatch(ctx, p, s.r.sink)
	if err != nil {
		res = manager.PartitionResult{
			Partition: p,
			HostID:    mgr.HostID(),
			State:     types.SourceFaulted,
			Failure:   &types.Failure{Kind: types.FailureProtocol, Message: err.Error()},
		}
	}
	if !mgr.Healthy() {
		s.release()
	}

	span.SetAttributes(
		attribute.String("host.id", res.HostID),
		attribute.String("state", string(res.State)),
		attribute.Int("tests.executed", res.Totals.Executed),
		attribute.Int("tests.failed", res.Totals.Failed),
	)
	if res.Failure != nil {
		span.SetStatus(codes.Error, res.Failure.Error())
	}
	return res
}

// host returns a ready host, reusing the slot's shared host while it is
// healthy. On failure the returned manager is the disposed one that failed.
func (s *slot) host(ctx context.Context) (*manager.Manager, error) {
	if s.mgr != nil {
		if s.mgr.Healthy() {
			return s.mgr, nil
		}
		s.release()
	}

	cfg := s.r.hostCfg
	cfg.HostID = ""
	cfg.SessionID = s.r.run.ID
	mgr := manager.New(cfg, manager.Dependencies{
		Log:      s.r.log,
		Launcher: s.r.platform.Launcher,
		Limiter:  s.r.platform.Limiter,
		Metrics:  s.r.platform.Metrics,
	})

	err := mgr.Launch(ctx)
	if err == nil {
		s.r.mu.Lock()
		s.r.launched++
		s.r.mu.Unlock()
		err = mgr.WaitForConnection(ctx, 0)
	}
	if err != nil {
		_ = mgr.Dispose()
		return mgr, err
	}
	s.mgr = mgr
	return mgr, nil
}

func (s *slot) release() {
	if s.mgr == nil {
		return
	}
	if err := s.mgr.Dispose(); err != nil {
		s.r.log.Debug("Failed to dispose host", "host", s.mgr.HostID(), "err", err)
	}
	s.mgr = nil
}
