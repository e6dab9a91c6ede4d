// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatcher runs invocations on a bounded pool of execution slots.
//
// Submissions go into a fixed-size admission queue. A full queue rejects the submission
// immediately with standarderrors.ErrOverload, which is the only backpressure the gateway
// applies. Slots are started on demand up to MaxSlots, each running up to TasksPerSlot
// invocations at once, and retire after IdleTimeout without work.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/envelope"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/logger"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/metrics"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

// Terminal statuses produced by the gateway itself. Executors may return others.
const (
	StatusSuccess = envelope.StatusSuccess
	StatusError   = envelope.StatusError
)

const DefaultIdleTimeout = 60 * time.Second

// Response is the result of one invocation.
type Response struct {
	Status string
	Body   json.RawMessage
}

// Executor performs the actual agent or skill invocation.
type Executor interface {
	Execute(ctx context.Context, env *envelope.Envelope) (Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, env *envelope.Envelope) (Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, env *envelope.Envelope) (Response, error) {
	return f(ctx, env)
}

// Dispatcher is what connectors submit envelopes to.
type Dispatcher interface {
	Run(ctx context.Context, env *envelope.Envelope) (Response, error)
}

type result struct {
	resp Response
	err  error
}

type job struct {
	ctx    context.Context
	env    *envelope.Envelope
	result chan result
}

// Pool is the bounded Dispatcher shared by all connectors.
type Pool struct {
	cfg      config.DispatcherConfig
	executor Executor
	log      *zap.SugaredLogger

	queue chan *job

	// mu guards slots, closed and every send on queue
	mu     sync.Mutex
	slots  int
	closed bool

	wg sync.WaitGroup
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Queued int
	Slots  int
}

// NewPool creates a Pool. Non-positive sizes are raised to 1.
func NewPool(cfg config.DispatcherConfig, executor Executor, log *zap.SugaredLogger) *Pool {
	if log == nil {
		log = logger.For(logger.ComponentDispatcher)
	}
	if cfg.MaxSlots < 1 {
		cfg.MaxSlots = 1
	}
	if cfg.MaxQueue < 1 {
		cfg.MaxQueue = 1
	}
	if cfg.TasksPerSlot < 1 {
		cfg.TasksPerSlot = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Pool{
		cfg:      cfg,
		executor: executor,
		log:      log,
		queue:    make(chan *job, cfg.MaxQueue),
	}
}

// Run executes env and blocks until it finished or ctx is done.
// It fails immediately with ErrOverload if the admission queue is full.
func (p *Pool) Run(ctx context.Context, env *envelope.Envelope) (Response, error) {
	if p.cfg.Synchronous {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return Response{}, standarderrors.ErrDispatcherClosed
		}
		return p.execute(ctx, env)
	}

	j := &job{ctx: ctx, env: env, result: make(chan result, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Response{}, standarderrors.ErrDispatcherClosed
	}
	select {
	case p.queue <- j:
	default:
		p.mu.Unlock()
		metrics.IncRejected()
		return Response{}, fmt.Errorf("%w: admission queue full (%d)", standarderrors.ErrOverload, p.cfg.MaxQueue)
	}
	if p.slots < p.cfg.MaxSlots {
		p.slots++
		p.wg.Add(1)
		go p.slot()
		metrics.SetActiveSlots(p.slots)
	}
	metrics.SetQueueDepth(len(p.queue))
	p.mu.Unlock()

	select {
	case r := <-j.result:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Stats returns the current queue depth and slot count.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Queued: len(p.queue), Slots: p.slots}
}

// Close stops accepting submissions and waits until every queued and running
// invocation finished, or ctx is done. Calling Close twice is safe.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher did not drain: %w", ctx.Err())
	}
}

func (p *Pool) slot() {
	defer p.wg.Done()

	sem := make(chan struct{}, p.cfg.TasksPerSlot)
	var tasks sync.WaitGroup
	defer tasks.Wait()

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		// Only take work when this slot has capacity for it
		sem <- struct{}{}

		select {
		case j, ok := <-p.queue:
			if !ok {
				<-sem
				p.retire(true)
				return
			}
			metrics.SetQueueDepth(len(p.queue))
			tasks.Add(1)
			go func() {
				defer tasks.Done()
				defer func() { <-sem }()
				p.finish(j)
			}()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.IdleTimeout)

		case <-idle.C:
			<-sem
			if len(sem) == 0 && p.retire(false) {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

// retire deregisters the slot. Unless forced it refuses while work is queued,
// so a submission never waits on a queue without slots.
func (p *Pool) retire(force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !force && len(p.queue) > 0 {
		return false
	}
	p.slots--
	metrics.SetActiveSlots(p.slots)
	return true
}

func (p *Pool) finish(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.result <- result{err: err}
		return
	}
	resp, err := p.execute(j.ctx, j.env)
	j.result <- result{resp: resp, err: err}
}

// execute runs one invocation. A panic inside the executor becomes an ErrExecution
// for this envelope only.
func (p *Pool) execute(ctx context.Context, env *envelope.Envelope) (resp Response, err error) {
	start := time.Now().UTC()

	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("Invocation of %s panicked: %v", env.AgentName, r)
			resp = Response{}
			err = fmt.Errorf("%w: invocation panicked: %v", standarderrors.ErrExecution, r)
		}

		status := resp.Status
		if err != nil {
			status = StatusError
		}
		p.recordTransition(env, status, start)
		metrics.ObserveInvocation(status, time.Since(start))
	}()

	resp, err = p.executor.Execute(ctx, env)
	if err != nil {
		if !errors.Is(err, standarderrors.ErrExecution) {
			err = fmt.Errorf("%w: %w", standarderrors.ErrExecution, err)
		}
		return Response{}, err
	}
	if resp.Status == "" {
		resp.Status = StatusSuccess
	}
	return resp, nil
}

func (p *Pool) recordTransition(env *envelope.Envelope, status string, start time.Time) {
	from := env.ChannelID
	if ts := env.Transitions(); len(ts) > 0 {
		from = ts[len(ts)-1].To
	}
	to := env.AgentName
	name := env.SkillName
	if name == "" {
		name = env.AgentName
	}
	transitionStatus := envelope.TransitionSuccess
	if status == StatusError {
		transitionStatus = envelope.TransitionError
	}
	if err := env.AddTransition(envelope.Transition{
		From:   from,
		To:     to,
		Name:   name,
		Status: transitionStatus,
		Start:  start,
		End:    time.Now().UTC(),
	}); err != nil {
		p.log.Warnf("Failed to record transition for request %s: %s", env.RequestID, err)
	}
}
