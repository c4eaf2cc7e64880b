// Package reactor drives protocol sessions from a single goroutine. Every
// socket read and write happens on that goroutine; blocking work runs on a
// bounded pool of workers whose results come back over a channel.
package reactor

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"petrel/internal/metrics"
	"petrel/internal/server/transport"
)

// ErrPoolClosed is returned by Dispatch once the reactor has stopped.
var ErrPoolClosed = errors.New("worker pool closed")

const (
	DefaultWorkers = 10
	DefaultTick    = time.Second
)

// Session is one protocol session. The reactor calls every method from its
// own goroutine.
type Session interface {
	// Start writes the greeting.
	Start()
	// Input consumes buffered input until no complete request is left or a
	// job was dispatched.
	Input()
	// Tick runs periodic work such as IDLE polling.
	Tick(now time.Time)
	// Timeout is the current idle limit; zero disables it.
	Timeout() time.Duration
	// Expire is called when the idle limit passed. The reactor closes the
	// connection once the output is flushed.
	Expire()
	// Closed is called once after the connection is gone.
	Closed()
}

// Factory creates the session for a newly attached connection.
type Factory func(r *Reactor, c *transport.Connection) Session

// Work runs on a worker. The returned func, when not nil, is applied on the
// reactor goroutine and is the only place results may touch the session.
type Work func(ctx context.Context) func()

// Job is a unit of work in flight for one connection.
type Job struct {
	conn   *transport.Connection
	work   Work
	apply  func()
	queued time.Time
	// valid is cleared by the reactor when the connection goes away before
	// the worker reports back.
	valid bool
}

// Config sizes a reactor.
type Config struct {
	Service string
	Workers int
	Tick    time.Duration
}

type attach struct {
	raw net.Conn
	tls *tls.Config
}

type entry struct {
	session Session
	active  time.Time
	closing bool
}

// Reactor owns the connections of one service.
type Reactor struct {
	service string
	factory Factory
	tick    time.Duration

	events   chan transport.Event
	results  chan *Job
	attached chan attach
	stop     chan struct{}
	stopOnce sync.Once

	sem     *semaphore.Weighted
	workers sync.WaitGroup
	ctx     context.Context

	// owned by the loop goroutine
	sessions map[*transport.Connection]*entry
	pending  map[*transport.Connection]*Job

	log *log.Entry
}

// New returns a reactor for cfg.Service creating sessions with factory.
func New(cfg Config, factory Factory) *Reactor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Reactor{
		service:  cfg.Service,
		factory:  factory,
		tick:     tick,
		events:   make(chan transport.Event, 64),
		results:  make(chan *Job, workers),
		attached: make(chan attach),
		stop:     make(chan struct{}),
		sem:      semaphore.NewWeighted(int64(workers)),
		ctx:      context.Background(),
		sessions: make(map[*transport.Connection]*entry),
		pending:  make(map[*transport.Connection]*Job),
		log:      log.WithField("service", cfg.Service),
	}
}

// Serve accepts connections from ln until ctx is done or ln fails. With a
// non-nil tlsConfig every connection starts with a TLS handshake.
func (r *Reactor) Serve(ctx context.Context, ln net.Listener, tlsConfig *tls.Config) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-r.stop:
		}
		_ = ln.Close()
	}()

	r.log.WithField("address", ln.Addr().String()).Info("listening")
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-r.stop:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "accept")
		}
		if err := r.Attach(raw, tlsConfig); err != nil {
			_ = raw.Close()
			return nil
		}
	}
}

// Attach hands an accepted connection to the loop.
func (r *Reactor) Attach(raw net.Conn, tlsConfig *tls.Config) error {
	select {
	case r.attached <- attach{raw: raw, tls: tlsConfig}:
		return nil
	case <-r.stop:
		return ErrPoolClosed
	}
}

// Run is the event loop. It returns after ctx is done and every connection
// has been closed.
func (r *Reactor) Run(ctx context.Context) error {
	r.ctx = ctx
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case a := <-r.attached:
			r.open(a)
		case ev := <-r.events:
			r.deliver(ev)
		case job := <-r.results:
			r.complete(job)
		case now := <-ticker.C:
			r.expire(now)
		}
	}
}

// Dispatch corks c and runs work on the pool. The session gets no input
// until the job is applied.
func (r *Reactor) Dispatch(c *transport.Connection, work Work) error {
	select {
	case <-r.stop:
		return ErrPoolClosed
	default:
	}
	if _, busy := r.pending[c]; busy {
		return errors.New("job already in flight")
	}
	job := &Job{conn: c, work: work, queued: time.Now(), valid: true}
	c.Cork()
	r.pending[c] = job
	r.workers.Add(1)
	go r.run(job)
	return nil
}

// Busy reports whether c has a job in flight.
func (r *Reactor) Busy(c *transport.Connection) bool {
	_, ok := r.pending[c]
	return ok
}

// Sessions returns the number of open connections.
func (r *Reactor) Sessions() int {
	return len(r.sessions)
}

func (r *Reactor) run(job *Job) {
	defer r.workers.Done()
	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		return
	}
	metrics.WorkerWait.Observe(time.Since(job.queued).Seconds())
	metrics.WorkersBusy.Inc()
	job.apply = job.work(r.ctx)
	metrics.WorkersBusy.Dec()
	r.sem.Release(1)

	select {
	case r.results <- job:
	case <-r.stop:
	}
}

func (r *Reactor) open(a attach) {
	c := transport.NewConnection(a.raw, r.events, a.tls)
	c.Start()
	metrics.Connections.WithLabelValues(r.service).Inc()
	s := r.factory(r, c)
	c.Owner = s
	r.sessions[c] = &entry{session: s, active: time.Now()}
	r.log.WithFields(log.Fields{"session": c.ID, "remote": c.RemoteAddr().String()}).Debug("connection opened")

	s.Start()
	r.settle(c)
}

func (r *Reactor) deliver(ev transport.Event) {
	c := ev.Conn
	e, ok := r.sessions[c]
	if !ok {
		return
	}
	if !c.Deliver(ev) {
		r.drop(c)
		return
	}
	switch ev.Kind {
	case transport.EventReadable:
		if _, err := c.Read(); err != nil && !errors.Is(err, transport.ErrWouldBlock) && c.Buffered() == 0 {
			r.drop(c)
			return
		}
		e.active = time.Now()
		if _, busy := r.pending[c]; !busy {
			e.session.Input()
		}
	case transport.EventHandshake:
		if !c.Alive() {
			r.log.WithError(c.Err()).WithField("session", c.ID).Debug("tls handshake failed")
		}
	}
	r.settle(c)
}

func (r *Reactor) complete(job *Job) {
	c := job.conn
	if !job.valid {
		return
	}
	delete(r.pending, c)
	// only client input counts as activity
	e, ok := r.sessions[c]
	if !ok {
		return
	}
	if job.apply != nil {
		job.apply()
	}
	if _, busy := r.pending[c]; busy {
		return
	}
	if c.Uncork() {
		e.session.Input()
	}
	r.settle(c)
}

// settle re-arms c after the session had control, or drops it when the
// transport is gone.
func (r *Reactor) settle(c *transport.Connection) {
	if c.Closed() || c.State()&transport.StateErr != 0 {
		r.drop(c)
		return
	}
	if _, busy := r.pending[c]; busy {
		return
	}
	if !c.Alive() {
		// EOF from the peer; queued output still goes out
		if !c.Drained() {
			c.CloseAfterFlush()
			if !c.Closed() {
				return
			}
		}
		r.drop(c)
		return
	}
	c.Poll()
}

func (r *Reactor) expire(now time.Time) {
	for c, e := range r.sessions {
		if _, busy := r.pending[c]; busy || e.closing {
			continue
		}
		if limit := e.session.Timeout(); limit > 0 && now.Sub(e.active) > limit {
			r.log.WithField("session", c.ID).Info("idle timeout")
			e.closing = true
			e.session.Expire()
			c.CloseAfterFlush()
			r.settle(c)
			continue
		}
		e.session.Tick(now)
		r.settle(c)
	}
}

func (r *Reactor) drop(c *transport.Connection) {
	e, ok := r.sessions[c]
	if !ok {
		return
	}
	if job, busy := r.pending[c]; busy {
		job.valid = false
		delete(r.pending, c)
	}
	delete(r.sessions, c)
	_ = c.Close()
	e.session.Closed()
	r.log.WithFields(log.Fields{"session": c.ID, "in": c.BytesIn, "out": c.BytesOut}).Debug("connection closed")
}

func (r *Reactor) shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
	for c := range r.sessions {
		r.drop(c)
	}
	r.workers.Wait()
}
