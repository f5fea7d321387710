// Package daemon accepts client connections and hands each one to a forked
// worker process, reaping the workers as they exit.
package daemon

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/osglue/osglue/daemon/config"
	"github.com/osglue/osglue/daemon/listeners"
	"github.com/osglue/osglue/daemon/worker"
	"github.com/osglue/osglue/pkg/process"
	"github.com/osglue/osglue/pkg/sockets"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// pollInterval bounds how long shutdown can go unnoticed while the listener
// is idle.
var pollInterval = 50 * time.Millisecond

// sweepInterval is how often the collector checks whether the reap trap
// had to drop exits.
var sweepInterval = time.Second

// Daemon is the session manager.
type Daemon struct {
	config   *config.Config
	listener sockets.Handle
	stopSig  syscall.Signal
	exits    chan process.Exit
	dropped  atomic.Uint64

	mu      sync.Mutex
	workers map[int]string // pid -> worker id
}

// New validates cfg and creates the listening handle. Nothing is accepted
// until Serve is called.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	sig, err := cfg.Signal()
	if err != nil {
		return nil, err
	}
	h, err := listeners.Init(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		config:   cfg,
		listener: h,
		stopSig:  sig,
		exits:    make(chan process.Exit, 256),
		workers:  make(map[int]string),
	}, nil
}

// Port returns the TCP port the daemon listens on.
func (d *Daemon) Port() (int, error) {
	return sockets.LocalPort(d.listener)
}

// Workers returns the pids of workers that have not been reaped.
func (d *Daemon) Workers() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	pids := make([]int, 0, len(d.workers))
	for pid := range d.workers {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Serve accepts connections until ctx is done, then stops every worker and
// waits for it before returning. The listening handle is closed on return.
func (d *Daemon) Serve(ctx context.Context) error {
	trap, err := process.InstallChildStopHandler(process.Disposition{Reap: true, Exits: d.exits, Dropped: &d.dropped})
	if err != nil {
		_ = sockets.Close(d.listener)
		return err
	}

	collectCtx, stopCollect := context.WithCancel(ctx)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		d.collect(collectCtx)
	}()

	err = d.acceptLoop(ctx)

	trap.Stop()
	stopCollect()
	<-collected
	d.shutdown(ctx)
	return err
}

func (d *Daemon) acceptLoop(ctx context.Context) error {
	// Failing accepts (EMFILE and friends) are retried at most once per poll
	// interval.
	retry := rate.NewLimiter(rate.Every(pollInterval), 1)
	for {
		if ctx.Err() != nil {
			return nil
		}
		r, err := sockets.PollTwo(d.listener, sockets.NoHandle)
		if err != nil {
			return errors.Wrap(err, "polling listener")
		}
		if !r.First() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
			}
			continue
		}

		client, err := sockets.Accept(d.listener)
		if err != nil {
			acceptErrors.Inc()
			log.G(ctx).WithError(err).Warn("accept failed")
			if retry.Wait(ctx) != nil {
				return nil
			}
			continue
		}
		if err := d.spawn(ctx, client); err != nil {
			log.G(ctx).WithError(err).Error("failed to start worker")
		}
	}
}

// spawn forks a worker for client. The parent's copy of client is always
// closed; a plain close is used so the worker's connection stays up.
func (d *Daemon) spawn(ctx context.Context, client sockets.Handle) error {
	f := os.NewFile(uintptr(client), "client")
	defer f.Close()

	id := uuid.New().String()
	spec, err := worker.NewSpec(id, d.config)
	if err != nil {
		return err
	}
	env, err := spec.Environ()
	if err != nil {
		return err
	}
	opts := process.ForkOptions{Env: env, Stderr: os.Stderr}
	if d.config.Mode == config.ModeExec {
		opts.Stdin = f
		opts.Stdout = f
	} else {
		opts.ExtraFiles = []*os.File{f}
	}

	// Hold the lock across the fork so a fast exit is not collected before
	// the pid is recorded.
	d.mu.Lock()
	pid, err := process.Fork(worker.Name, opts)
	if err == nil {
		d.workers[pid] = id
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}

	workersStarted.Inc()
	workersActive.Inc()
	log.G(ctx).WithFields(log.Fields{"pid": pid, "worker": id, "mode": d.config.Mode}).Info("worker started")
	return nil
}

func (d *Daemon) collect(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	var seen uint64
	for {
		select {
		case e := <-d.exits:
			d.reaped(ctx, e)
		case <-ticker.C:
			if n := d.dropped.Load(); n != seen {
				exitsDropped.Inc(float64(n - seen))
				seen = n
				d.sweep(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// drain handles the exits already queued.
func (d *Daemon) drain(ctx context.Context) {
	for {
		select {
		case e := <-d.exits:
			d.reaped(ctx, e)
		default:
			return
		}
	}
}

// sweep forgets tracked workers that no longer exist. Their exits were
// reaped by the trap but did not fit in the exits channel.
func (d *Daemon) sweep(ctx context.Context) {
	d.drain(ctx)
	for _, pid := range d.Workers() {
		if !process.Alive(pid) {
			d.lost(ctx, pid)
		}
	}
}

func (d *Daemon) reaped(ctx context.Context, e process.Exit) {
	d.mu.Lock()
	id, ok := d.workers[e.Pid]
	delete(d.workers, e.Pid)
	d.mu.Unlock()
	if !ok {
		log.G(ctx).WithField("pid", e.Pid).Debug("reaped unknown child")
		return
	}

	workersReaped.WithValues(exitResult(e.Status)).Inc()
	workersActive.Dec()
	fields := log.Fields{"pid": e.Pid, "worker": id}
	if e.Status.Signaled() {
		fields["signal"] = e.Status.Signal().String()
	} else {
		fields["exit-code"] = e.Status.ExitStatus()
	}
	log.G(ctx).WithFields(fields).Info("worker exited")
}

// lost forgets a worker whose exit status is unknown.
func (d *Daemon) lost(ctx context.Context, pid int) {
	d.mu.Lock()
	id, ok := d.workers[pid]
	delete(d.workers, pid)
	d.mu.Unlock()
	if !ok {
		return
	}
	workersReaped.WithValues("unknown").Inc()
	workersActive.Dec()
	log.G(ctx).WithFields(log.Fields{"pid": pid, "worker": id}).Warn("worker exited, exit status was lost")
}

func (d *Daemon) shutdown(ctx context.Context) {
	if err := sockets.Close(d.listener); err != nil {
		log.G(ctx).WithError(err).Warn("closing listener")
	}
	if d.config.Socket != "" {
		_ = os.Remove(d.config.Socket)
	}

	// Exits reaped by the trap after the collector stopped are still queued.
	d.drain(ctx)

	pids := d.Workers()
	for _, pid := range pids {
		if err := process.Signal(pid, d.stopSig); err != nil && !errors.Is(err, syscall.ESRCH) {
			log.G(ctx).WithError(err).WithField("pid", pid).Warn("failed to signal worker")
		}
	}

	waited := make(chan struct{})
	go func() {
		defer close(waited)
		d.waitWorkers(ctx, pids)
	}()
	if timeout := d.config.ShutdownTimeout; timeout >= 0 {
		select {
		case <-waited:
		case <-time.After(time.Duration(timeout) * time.Second):
			remaining := d.Workers()
			log.G(ctx).WithFields(log.Fields{"workers": len(remaining), "timeout": timeout}).Warn("workers did not stop in time, killing them")
			for _, pid := range remaining {
				if err := process.Signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
					log.G(ctx).WithError(err).WithField("pid", pid).Warn("failed to kill worker")
				}
			}
		}
	}
	<-waited
	log.G(ctx).WithField("workers", len(pids)).Info("daemon stopped")
}

func (d *Daemon) waitWorkers(ctx context.Context, pids []int) {
	for _, pid := range pids {
		ws, err := process.WaitFor(pid)
		if errors.Is(err, syscall.ECHILD) {
			// Reaped by the trap, but its exit was dropped.
			d.lost(ctx, pid)
			continue
		}
		if err != nil {
			log.G(ctx).WithError(err).WithField("pid", pid).Warn("failed to wait for worker")
			continue
		}
		d.reaped(ctx, process.Exit{Pid: pid, Status: ws})
	}
}
