// Package zonerun provides the goroutine lifecycle that govdo's CLI
// runs its verbs under: a root task, groups of sibling and dependent
// tasks, first-error propagation, and SIGINT/SIGTERM handling. It has
// no per-zone goroutine and no mailbox of closures: govdo drives every
// device as a single degenerate zone, the Scheduler implementations in
// pkg/vdo/readonly and pkg/vdo/suspend run each zone's work inline on
// the calling goroutine, and the journals, reference counts and
// scrubber guard their own state with a mutex.
package zonerun

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Task is a unit of work run on behalf of a zone. A task may enqueue
// additional tasks onto its own siblings group or onto the
// dependencies group, which only terminate after all siblings have
// completed. This mirrors the "operations suspend on a resource-owner
// thread's queue" model described for the metadata consistency engine.
type Task func(ctx context.Context, siblings, dependencies Group) error

// Group of tasks that can be extended by spawning additional tasks.
type Group interface {
	Go(task Task)
}

// errorLogger receives the first error reported by any task in a run
// and decides how the run as a whole should react to it.
type errorLogger interface {
	Log(err error)
}

// root holds bookkeeping shared by every group spawned from a single
// call to Run or RunLocal.
type root struct {
	siblingsGroupsCount sync.WaitGroup
	errorLogger         errorLogger
}

type siblingsGroup struct {
	root                *root
	siblingsActive      atomic.Uint32
	siblingsContext     context.Context
	dependenciesContext context.Context
	dependenciesCancel  context.CancelFunc
}

func newSiblingsGroup(siblingsContext context.Context, r *root) *siblingsGroup {
	dependenciesContext, dependenciesCancel := context.WithCancel(context.Background())
	sg := &siblingsGroup{
		root:                r,
		siblingsContext:     siblingsContext,
		dependenciesContext: dependenciesContext,
		dependenciesCancel:  dependenciesCancel,
	}
	sg.siblingsActive.Store(1)
	r.siblingsGroupsCount.Add(1)
	return sg
}

func (sg *siblingsGroup) runTask(task Task) {
	if err := task(sg.siblingsContext, sg, dependenciesGroup{siblingsGroup: sg}); err != nil {
		sg.root.errorLogger.Log(err)
	}

	if sg.siblingsActive.Add(^uint32(0)) == 0 {
		sg.dependenciesCancel()
		sg.root.siblingsGroupsCount.Done()
	}
}

// Go implements Group.
func (sg *siblingsGroup) Go(task Task) {
	if sg.siblingsActive.Add(1) < 2 {
		panic("zonerun: attempted to spawn a task in a group that has already completed")
	}
	go sg.runTask(task)
}

type dependenciesGroup struct {
	siblingsGroup *siblingsGroup
}

func (dg dependenciesGroup) Go(task Task) {
	sg := dg.siblingsGroup
	if sg.siblingsActive.Load() == 0 {
		panic("zonerun: attempted to spawn a dependency task in a group that has already completed")
	}
	childSG := newSiblingsGroup(sg.dependenciesContext, sg.root)
	go childSG.runTask(task)
}

// mainErrorLogger logs the first task failure and terminates the
// process with exit code 1.
type mainErrorLogger struct {
	shutdownStarted sync.Once
	cancel          context.CancelFunc
}

func (el *mainErrorLogger) Log(err error) {
	log.Print("zone task failed: ", err)
	el.shutdownStarted.Do(func() {
		el.cancel()
		os.Exit(1)
	})
}

// Run executes a root task to completion. Termination occurs when
// either the root task and all its siblings finish, one of them
// returns a non-nil error (causing the whole program to exit with
// status 1), or the process receives SIGINT/SIGTERM.
//
// This is the goroutine analogue of the kernel thread/workqueue model
// the metadata consistency engine assumes: each zone keeps running
// until explicitly told to drain (see pkg/vdo/suspend), at which point
// its task should return nil once drained.
func Run(task Task) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	errorLogger := &mainErrorLogger{cancel: cancel}
	r := &root{errorLogger: errorLogger}
	sg := newSiblingsGroup(ctx, r)
	go sg.runTask(task)

	go func() {
		received := <-signalChan
		log.Printf("received %v, shutting down zones", received)
		errorLogger.shutdownStarted.Do(func() {
			cancel()
			signal.Reset(received)
			process, err := os.FindProcess(os.Getpid())
			if err != nil {
				panic(err)
			}
			if err := process.Signal(received); err != nil {
				panic(err)
			}
			select {}
		})
	}()

	r.siblingsGroupsCount.Wait()
	errorLogger.shutdownStarted.Do(func() {
		cancel()
		os.Exit(0)
	})
}

// localErrorLogger records the first error it observes and cancels the
// run's context, without ever calling os.Exit. Used by RunLocal.
type localErrorLogger struct {
	once     sync.Once
	firstErr error
	cancel   context.CancelFunc
}

func (el *localErrorLogger) Log(err error) {
	el.once.Do(func() {
		el.firstErr = err
		el.cancel()
	})
}

// RunLocal runs a root task to completion within an existing context,
// without calling os.Exit, returning the first error encountered by
// any task. This is used by tests and by admin-verb CLI commands that
// need to drive a bounded set of zones (e.g. to format a new volume)
// without tearing down the whole process on completion.
func RunLocal(ctx context.Context, task Task) error {
	innerCtx, cancel := context.WithCancel(ctx)
	errorLogger := &localErrorLogger{cancel: cancel}
	r := &root{errorLogger: errorLogger}
	sg := newSiblingsGroup(innerCtx, r)
	go sg.runTask(task)
	r.siblingsGroupsCount.Wait()
	cancel()
	return errorLogger.firstErr
}
