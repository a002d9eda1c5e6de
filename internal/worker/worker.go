// Package worker implements a condition-variable-driven background
// executor: a single long-lived goroutine that runs the client-side and
// data-node-side thread hooks when wake flags are set.
package worker

import (
	"sync"

	"github.com/leaflabs/leafyd/internal/logging"
)

// Why is the wake-reason bitset. Multiple bits may be asserted
// simultaneously; the worker processes all asserted bits in one pass.
type Why uint32

const (
	None      Why = 0
	ClientCmd Why = 1 << (iota - 1)
	ClientRes
	DnodeTxn
	Exit
)

// Hooks are the two side-handler thread callbacks. Both run with the
// session mutex held (see Worker.Mu) and must not release it; each is
// responsible for clearing the wake bits it consumed before returning.
type Hooks struct {
	ClientThread func()
	DnodeThread  func()
}

// Worker is the condition-variable consumer loop. Mu is exported so
// callers (notably the control session) can take the same lock to mutate
// shared state from reactor callbacks before calling Wake.
type Worker struct {
	Mu      sync.Mutex
	cv      *sync.Cond
	wakeWhy Why
	hooks   Hooks
	done    chan struct{}
}

// New constructs a worker bound to hooks. Start must be called to actually
// run the loop.
func New(hooks Hooks) *Worker {
	w := &Worker{hooks: hooks, done: make(chan struct{})}
	w.cv = sync.NewCond(&w.Mu)
	return w
}

// Start launches the worker loop in its own goroutine, mirroring
// pthread_create(&cs->thread, NULL, control_worker_main, cs).
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) run() {
	for {
		w.Mu.Lock()
		for w.wakeWhy == None {
			w.cv.Wait()
		}
		if w.wakeWhy&Exit != 0 {
			w.Mu.Unlock()
			close(w.done)
			return
		}
		if w.wakeWhy&(ClientCmd|ClientRes) != 0 {
			if w.hooks.ClientThread != nil {
				before := w.wakeWhy
				w.hooks.ClientThread()
				if w.wakeWhy&(ClientCmd|ClientRes) == before&(ClientCmd|ClientRes) {
					w.Mu.Unlock()
					logFatalExit("client thread hook returned without clearing its wake bits")
					return
				}
			} else {
				w.wakeWhy &^= ClientCmd | ClientRes
			}
		}
		if w.wakeWhy&DnodeTxn != 0 {
			if w.hooks.DnodeThread != nil {
				before := w.wakeWhy
				w.hooks.DnodeThread()
				if w.wakeWhy&DnodeTxn == before&DnodeTxn {
					w.Mu.Unlock()
					logFatalExit("data node thread hook returned without clearing its wake bits")
					return
				}
			} else {
				w.wakeWhy &^= DnodeTxn
			}
		}
		w.Mu.Unlock()
	}
}

// Wake asserts why into the wake-reason bitset and signals the condition
// variable. It acquires Mu itself; do not call it while already holding Mu
// (use WakeLocked from inside a hook or a caller that already has the
// lock).
func (w *Worker) Wake(why Why) {
	w.Mu.Lock()
	w.wakeWhy |= why
	w.Mu.Unlock()
	w.cv.Signal()
}

// WakeLocked is Wake's variant for callers that already hold Mu, mirroring
// "you don't have to use control_must_wake if you've got the lock".
func (w *Worker) WakeLocked(why Why) {
	w.wakeWhy |= why
	w.cv.Signal()
}

// ClearLocked removes bits from the wake-reason set. Hooks call this
// themselves before returning, mirroring "each hook is responsible for
// clearing the bits it has consumed".
func (w *Worker) ClearLocked(why Why) {
	w.wakeWhy &^= why
}

// Join blocks until the worker has observed Exit and returned, mirroring
// control_must_join. Callers must have already called Wake(Exit).
func (w *Worker) Join() {
	<-w.done
}

// logFatalExit aborts the process when a thread hook violates its
// bit-clearing contract: left uncleared, the worker would spin on that
// hook forever holding Mu rather than ever reaching cv.Wait() again.
func logFatalExit(reason string) {
	logging.Crit("control worker exiting unexpectedly: %s", reason)
}
