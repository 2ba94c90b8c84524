// Package listener runs subscription contexts: per-context workers that
// block on their event pipe, process slot events in priority order, and
// publish replies. A context owns one evpipe and any number of
// subscriptions of the four flavors.
package listener

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"yangvault/internal/config"
	"yangvault/internal/conn"
	"yangvault/internal/errcode"
	"yangvault/internal/event"
	"yangvault/internal/logging"
	"yangvault/internal/notiflog"
	"yangvault/internal/shmsync"
	"yangvault/internal/yang"
)

// Callback signatures. Errors returned from callbacks travel back to the
// originator as CallbackFailed with message and xpath.

// ChangeCallback handles Update/Change/Done/Abort/Enabled events. For
// Update events the returned edit is merged into the transaction.
type ChangeCallback func(module string, ds config.Datastore, code event.Code,
	diff []*yang.Node) (updateEdit []*yang.Node, err error)

// OperCallback provides an operational subtree.
type OperCallback func(module, xpath, requestXPath string, parent []*yang.Node) ([]*yang.Node, error)

// RpcCallback handles an RPC/action invocation.
type RpcCallback func(opPath string, input []*yang.Node) (output []*yang.Node, err error)

// NotifKind classifies a notification delivery.
type NotifKind int

const (
	NotifRealtime NotifKind = iota
	NotifReplay
	NotifReplayComplete
	NotifTerminated
)

// NotifCallback receives notifications (live, replayed, and lifecycle
// markers).
type NotifCallback func(module string, ts time.Time, tree []*yang.Node, kind NotifKind)

// pollInterval bounds how long the worker sleeps between pipe checks; it
// doubles as the cadence of stop-time scans.
const pollInterval = 200 * time.Millisecond

// Context is one subscription context: an evpipe, a worker, and its
// subscriptions.
type Context struct {
	ID     uuid.UUID
	Evpipe uint32

	conn   *conn.Conn
	nlog   *notiflog.Log
	logger *slog.Logger

	mu       sync.Mutex
	subs     []*sub
	lastSeen map[string]uint32
	errs     []error

	pipeFD   int
	noThread bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type sub struct {
	kind     event.Code // Change, Oper, Rpc or Notif
	module   string
	ds       config.Datastore
	xpath    string
	priority uint32
	opts     config.SubOptions

	subID     uint32 // notif
	xpathHash uint32 // oper
	opPath    string // rpc

	startTime time.Time
	stopTime  time.Time

	changeCB ChangeCallback
	operCB   OperCallback
	rpcCB    RpcCallback
	notifCB  NotifCallback

	slot     *event.Slot
	slotPath string
}

// NewContext creates a subscription context on the connection. Unless
// opts carries SubNoThread the worker starts immediately.
func NewContext(c *conn.Conn, nlog *notiflog.Log, opts config.SubOptions, logger *slog.Logger) (*Context, error) {
	ctx := &Context{
		ID:       uuid.New(),
		conn:     c,
		nlog:     nlog,
		logger:   logging.Default(logger).With("component", "listener"),
		lastSeen: make(map[string]uint32),
		noThread: opts&config.SubNoThread != 0,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	ctx.Evpipe = c.Reg.NextEvpipe()
	if err := event.CreateEvpipe(c.Paths, ctx.Evpipe); err != nil {
		return nil, err
	}
	fd, err := unix.Open(c.Paths.EvpipePath(ctx.Evpipe), unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		event.RemoveEvpipe(c.Paths, ctx.Evpipe)
		return nil, errcode.Wrap(errcode.Sys, err, "open event pipe")
	}
	ctx.pipeFD = fd

	if err := ctx.withRegLock(func() error {
		return c.Reg.ConnEvpipeAdd(c.CID, ctx.Evpipe)
	}); err != nil {
		unix.Close(fd)
		event.RemoveEvpipe(c.Paths, ctx.Evpipe)
		return nil, err
	}

	if ctx.noThread {
		close(ctx.done)
	} else {
		go ctx.worker()
	}
	return ctx, nil
}

// withRegLock runs fn under main Write + remap Write after a recovery
// sweep, the way every mutating engine entry does.
func (c *Context) withRegLock(fn func() error) error {
	deadline := time.Now().Add(conn.DefaultTimeout)
	if err := c.conn.Reg.MainLock(shmsync.Write, deadline); err != nil {
		return err
	}
	defer c.conn.Reg.MainUnlock(shmsync.Write)
	if err := c.conn.Reg.RemapLock(shmsync.Write, deadline); err != nil {
		return err
	}
	defer c.conn.Reg.RemapUnlock(shmsync.Write)
	if err := c.conn.Sweep(false); err != nil {
		return err
	}
	return fn()
}

// worker is the context's event loop: block on the pipe, drain, process.
func (c *Context) worker() {
	defer close(c.done)
	fds := []unix.PollFd{{Fd: int32(c.pipeFD), Events: unix.POLLIN}}
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err != nil && err != unix.EINTR {
			c.recordErr(errcode.Wrap(errcode.Sys, err, "event pipe poll"))
			return
		}
		if n > 0 {
			c.drainPipe()
		}
		c.ProcessEvents()
		c.finalizeElapsed()
	}
}

func (c *Context) drainPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(c.pipeFD, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// ProcessEvents scans every subscription's slot once and handles pending
// events. Exposed for SubNoThread contexts that drive processing
// themselves.
func (c *Context) ProcessEvents() {
	c.mu.Lock()
	subs := make([]*sub, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		if err := c.processSub(s); err != nil {
			c.recordErr(err)
		}
	}
}

// recordErr accumulates background errors; the worker keeps serving
// other subscriptions.
func (c *Context) recordErr(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
	c.logger.Warn("listener error", "err", err)
}

// Errors drains the accumulated background error log.
func (c *Context) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.errs
	c.errs = nil
	return out
}

// Close shuts the context down cooperatively: the shutdown flag is set,
// a sentinel token wakes the worker, subscriptions are removed (in-flight
// events dismissed), and the evpipe disappears.
func (c *Context) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
		_ = event.Kick(c.conn.Paths, c.Evpipe) // sentinel token
	})
	<-c.done

	c.mu.Lock()
	subs := make([]*sub, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := c.unsubscribe(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := c.withRegLock(func() error {
		return c.conn.Reg.ConnEvpipeDel(c.conn.CID, c.Evpipe)
	}); err != nil && firstErr == nil {
		firstErr = err
	}
	unix.Close(c.pipeFD)
	event.RemoveEvpipe(c.conn.Paths, c.Evpipe)
	return firstErr
}
