// Package traceroute serializes user-requested path traces. The radio
// firmware enforces a minimum interval between trace requests, so a single
// worker owns a global FIFO and spaces sends out, one in flight at a time.
package traceroute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/osmogr/meshtastic-pingbot/pkg/commands"
	"github.com/osmogr/meshtastic-pingbot/pkg/config"
	"github.com/osmogr/meshtastic-pingbot/pkg/meshtastic"
	"github.com/osmogr/meshtastic-pingbot/pkg/models"
	"github.com/osmogr/meshtastic-pingbot/pkg/notify"
	"github.com/osmogr/meshtastic-pingbot/pkg/radio"
)

// ErrQueueFull rejects a submission when the user already has the maximum
// number of traces pending. The error text feeds the failure reply.
var ErrQueueFull = errors.New("queue full")

// TraceSender is the slice of the radio session the worker needs.
type TraceSender interface {
	SendTraceroute(dest meshtastic.NodeID) (uint32, error)
	SelfID() meshtastic.NodeID
}

// ReplySender delivers reply parts back to a mesh user.
type ReplySender interface {
	Send(dest meshtastic.NodeID, senderName, context string, parts []string)
}

// NameResolver turns node numbers into display names for the hop list.
type NameResolver interface {
	ResolveNum(num uint32) string
}

type enqueueOp struct {
	user  meshtastic.NodeID
	dest  meshtastic.NodeID
	name  string
	reply chan enqueueResult
}

type enqueueResult struct {
	position int
	wait     time.Duration
	err      error
}

// Stats is a point-in-time snapshot of queue depth for health reporting.
type Stats struct {
	Pending  int  `json:"pending"`
	InFlight bool `json:"in_flight"`
}

// Controller owns all traceroute queue state. Everything mutable lives in
// the worker goroutine; external callers talk to it through channels, so no
// locks guard the FIFO or the per-user counts.
type Controller struct {
	limits   config.LimitSettings
	sender   TraceSender
	replier  ReplySender
	names    NameResolver
	fan      *notify.Fanout
	log      *slog.Logger
	now      func() time.Time
	enqueues chan enqueueOp
	linkCh   chan bool
	respCh   chan radio.TraceResponse
	done     chan struct{}

	pending  atomic.Int32
	inFlight atomic.Bool

	// worker-owned state, untouched outside run
	fifo       []*models.TraceRequest
	perUser    map[meshtastic.NodeID]int
	lastSend   time.Time
	linkUp     bool
	processing bool
}

func New(limits config.LimitSettings, sender TraceSender, replier ReplySender, names NameResolver, fan *notify.Fanout, log *slog.Logger) *Controller {
	return &Controller{
		limits:   limits,
		sender:   sender,
		replier:  replier,
		names:    names,
		fan:      fan,
		log:      log.With("component", "traceroute"),
		now:      time.Now,
		enqueues: make(chan enqueueOp),
		linkCh:   make(chan bool, 4),
		respCh:   make(chan radio.TraceResponse, 8),
		done:     make(chan struct{}),
		perUser:  make(map[meshtastic.NodeID]int),
	}
}

// Enqueue submits a trace request. It returns the 1-based FIFO position and
// the advertised wait, or ErrQueueFull when the user is at their cap. Safe to
// call from any goroutine.
func (c *Controller) Enqueue(user, dest meshtastic.NodeID, senderName string) (int, time.Duration, error) {
	op := enqueueOp{user: user, dest: dest, name: senderName, reply: make(chan enqueueResult, 1)}
	select {
	case c.enqueues <- op:
	case <-c.done:
		return 0, 0, errors.New("traceroute worker stopped")
	}
	res := <-op.reply
	return res.position, res.wait, res.err
}

// HandleResponse feeds a correlated trace response to the worker. Never
// blocks; a response nobody is waiting for is dropped.
func (c *Controller) HandleResponse(resp radio.TraceResponse) {
	select {
	case c.respCh <- resp:
	default:
		c.log.Debug("dropping trace response, worker not draining", "from", resp.From)
	}
}

// LinkUp tells the worker sends are possible again.
func (c *Controller) LinkUp() { c.pushLink(true) }

// LinkLost fails the in-flight request, if any, instead of letting it run
// out its response timeout on a dead connection.
func (c *Controller) LinkLost() { c.pushLink(false) }

func (c *Controller) pushLink(up bool) {
	select {
	case c.linkCh <- up:
	case <-c.done:
	}
}

// Snapshot reports current queue depth.
func (c *Controller) Snapshot() Stats {
	return Stats{
		Pending:  int(c.pending.Load()),
		InFlight: c.inFlight.Load(),
	}
}

// Run drives the worker loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)

	for {
		if len(c.fifo) == 0 {
			select {
			case <-ctx.Done():
				return
			case op := <-c.enqueues:
				c.accept(op)
			case up := <-c.linkCh:
				c.linkUp = up
			case resp := <-c.respCh:
				c.log.Debug("ignoring trace response with no request in flight", "from", resp.From)
			}
			continue
		}

		req := c.fifo[0]
		c.fifo = c.fifo[1:]
		c.processing = true
		c.updateDepth()

		if !c.process(ctx, req) {
			return
		}

		c.release(req.User)
		c.processing = false
		c.updateDepth()
	}
}

// process takes one popped request through rate wait, send and response
// wait. Returns false only when ctx ended and the loop should stop.
func (c *Controller) process(ctx context.Context, req *models.TraceRequest) bool {
	if !c.linkUp {
		c.fail(req, "not connected to the radio")
		return true
	}

	ok, alive := c.rateWait(ctx, req)
	if !alive {
		return false
	}
	if !ok {
		return true
	}

	c.fan.Info("Running Meshtastic traceroute for %s...", req.SenderName)
	c.replier.Send(req.Dest, req.SenderName, "Traceroute Start",
		commands.SplitMessage("Starting traceroute..."))

	id, err := c.sender.SendTraceroute(req.Dest)
	c.lastSend = c.now() // a failed send still consumes the rate-limit slot
	if err != nil {
		c.fail(req, truncateErr(err))
		return true
	}
	req.Correlation = id
	req.Status = models.TraceSent
	c.inFlight.Store(true)
	defer c.inFlight.Store(false)

	return c.awaitResponse(ctx, req)
}

// rateWait suspends until the firmware's minimum inter-trace interval has
// elapsed since the last send. Enqueues keep being served during the wait.
// ok reports whether the request should still be sent, alive whether the
// worker should keep running.
func (c *Controller) rateWait(ctx context.Context, req *models.TraceRequest) (ok, alive bool) {
	wait := c.limits.TracerouteInterval - c.now().Sub(c.lastSend)
	if wait <= 0 {
		return true, true
	}

	c.fan.Warn("Traceroute rate limit: waiting %.1fs for %s", wait.Seconds(), req.SenderName)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, false
		case <-timer.C:
			return true, true
		case op := <-c.enqueues:
			c.accept(op)
		case up := <-c.linkCh:
			c.linkUp = up
			if !up {
				c.fail(req, "connection lost while queued")
				return false, true
			}
		case resp := <-c.respCh:
			c.log.Debug("ignoring trace response outside a send window", "from", resp.From)
		}
	}
}

func (c *Controller) awaitResponse(ctx context.Context, req *models.TraceRequest) bool {
	timer := time.NewTimer(c.limits.TracerouteTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case resp := <-c.respCh:
			if resp.Correlation != req.Correlation {
				c.log.Debug("trace response correlation mismatch",
					"got", resp.Correlation, "want", req.Correlation)
				continue
			}
			req.Status = models.TraceSucceeded
			result := formatResult(resp, req.SenderName, c.selfName(), c.names, c.now())
			c.fan.Success("Traceroute completed for %s", req.SenderName)
			c.replier.Send(req.Dest, req.SenderName, "Traceroute", commands.SplitMessage(result))
			return true
		case <-timer.C:
			req.Status = models.TraceTimedOut
			c.fan.Warn("Traceroute timed out for %s", req.SenderName)
			c.replier.Send(req.Dest, req.SenderName, "Traceroute",
				commands.SplitMessage("Traceroute timed out - no response received"))
			return true
		case op := <-c.enqueues:
			c.accept(op)
		case up := <-c.linkCh:
			c.linkUp = up
			if !up {
				req.Status = models.TraceFailed
				c.fan.Warn("Traceroute for %s failed: connection lost", req.SenderName)
				return true
			}
		}
	}
}

func (c *Controller) accept(op enqueueOp) {
	if c.perUser[op.user] >= c.limits.MaxQueuePerUser {
		op.reply <- enqueueResult{
			err: fmt.Errorf("%w (max %d per user)", ErrQueueFull, c.limits.MaxQueuePerUser),
		}
		return
	}

	c.fifo = append(c.fifo, &models.TraceRequest{
		User:        op.user,
		Dest:        op.dest,
		SenderName:  op.name,
		Status:      models.TraceQueued,
		SubmittedAt: c.now(),
	})
	c.perUser[op.user]++
	c.updateDepth()

	position := len(c.fifo)
	op.reply <- enqueueResult{
		position: position,
		wait:     time.Duration(position-1) * c.limits.TracerouteInterval,
	}
}

func (c *Controller) fail(req *models.TraceRequest, reason string) {
	req.Status = models.TraceFailed
	c.fan.Error("Traceroute failed for %s: %s", req.SenderName, reason)
	if c.linkUp {
		c.replier.Send(req.Dest, req.SenderName, "Traceroute",
			commands.SplitMessage("Traceroute failed: "+reason))
	}
}

// release frees the user's queue slot once a request reaches a terminal
// status.
func (c *Controller) release(user meshtastic.NodeID) {
	if c.perUser[user] <= 1 {
		delete(c.perUser, user)
		return
	}
	c.perUser[user]--
}

func (c *Controller) updateDepth() {
	depth := len(c.fifo)
	if c.processing {
		depth++
	}
	c.pending.Store(int32(depth))
}

func (c *Controller) selfName() string {
	self := c.sender.SelfID()
	if self == 0 {
		return "local radio"
	}
	return c.names.ResolveNum(uint32(self))
}

func truncateErr(err error) string {
	msg := err.Error()
	if len(msg) > 100 {
		return msg[:100]
	}
	return msg
}
