// Package reconnect implements the client-side Reconnect Controller (spec
// §4.6): it owns the dial/retry lifecycle around a session.Session so a
// client only has to call Connect/Disconnect once and let the controller
// re-establish the sync Session across transient network failures.
package reconnect

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/collabtext/syncengine/channel"
	"github.com/collabtext/syncengine/session"
)

// State is the controller's lifecycle, mirroring spec §4.6's three-state
// machine exactly.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Dialer opens a fresh channel.Channel for one connection attempt. A
// ws.Dial closure is the typical value.
type Dialer func(ctx context.Context) (channel.Channel, error)

// Hooks mirror session.Config's callbacks, fired with the controller's
// bookkeeping (backoff reset, state transitions) layered on top.
type Hooks struct {
	OnConnect           func(remoteNodeID string, data any)
	OnDisconnect        func(remoteNodeID string, code int, reason string)
	OnChangesetSent     func(peerID string, counts map[string]int)
	OnChangesetReceived func(peerID string, counts map[string]int)
	OnStateChange       func(State)
}

// Controller drives repeated connection attempts against dial, running one
// session.Session per successful attempt. Template supplies every
// session.Config field except Channel, IsClient, OnConnect and
// OnDisconnect, which the controller owns, and OnChangesetSent and
// OnChangesetReceived, which are taken from Hooks.
type Controller struct {
	dial     Dialer
	template session.Config
	hooks    Hooks
	verbose  bool

	mu         sync.Mutex
	state      State
	onlineMode bool
	backOff    *schedule
	timer      *time.Timer
	session    *session.Session
	listeners  map[chan State]struct{}
}

// New builds a Controller. template.IsClient is ignored — the controller
// always runs client sessions.
func New(dial Dialer, template session.Config, hooks Hooks) *Controller {
	return &Controller{
		dial:      dial,
		template:  template,
		hooks:     hooks,
		verbose:   template.Verbose,
		backOff:   newSchedule(),
		listeners: make(map[chan State]struct{}),
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel that receives every subsequent state
// transition, and an unsubscribe function. The channel is buffered; a
// slow reader misses intermediate states but never blocks the controller.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)
	c.mu.Lock()
	c.listeners[ch] = struct{}{}
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.listeners, ch)
		c.mu.Unlock()
	}
}

// Connect enters online mode and starts (or restarts, if already
// disconnected) the connect/backoff cycle. A no-op if already connecting
// or connected.
func (c *Controller) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.onlineMode = true
	c.mu.Unlock()
	c.transition(Connecting)

	go c.attemptConnect(ctx)
}

// Disconnect leaves online mode: any pending reconnect timer is canceled
// and the live session, if any, is closed. The controller will not
// reconnect on its own again until Connect is called.
func (c *Controller) Disconnect(code int, reason string) {
	c.mu.Lock()
	c.onlineMode = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.backOff.Reset()
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	c.transition(Disconnected)
	if sess != nil {
		sess.Close(code, reason)
	}
}

func (c *Controller) attemptConnect(ctx context.Context) {
	ch, err := c.dial(ctx)
	if err != nil {
		c.logf("reconnect: dial failed: %v", err)
		c.transition(Disconnected)
		c.scheduleReconnect(ctx)
		return
	}

	cfg := c.template
	cfg.IsClient = true
	cfg.Channel = ch
	cfg.OnConnect = c.handleSessionConnect
	cfg.OnDisconnect = func(remoteNodeID string, code int, reason string) {
		c.handleSessionDisconnect(ctx, remoteNodeID, code, reason)
	}
	cfg.OnChangesetSent = c.hooks.OnChangesetSent
	cfg.OnChangesetReceived = c.hooks.OnChangesetReceived

	sess, err := session.New(cfg)
	if err != nil {
		ch.Close(channel.ProtocolErrorCode, "session construction failed")
		c.logf("reconnect: session construction failed: %v", err)
		c.transition(Disconnected)
		c.scheduleReconnect(ctx)
		return
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	go func() {
		if err := sess.Start(ctx); err != nil {
			c.logf("reconnect: session ended: %v", err)
		}
	}()
}

func (c *Controller) handleSessionConnect(remoteNodeID string, data any) {
	c.mu.Lock()
	c.backOff.Reset()
	c.mu.Unlock()
	c.transition(Connected)
	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(remoteNodeID, data)
	}
}

func (c *Controller) handleSessionDisconnect(ctx context.Context, remoteNodeID string, code int, reason string) {
	c.mu.Lock()
	c.session = nil
	online := c.onlineMode
	c.mu.Unlock()

	c.transition(Disconnected)
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(remoteNodeID, code, reason)
	}
	if online {
		c.scheduleReconnect(ctx)
	}
}

// scheduleReconnect arms a cancelable timer for the next connect attempt.
// The delay comes from the backoff.BackOff schedule (2, 4, 8, 10, 10, …
// seconds), not from driving backoff.Retry's own blocking sleep loop —
// Retry's sleep can't be interrupted by an explicit Disconnect mid-wait,
// while a time.Timer can.
func (c *Controller) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	if !c.onlineMode {
		c.mu.Unlock()
		return
	}
	d := c.backOff.NextBackOff()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, func() { c.retryConnect(ctx) })
	c.mu.Unlock()
}

func (c *Controller) retryConnect(ctx context.Context) {
	c.mu.Lock()
	if !c.onlineMode || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.transition(Connecting)
	c.attemptConnect(ctx)
}

func (c *Controller) transition(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := make([]chan State, 0, len(c.listeners))
	for ch := range c.listeners {
		listeners = append(listeners, ch)
	}
	c.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- s:
		default:
		}
	}
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(s)
	}
}

func (c *Controller) logf(format string, args ...any) {
	if c.verbose {
		log.Printf(format, args...)
	}
}
