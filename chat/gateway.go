package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamkit/telemetry"
)

// State is the connection state of a Gateway.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// errHandlerPanic wraps a value recovered from a handler.
var errHandlerPanic = errors.New("chat handler panicked")

// errStaleConnection is returned by join when the connection it was
// issued for has been replaced.
var errStaleConnection = errors.New("connection superseded")

// Client is the part of an IRC client the gateway drives. Connect blocks
// until the connection ends and returns nil when it ended via Disconnect.
type Client interface {
	Connect() error
	Disconnect() error
	Join(channel string) error
}

// Dialer builds a fresh, unconnected client whose inbound events are passed
// to deliver. deliver is called on the client's own goroutine.
type Dialer interface {
	Dial(ctx context.Context, deliver func(Event)) (Client, error)
}

// HandleLister lists the platform handle of every linked account.
type HandleLister interface {
	ListPlatformHandles(ctx context.Context) ([]string, error)
}

// Gateway owns the chat connection. It reconnects unconditionally every
// interval, joins every linked channel once connected, and dispatches events
// to the handler registered for their kind.
//
// The connection reference is swapped under mu; handlers never run under it.
// Every connection gets a generation number and events carrying an old
// generation are dropped, so nothing is dispatched against a connection that
// is being torn down.
type Gateway struct {
	dialer   Dialer
	handles  HandleLister
	interval time.Duration

	handlersMu sync.RWMutex
	handlers   map[EventKind]HandlerFunc

	mu      sync.Mutex
	client  Client
	gen     uint64
	state   State
	joined  map[string]struct{}
	closed  bool
	baseCtx context.Context

	inflight  sync.WaitGroup
	reconnect chan struct{}
}

// NewGateway returns a gateway that is not yet connected; call Run.
// A non-positive interval falls back to one hour.
func NewGateway(dialer Dialer, handles HandleLister, interval time.Duration) *Gateway {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Gateway{
		dialer:    dialer,
		handles:   handles,
		interval:  interval,
		handlers:  make(map[EventKind]HandlerFunc),
		joined:    make(map[string]struct{}),
		baseCtx:   context.Background(),
		reconnect: make(chan struct{}, 1),
	}
}

// Handle registers h for kind, replacing any previous handler.
func (g *Gateway) Handle(kind EventKind, h HandlerFunc) {
	g.handlersMu.Lock()
	defer g.handlersMu.Unlock()
	g.handlers[kind] = h
}

// Run connects, then forces a full reconnect every interval or whenever
// Reconnect is called, until ctx is cancelled. On return no further events
// are dispatched and handlers that were already running have finished.
func (g *Gateway) Run(ctx context.Context) {
	g.mu.Lock()
	// in-flight handlers are allowed to finish after shutdown begins
	g.baseCtx = context.WithoutCancel(ctx)
	g.mu.Unlock()

	slog.Info("chat gateway starting", slog.Duration("reconnect_interval", g.interval), slog.String("component", "chat_gateway"))
	g.cycle(ctx, "start")

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return
		case <-ticker.C:
			g.cycle(ctx, "scheduled")
		case <-g.reconnect:
			g.cycle(ctx, "manual")
		}
	}
}

// Reconnect asks Run to start a new connection cycle. It does not wait.
func (g *Gateway) Reconnect() {
	select {
	case g.reconnect <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Connected reports whether the gateway currently holds a live connection.
func (g *Gateway) Connected() bool { return g.State() == StateConnected }

// Joined returns the channels the platform confirmed on the current
// connection, sorted.
func (g *Gateway) Joined() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.joined))
	for ch := range g.joined {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// JoinChannel joins handle on the current connection right away. When the
// gateway is not connected the channel is picked up by the next connect,
// which joins every linked handle.
func (g *Gateway) JoinChannel(handle string) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	g.mu.Lock()
	gen, state := g.gen, g.state
	g.mu.Unlock()
	if state != StateConnected {
		slog.Info("chat not connected, channel joins on next connect", slog.String("channel", handle), slog.String("component", "chat_gateway"))
		return
	}
	_ = g.join(gen, handle)
}

// cycle tears down the current connection, if any, and dials a new one.
// Only Run calls it, so cycles never overlap.
func (g *Gateway) cycle(ctx context.Context, reason string) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	old := g.client
	g.gen++
	gen := g.gen
	g.client = nil
	g.joined = make(map[string]struct{})
	g.setStateLocked(StateConnecting)
	g.mu.Unlock()

	telemetry.Inc(telemetry.GatewayReconnects)
	telemetry.SetJoinedChannels(0)
	slog.Info("chat connection cycle", slog.String("reason", reason), slog.Uint64("generation", gen), slog.String("component", "chat_gateway"))

	if old != nil {
		if err := old.Disconnect(); err != nil {
			slog.Warn("chat disconnect failed, continuing", slog.Any("err", err), slog.String("component", "chat_gateway"))
		}
	}

	client, err := g.dialer.Dial(ctx, func(ev Event) { g.deliver(gen, ev) })
	if err != nil {
		slog.Error("chat dial failed, waiting for next cycle", slog.Any("err", err), slog.String("component", "chat_gateway"))
		g.markDisconnected(gen)
		return
	}

	g.mu.Lock()
	if g.closed || g.gen != gen {
		g.mu.Unlock()
		_ = client.Disconnect()
		return
	}
	g.client = client
	g.mu.Unlock()

	go func() {
		err := client.Connect()
		if err != nil {
			slog.Warn("chat connection ended", slog.Any("err", err), slog.Uint64("generation", gen), slog.String("component", "chat_gateway"))
		} else {
			slog.Debug("chat connection closed", slog.Uint64("generation", gen), slog.String("component", "chat_gateway"))
		}
		g.markDisconnected(gen)
	}()
}

func (g *Gateway) markDisconnected(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != gen {
		return
	}
	g.client = nil
	g.setStateLocked(StateDisconnected)
}

func (g *Gateway) setStateLocked(s State) {
	g.state = s
	telemetry.SetGatewayState(int(s))
}

// shutdown stops dispatch, closes the connection and waits for in-flight
// handlers.
func (g *Gateway) shutdown() {
	g.mu.Lock()
	g.closed = true
	c := g.client
	g.client = nil
	g.gen++
	g.setStateLocked(StateDisconnected)
	g.mu.Unlock()

	if c != nil {
		if err := c.Disconnect(); err != nil {
			slog.Warn("chat disconnect on shutdown failed", slog.Any("err", err), slog.String("component", "chat_gateway"))
		}
	}
	g.inflight.Wait()
	slog.Info("chat gateway stopped", slog.String("component", "chat_gateway"))
}

// deliver receives events from the client of generation gen.
func (g *Gateway) deliver(gen uint64, ev Event) {
	g.mu.Lock()
	if g.closed || gen != g.gen {
		g.mu.Unlock()
		slog.Debug("dropping event from superseded connection", slog.String("kind", string(ev.Kind)), slog.String("component", "chat_gateway"))
		return
	}
	g.inflight.Add(1)
	ctx := g.baseCtx
	g.mu.Unlock()
	defer g.inflight.Done()

	switch ev.Kind {
	case KindConnected:
		g.onConnected(ctx, gen)
	case KindJoined:
		g.onJoined(gen, ev.Channel)
	}
	g.dispatch(ctx, ev)
}

func (g *Gateway) onConnected(ctx context.Context, gen uint64) {
	g.mu.Lock()
	if g.gen != gen {
		g.mu.Unlock()
		return
	}
	g.setStateLocked(StateConnected)
	g.mu.Unlock()
	slog.Info("chat connected", slog.Uint64("generation", gen), slog.String("component", "chat_gateway"))

	handles, err := g.handles.ListPlatformHandles(ctx)
	if err != nil {
		slog.Error("list linked channels failed", slog.Any("err", err), slog.String("component", "chat_gateway"))
		return
	}
	failed := 0
	for _, h := range handles {
		if err := g.join(gen, h); err != nil {
			if errors.Is(err, errStaleConnection) {
				return
			}
			failed++
		}
	}
	slog.Info("joined linked channels", slog.Int("channels", len(handles)), slog.Int("failed", failed), slog.String("component", "chat_gateway"))
}

func (g *Gateway) onJoined(gen uint64, channel string) {
	channel = strings.ToLower(strings.TrimPrefix(channel, "#"))
	g.mu.Lock()
	if g.gen == gen {
		g.joined[channel] = struct{}{}
		telemetry.SetJoinedChannels(len(g.joined))
	}
	g.mu.Unlock()
	slog.Info("joined channel", slog.String("channel", channel), slog.String("component", "chat_gateway"))
}

// join issues a join on the connection of generation gen. A failure is
// logged and returned; it never affects other joins.
func (g *Gateway) join(gen uint64, handle string) (err error) {
	g.mu.Lock()
	c := g.client
	current := g.gen == gen && c != nil
	g.mu.Unlock()
	if !current {
		return errStaleConnection
	}

	telemetry.Inc(telemetry.ChannelJoins)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("join panicked: %v", r)
		}
		if err != nil {
			telemetry.Inc(telemetry.ChannelJoinFailures)
			slog.Warn("channel join failed", slog.String("channel", handle), slog.Any("err", err), slog.String("component", "chat_gateway"))
		}
	}()
	return c.Join(handle)
}

// dispatch runs the handler for ev.Kind behind a recover boundary.
func (g *Gateway) dispatch(ctx context.Context, ev Event) {
	g.handlersMu.RLock()
	h := g.handlers[ev.Kind]
	g.handlersMu.RUnlock()
	if h == nil {
		return
	}

	telemetry.IncKind(telemetry.EventsDispatched, string(ev.Kind))
	ctx, span := telemetry.StartSpan(ctx, "chat", "chat.dispatch",
		telemetry.EventKindAttr(string(ev.Kind)),
		telemetry.ChannelAttr(ev.Channel))
	defer span.End()

	var err error
	telemetry.TimeFunc(telemetry.HandlerDuration, func() { err = invoke(ctx, h, ev) })
	if err == nil {
		telemetry.SetSpanSuccess(span)
		return
	}

	telemetry.IncKind(telemetry.HandlerFailures, string(ev.Kind))
	telemetry.RecordError(span, err)
	level := slog.LevelWarn
	if errors.Is(err, errHandlerPanic) {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "chat handler failed",
		slog.String("kind", string(ev.Kind)),
		slog.String("channel", ev.Channel),
		slog.Any("err", err),
		slog.String("component", "chat_gateway"))
}

func invoke(ctx context.Context, h HandlerFunc, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("handler panic stack", slog.String("stack", string(debug.Stack())), slog.String("component", "chat_gateway"))
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return h(ctx, ev)
}
