// Package server runs the chat broker: a single tick loop that owns every
// connection, drives the registration handshake, relays chat lines and
// enforces the heartbeat policy.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/ticktalk/internal/config"
	"github.com/energizer-project/ticktalk/internal/events"
	"github.com/energizer-project/ticktalk/internal/network"
	"github.com/energizer-project/ticktalk/internal/protocol"
	"github.com/energizer-project/ticktalk/internal/session"
	"github.com/energizer-project/ticktalk/internal/telemetry"
	"github.com/energizer-project/ticktalk/internal/util"
)

var (
	// ErrQueueFull is returned by Admit, Kick and Notice when the tick
	// loop has fallen behind.
	ErrQueueFull = errors.New("broker queue is full")
	// ErrStopped is returned once the broker has shut down.
	ErrStopped = errors.New("broker is stopped")
	// ErrUnknownClient is returned by Kick for an id not in the registry.
	ErrUnknownClient = errors.New("unknown client id")
	// ErrEmptyNotice is returned by Notice for a blank message.
	ErrEmptyNotice = errors.New("notice message is empty")
)

const brokerSource = "broker"

// Options configures a Broker. Zero values fall back to DefaultOptions.
type Options struct {
	IDs  protocol.IDSpace
	Rand func() uint32
	Now  func() time.Time

	TickInterval      time.Duration
	TickBudget        time.Duration
	HeartbeatInterval time.Duration
	MaxHeartbeatSkip  int

	// RegistrationTimeout drops connections that have not completed the
	// handshake this long after admission. Negative disables it.
	RegistrationTimeout time.Duration

	MaxClients       int // 0 means unlimited
	AcceptQueueSize  int
	AnnouncePresence bool

	EventBus *events.EventBus
	Metrics  *telemetry.Metrics
}

// DefaultOptions returns the broker defaults.
func DefaultOptions() Options {
	return Options{
		IDs:               protocol.DefaultIDSpace(),
		Now:               time.Now,
		TickInterval:      10 * time.Millisecond,
		TickBudget:        50 * time.Millisecond,
		HeartbeatInterval: session.DefaultHeartbeatInterval,
		MaxHeartbeatSkip:  session.DefaultMaxHeartbeatSkip,
		AcceptQueueSize:   128,
		AnnouncePresence:  true,

		RegistrationTimeout: 10 * time.Second,
	}
}

// OptionsFromConfig maps the server configuration onto broker options.
func OptionsFromConfig(cfg *config.Config, bus *events.EventBus, metrics *telemetry.Metrics) Options {
	s := cfg.GetServer()
	opts := DefaultOptions()
	opts.IDs = protocol.IDSpace{ReservedFloor: cfg.Identity.ReservedFloor}
	opts.TickInterval = s.TickInterval()
	opts.TickBudget = s.TickBudget()
	opts.HeartbeatInterval = s.HeartbeatInterval()
	opts.MaxHeartbeatSkip = s.MaxHeartbeatSkip
	opts.RegistrationTimeout = s.RegistrationTimeout()
	if opts.RegistrationTimeout == 0 {
		opts.RegistrationTimeout = -1
	}
	opts.MaxClients = s.MaxClients
	opts.AcceptQueueSize = s.AcceptQueueSize
	opts.AnnouncePresence = s.AnnouncePresence
	opts.EventBus = bus
	opts.Metrics = metrics
	return opts
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.TickBudget <= 0 {
		o.TickBudget = d.TickBudget
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.MaxHeartbeatSkip <= 0 {
		o.MaxHeartbeatSkip = d.MaxHeartbeatSkip
	}
	if o.AcceptQueueSize <= 0 {
		o.AcceptQueueSize = d.AcceptQueueSize
	}
	if o.RegistrationTimeout == 0 {
		o.RegistrationTimeout = d.RegistrationTimeout
	}
	return o
}

type commandKind int

const (
	cmdKick commandKind = iota
	cmdNotice
)

type command struct {
	kind     commandKind
	clientID uint32
	message  string
}

// outgoing is a broadcast waiting for the fan-out step.
type outgoing struct {
	packet protocol.ServerBroadcastMessageOwned
	notice bool
}

// Broker owns the connection registry and runs the tick loop. Tick must
// only be called from one goroutine; Admit, Kick, Notice and Snapshot are
// safe from any goroutine.
type Broker struct {
	opts     Options
	registry *network.Registry
	logger   zerolog.Logger

	admissions chan network.Socket
	commands   chan command
	stopped    atomic.Bool

	ctx      context.Context
	pending  []outgoing // carried over to the next fan-out
	fillErrs map[uint32]error
	tick     uint64
	lastTick time.Duration
	stats    Stats
	started  time.Time

	snapshot atomic.Pointer[Snapshot]
}

// NewBroker creates a broker with an empty registry.
func NewBroker(opts Options) *Broker {
	opts = opts.normalized()
	b := &Broker{
		opts:       opts,
		registry:   network.NewRegistry(opts.IDs, opts.Rand),
		logger:     util.ComponentLogger("broker"),
		admissions: make(chan network.Socket, opts.AcceptQueueSize),
		commands:   make(chan command, opts.AcceptQueueSize),
		ctx:        context.Background(),
		fillErrs:   make(map[uint32]error),
		started:    opts.Now(),
		stats:      Stats{DropReasons: make(map[string]uint64)},
	}
	b.publishSnapshot(b.started)
	return b
}

// Admit queues an accepted socket for admission on the next tick. It never
// blocks.
func (b *Broker) Admit(sock network.Socket) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	select {
	case b.admissions <- sock:
		return nil
	default:
		b.opts.Metrics.ConnectionDropped(string(network.DropCapacity))
		return ErrQueueFull
	}
}

// Kick queues the removal of a client. The id is checked against the
// latest snapshot.
func (b *Broker) Kick(clientID uint32) error {
	if _, ok := b.Snapshot().Client(clientID); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, clientID)
	}
	return b.enqueue(command{kind: cmdKick, clientID: clientID})
}

// Notice queues a server notice for every active client.
func (b *Broker) Notice(message string) error {
	if message == "" {
		return ErrEmptyNotice
	}
	return b.enqueue(command{kind: cmdNotice, message: protocol.TruncateString(message, protocol.MaxMessageLen)})
}

func (b *Broker) enqueue(cmd command) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	select {
	case b.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run ticks every TickInterval until ctx is cancelled, then closes every
// connection.
func (b *Broker) Run(ctx context.Context) error {
	b.ctx = ctx
	ticker := time.NewTicker(b.opts.TickInterval)
	defer ticker.Stop()

	b.logger.Info().
		Dur("tick_interval", b.opts.TickInterval).
		Dur("heartbeat_interval", b.opts.HeartbeatInterval).
		Int("max_heartbeat_skip", b.opts.MaxHeartbeatSkip).
		Msg("broker started")

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil
		case <-ticker.C:
			b.Tick(b.opts.Now())
		}
	}
}

func (b *Broker) shutdown() {
	b.stopped.Store(true)
	now := b.opts.Now()

drain:
	for {
		select {
		case sock := <-b.admissions:
			sock.Close()
		default:
			break drain
		}
	}

	dropped := b.registry.CloseAll(network.DropShutdown)
	// Handlers may outlive the run context.
	b.ctx = context.Background()
	for _, conn := range dropped {
		b.recordDrop(conn, now)
	}
	b.publishSnapshot(now)
	b.logger.Info().Int("closed", len(dropped)).Msg("broker stopped")
}

// Tick runs one iteration of the loop at logical time now.
func (b *Broker) Tick(now time.Time) {
	start := time.Now()
	b.tick++

	b.admit(now)
	b.runCommands()
	b.fill()
	b.decode(now)
	b.fanOut(now)
	b.heartbeat(now)
	b.removeDropped(now)

	b.lastTick = time.Since(start)
	b.opts.Metrics.ObserveTick(b.lastTick)
	b.publishSnapshot(now)

	if b.lastTick > b.opts.TickBudget {
		b.logger.Warn().
			Dur("duration", b.lastTick).
			Dur("budget", b.opts.TickBudget).
			Int("connections", b.registry.Len()).
			Msg("tick exceeded budget")
		b.emit(events.EventLongTick, now, events.LongTickPayload{
			Duration:    b.lastTick,
			Budget:      b.opts.TickBudget,
			Connections: b.registry.Len(),
		})
	}
}

// admit moves queued sockets into the registry.
func (b *Broker) admit(now time.Time) {
	for {
		var sock network.Socket
		select {
		case sock = <-b.admissions:
		default:
			return
		}

		if b.opts.MaxClients > 0 && b.registry.Len() >= b.opts.MaxClients {
			b.logger.Warn().Str("remote", sock.RemoteAddr()).Int("max_clients", b.opts.MaxClients).
				Msg("connection refused, server full")
			sock.Close()
			b.countDrop(network.DropCapacity)
			continue
		}

		conn, err := b.registry.Admit(sock, now)
		if err != nil {
			b.logger.Error().Err(err).Str("remote", sock.RemoteAddr()).Msg("failed to admit connection")
			sock.Close()
			b.countDrop(network.DropCapacity)
			continue
		}

		b.stats.Admitted++
		b.opts.Metrics.ConnectionAdmitted()
		conn.Logger().Info().Msg("client connected")
		b.emit(events.EventClientAdmitted, now, clientPayload(conn))
	}
}

func (b *Broker) runCommands() {
	for {
		select {
		case cmd := <-b.commands:
			switch cmd.kind {
			case cmdKick:
				if conn, ok := b.registry.Get(cmd.clientID); ok {
					conn.Logger().Info().Msg("client kicked")
					conn.MarkDrop(network.DropKicked, nil)
				}
			case cmdNotice:
				b.queueNotice(cmd.message)
			}
		default:
			return
		}
	}
}

func (b *Broker) queueNotice(message string) {
	b.pending = append(b.pending, outgoing{
		packet: protocol.ServerBroadcastMessageOwned{
			UserID:   protocol.ServerNoticeID,
			Username: protocol.ServerNoticeName,
			Message:  message,
		},
		notice: true,
	})
}

// fill drains every socket into its connection buffer. Read errors are
// applied after the buffered bytes have been decoded.
func (b *Broker) fill() {
	clear(b.fillErrs)
	b.registry.Each(func(conn *network.Connection) {
		if conn.Dropped() {
			return
		}
		if err := conn.Fill(); err != nil {
			b.fillErrs[conn.ID] = err
		}
	})
}

func (b *Broker) decode(now time.Time) {
	b.registry.Each(func(conn *network.Connection) {
		if !conn.Dropped() {
			b.decodeConnection(conn, now)
		}

		err, failed := b.fillErrs[conn.ID]
		if !failed {
			return
		}
		if errors.Is(err, io.EOF) {
			conn.MarkDrop(network.DropPeerClosed, nil)
		} else {
			conn.MarkDrop(network.DropIOError, err)
		}
	})
}

// decodeConnection handles every complete packet in the connection buffer.
func (b *Broker) decodeConnection(conn *network.Connection, now time.Time) {
	for {
		buf := conn.Buffered()
		p, rest, err := protocol.Decode(buf)
		if errors.Is(err, protocol.ErrMissingData) {
			return
		}
		if err != nil {
			reason := network.DropInvalidTag
			if errors.Is(err, protocol.ErrNotUTF8) {
				reason = network.DropNotUTF8
			}
			conn.Logger().Warn().Err(err).Msg("undecodable packet")
			conn.MarkDrop(reason, err)
			return
		}
		b.opts.Metrics.PacketDecoded(p.Tag().String())

		// p aliases buf, handle it before the buffer is compacted.
		wasActive := conn.Active()
		outcome, err := conn.Handle(p, now)
		conn.Consume(rest)
		if err != nil {
			conn.Logger().Warn().Err(err).Msg("protocol violation")
			conn.MarkDrop(network.DropProtocolViolation, err)
			return
		}

		if outcome.Reply != nil {
			if err := conn.Write(protocol.Encode(outcome.Reply)); err != nil {
				markWriteFailed(conn, err)
				return
			}
		}
		if outcome.Activated && !wasActive {
			conn.Logger().Info().Str("username", conn.Username).Msg("client registered")
			b.emit(events.EventClientRegistered, now, clientPayload(conn))
			if b.opts.AnnouncePresence {
				b.queueNotice(conn.Username + " joined")
			}
		}
		if outcome.Broadcast != nil {
			b.pending = append(b.pending, outgoing{packet: *outcome.Broadcast})
		}
	}
}

// fanOut writes every pending broadcast, in order, to every live
// connection in admission order. Each packet is encoded once.
func (b *Broker) fanOut(now time.Time) {
	if len(b.pending) == 0 {
		return
	}
	pending := b.pending
	b.pending = nil

	for _, out := range pending {
		data := protocol.Encode(out.packet)
		recipients := 0
		b.registry.Each(func(conn *network.Connection) {
			if !conn.Live() {
				return
			}
			if err := conn.Write(data); err != nil {
				markWriteFailed(conn, err)
				return
			}
			recipients++
		})

		b.opts.Metrics.Broadcast(recipients)
		if out.notice {
			b.stats.Notices++
			b.emit(events.EventServerNotice, now, events.NoticePayload{
				Message:    out.packet.Message,
				Recipients: recipients,
			})
			continue
		}
		b.stats.Broadcasts++
		b.emit(events.EventMessageBroadcast, now, events.BroadcastPayload{
			UserID:     out.packet.UserID,
			Username:   out.packet.Username,
			MessageLen: len(out.packet.Message),
			Recipients: recipients,
		})
	}
}

// heartbeat requests liveness proofs from active connections and expires
// connections stuck in the handshake.
func (b *Broker) heartbeat(now time.Time) {
	request := protocol.BuildHeartBeatRequest()
	b.registry.Each(func(conn *network.Connection) {
		if conn.Dropped() {
			return
		}
		if !conn.Active() {
			if b.opts.RegistrationTimeout > 0 && now.Sub(conn.AdmittedAt()) >= b.opts.RegistrationTimeout {
				conn.Logger().Info().Str("state", string(conn.State)).Msg("registration timed out")
				conn.MarkDrop(network.DropRegistrationTimeout, nil)
			}
			return
		}
		switch conn.Heartbeat(now, b.opts.HeartbeatInterval, b.opts.MaxHeartbeatSkip) {
		case session.HeartbeatSend:
			if err := conn.Write(request); err != nil {
				markWriteFailed(conn, err)
				return
			}
			b.stats.HeartbeatsSent++
			b.opts.Metrics.HeartbeatRequested()
		case session.HeartbeatExpired:
			conn.Logger().Info().Int("skipped", conn.SkipCount).Msg("heartbeat timeout")
			conn.MarkDrop(network.DropHeartbeatTimeout, nil)
		}
	})
}

func markWriteFailed(conn *network.Connection, err error) {
	if errors.Is(err, network.ErrWriteQueueFull) {
		conn.MarkDrop(network.DropSlowConsumer, err)
		return
	}
	conn.MarkDrop(network.DropIOError, err)
}

func (b *Broker) removeDropped(now time.Time) {
	for _, conn := range b.registry.RemoveDropped() {
		b.recordDrop(conn, now)
		if b.opts.AnnouncePresence && conn.Active() {
			b.queueNotice(conn.Username + " left")
		}
	}
}

func (b *Broker) recordDrop(conn *network.Connection, now time.Time) {
	reason := conn.DropReason()
	ev := conn.Logger().Info()
	if err := conn.DropErr(); err != nil {
		ev = ev.Err(err)
	}
	ev.Str("reason", string(reason)).Msg("client disconnected")

	b.countDrop(reason)
	payload := events.DroppedPayload{
		ClientPayload: clientPayload(conn),
		Reason:        string(reason),
		WasActive:     conn.Active(),
		Registered:    conn.State != session.StateAwaitingRegistration,
	}
	if err := conn.DropErr(); err != nil {
		payload.Error = err.Error()
	}
	b.emit(events.EventClientDropped, now, payload)
}

func (b *Broker) countDrop(reason network.DropReason) {
	b.stats.Dropped++
	b.stats.DropReasons[string(reason)]++
	b.opts.Metrics.ConnectionDropped(string(reason))
}

func (b *Broker) emit(t events.EventType, now time.Time, payload interface{}) {
	if b.opts.EventBus == nil {
		return
	}
	b.opts.EventBus.Emit(b.ctx, events.Event{
		Type:    t,
		Source:  brokerSource,
		Time:    now,
		Payload: payload,
	})
}

func clientPayload(conn *network.Connection) events.ClientPayload {
	return events.ClientPayload{
		ClientID:   conn.ID,
		Username:   conn.Username,
		RemoteAddr: conn.RemoteAddr(),
		Transport:  conn.Transport(),
		AdmittedAt: conn.AdmittedAt(),
	}
}
