package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/GomesGoncalo/vigilant-parakeet/device"
	"github.com/GomesGoncalo/vigilant-parakeet/state"
	"github.com/GomesGoncalo/vigilant-parakeet/wire"
)

// Obu is the mobile node state machine. It terminates client traffic on
// its TAP, keeps a cached upstream toward some RSU, and forwards transit
// frames along multi-hop paths.
type Obu struct {
	cfg  state.NodeCfg
	log  *slog.Logger
	dev  device.Device
	tap  device.Tap
	boot time.Time

	// mu guards routing. Read-locks cover route queries on the data
	// plane; write-locks cover heartbeat ingestion and cache writes.
	// Critical sections never span I/O.
	mu      sync.RWMutex
	routing *ObuRouting

	cipher  *Cipher
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

// NewObu validates the configuration and spawns the device-receive and
// tap-receive tasks.
func NewObu(cfg state.NodeCfg, dev device.Device, tap device.Tap, log *slog.Logger) (*Obu, error) {
	cfg.NodeType = state.NodeObu
	if err := state.NodeConfigValidator(&cfg); err != nil {
		return nil, err
	}
	cipher, err := NewCipher(&cfg)
	if err != nil {
		return nil, err
	}

	metrics := &Metrics{}
	boot := time.Now()
	routing, err := NewObuRouting(&cfg, boot, metrics, log)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	o := &Obu{
		cfg:     cfg,
		log:     log,
		dev:     dev,
		tap:     tap,
		boot:    boot,
		routing: routing,
		cipher:  cipher,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	log.Info("obu started", "mac", dev.Mac(), "encryption", cipher != nil)

	o.wg.Add(2)
	go o.deviceLoop()
	go o.tapLoop()
	return o, nil
}

func (o *Obu) Mac() state.MacAddress { return o.dev.Mac() }
func (o *Obu) Metrics() *Metrics     { return o.metrics }

// CachedUpstream exposes the current cache head for tests and status.
func (o *Obu) CachedUpstream() *Route {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.routing.GetRoute(nil)
}

func (o *Obu) CachedCandidates() []state.MacAddress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.routing.CachedCandidates()
}

// Routing grants locked access to the routing table; fn runs under the
// write lock.
func (o *Obu) Routing(fn func(r *ObuRouting)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.routing)
}

// Close cancels all tasks and waits for them to drain.
func (o *Obu) Close() {
	o.cancel(errors.New("obu shutting down"))
	o.wg.Wait()
	o.log.Info("obu stopped", "mac", o.dev.Mac())
}

func (o *Obu) deviceLoop() {
	defer o.wg.Done()
	buf := make([]byte, state.PacketBufferSize)
	for {
		n, err := o.dev.Recv(o.ctx, buf)
		if err != nil {
			if o.ctx.Err() != nil || errors.Is(err, device.ErrClosed) {
				return
			}
			o.log.Error("device read failed", "err", err)
			continue
		}
		f, err := wire.Parse(buf[:n])
		if err != nil {
			o.metrics.ParseFailures.Add(1)
			o.log.Log(o.ctx, state.LevelTrace, "dropping unparsable frame", "err", err, "len", n)
			continue
		}
		replies := o.handleFrame(f)
		if len(replies) == 0 {
			continue
		}
		if err := HandleMessagesBatched(replies, o.tap, o.dev); err != nil {
			o.log.Error("failed dispatching replies", "err", err, "count", len(replies))
		}
	}
}

func (o *Obu) handleFrame(f wire.Frame) []Reply {
	self := o.dev.Mac()
	switch f.Kind() {
	case wire.PacketControl:
		switch f.Control() {
		case wire.ControlHeartbeat:
			o.mu.Lock()
			replies, err := o.routing.HandleHeartbeat(f, self)
			o.mu.Unlock()
			if err != nil {
				o.log.Debug("heartbeat not processed", "err", err)
			}
			return replies
		case wire.ControlHeartbeatReply:
			o.mu.Lock()
			replies, err := o.routing.HandleHeartbeatReply(f, self)
			o.mu.Unlock()
			if err != nil && !errors.Is(err, ErrLoopDetected) {
				o.log.Debug("heartbeat reply not processed", "err", err)
			}
			return replies
		}
	case wire.PacketData:
		switch f.Data() {
		case wire.DataUpstream:
			return o.handleUpstream(f)
		case wire.DataDownstream:
			return o.handleDownstream(f)
		}
	}
	return nil
}

// handleUpstream forwards transit client traffic toward the cached
// upstream. With encryption off, traffic addressed to a client behind our
// own TAP is decapsulated locally; encrypted transit frames stay opaque
// and the RSU resolves them.
func (o *Obu) handleUpstream(f wire.Frame) []Reply {
	u := f.Upstream()
	if o.cipher == nil {
		payload := u.Payload()
		if len(payload) >= 6 && state.MacFromSlice(payload[0:6]) == o.dev.Mac() {
			return []Reply{TapFlat(payload)}
		}
	}

	o.mu.RLock()
	route := o.routing.GetRoute(nil)
	o.mu.RUnlock()
	if route == nil {
		o.log.Debug("no cached upstream, dropping upstream frame", "origin", u.Origin())
		return nil
	}
	o.metrics.FramesForwarded.Add(1)
	return []Reply{WireFlat(wire.AppendUpstreamForward(nil, u, o.dev.Mac(), route.NextHop))}
}

// handleDownstream delivers frames destined to this node's clients and
// forwards the rest along the recorded path toward their destination.
func (o *Obu) handleDownstream(f wire.Frame) []Reply {
	d := f.Downstream()
	dest := d.Destination()
	if dest == o.dev.Mac() || dest.IsGroup() {
		payload := d.Payload()
		if o.cipher != nil {
			plain, err := o.cipher.Decrypt(payload)
			if err != nil {
				o.metrics.DecryptFailures.Add(1)
				o.log.Warn("dropping downstream frame that failed decryption", "err", err)
				return nil
			}
			payload = plain
		}
		return []Reply{TapFlat(payload)}
	}

	o.mu.RLock()
	route := o.routing.GetRoute(&dest)
	o.mu.RUnlock()
	if route == nil {
		o.log.Debug("no route for downstream frame", "destination", dest)
		return nil
	}
	o.metrics.FramesForwarded.Add(1)
	return []Reply{WireFlat(wire.AppendDownstreamForward(nil, d, o.dev.Mac(), route.NextHop))}
}

func (o *Obu) tapLoop() {
	defer o.wg.Done()
	buf := make([]byte, state.PacketBufferSize)
	for {
		n, err := o.tap.Recv(o.ctx, buf)
		if err != nil {
			if o.ctx.Err() != nil || errors.Is(err, device.ErrClosed) {
				return
			}
			o.log.Error("tap read failed", "err", err)
			continue
		}
		if n < 12 {
			o.log.Log(o.ctx, state.LevelTrace, "tap frame shorter than an ethernet header", "len", n)
			continue
		}
		if n > int(o.cfg.Mtu) {
			o.log.Log(o.ctx, state.LevelTrace, "tap frame exceeds mtu", "len", n, "mtu", o.cfg.Mtu)
			continue
		}
		o.sendUpstream(buf[:n])
	}
}

// sendUpstream encapsulates one client frame and sends it toward the
// cached upstream. On send failure it rotates the candidate list and
// retries once; a second failure drops the frame.
func (o *Obu) sendUpstream(frame []byte) {
	payload := frame
	if o.cipher != nil {
		encrypted, err := o.cipher.Encrypt(frame)
		if err != nil {
			o.log.Error("failed encrypting client frame", "err", err, "len", len(frame))
			return
		}
		payload = encrypted
	}

	o.mu.RLock()
	upstream := o.routing.CachedUpstream()
	o.mu.RUnlock()
	if upstream == nil {
		o.log.Debug("no cached upstream, dropping client frame", "len", len(frame))
		return
	}

	pkt := wire.NewUpstream(*upstream, o.dev.Mac(), o.dev.Mac(), payload)
	err := o.dev.Send(pkt)
	if err == nil {
		return
	}
	o.log.Error("upstream send failed, rotating candidates",
		"err", err, "destination", *upstream, "len", len(pkt))

	o.mu.Lock()
	promoted := o.routing.FailoverCachedUpstream()
	o.mu.Unlock()
	if promoted == nil {
		o.metrics.UpstreamSendFailures.Add(1)
		return
	}

	pkt = wire.NewUpstream(*promoted, o.dev.Mac(), o.dev.Mac(), payload)
	if err := o.dev.Send(pkt); err != nil {
		o.metrics.UpstreamSendFailures.Add(1)
		o.log.Error("upstream retry failed, dropping frame",
			"err", err, "destination", *promoted, "len", len(pkt))
	}
}
