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

// Rsu is the fixed gateway state machine. It originates heartbeats,
// terminates upstream client traffic on its TAP, and fans client frames
// back out as downstream traffic, unicast or per-recipient broadcast.
type Rsu struct {
	cfg  state.NodeCfg
	log  *slog.Logger
	dev  device.Device
	tap  device.Tap
	boot time.Time

	mu      sync.RWMutex
	routing *RsuRouting

	clients *ClientCache
	cipher  *Cipher
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

// NewRsu validates the configuration and spawns the heartbeat emitter,
// device-receive, and tap-receive tasks.
func NewRsu(cfg state.NodeCfg, dev device.Device, tap device.Tap, log *slog.Logger) (*Rsu, error) {
	cfg.NodeType = state.NodeRsu
	if err := state.NodeConfigValidator(&cfg); err != nil {
		return nil, err
	}
	cipher, err := NewCipher(&cfg)
	if err != nil {
		return nil, err
	}

	metrics := &Metrics{}
	boot := time.Now()
	routing, err := NewRsuRouting(&cfg, boot, metrics, log)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	r := &Rsu{
		cfg:     cfg,
		log:     log,
		dev:     dev,
		tap:     tap,
		boot:    boot,
		routing: routing,
		clients: NewClientCache(),
		cipher:  cipher,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	log.Info("rsu started",
		"mac", dev.Mac(),
		"hello_periodicity_ms", *cfg.HelloPeriodicity,
		"encryption", cipher != nil)

	r.wg.Add(3)
	go r.heartbeatLoop()
	go r.deviceLoop()
	go r.tapLoop()
	return r, nil
}

func (r *Rsu) Mac() state.MacAddress { return r.dev.Mac() }
func (r *Rsu) Metrics() *Metrics     { return r.metrics }

// RouteTo exposes the next hop toward an OBU; used by tests and status.
func (r *Rsu) RouteTo(mac state.MacAddress) *Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routing.GetRoute(&mac)
}

// KnownNodes lists every OBU the RSU has seen answer a heartbeat.
func (r *Rsu) KnownNodes() []state.MacAddress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routing.NextHops()
}

func (r *Rsu) Close() {
	r.cancel(errors.New("rsu shutting down"))
	r.wg.Wait()
	r.clients.Close()
	r.log.Info("rsu stopped", "mac", r.dev.Mac())
}

func (r *Rsu) heartbeatLoop() {
	defer r.wg.Done()
	period := time.Duration(*r.cfg.HelloPeriodicity) * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			frame := r.routing.NextHeartbeat(r.dev.Mac())
			r.mu.Unlock()
			if err := r.dev.Send(frame); err != nil {
				r.log.Error("failed sending heartbeat", "err", err)
			}
		}
	}
}

func (r *Rsu) deviceLoop() {
	defer r.wg.Done()
	buf := make([]byte, state.PacketBufferSize)
	for {
		n, err := r.dev.Recv(r.ctx, buf)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, device.ErrClosed) {
				return
			}
			r.log.Error("device read failed", "err", err)
			continue
		}
		f, err := wire.Parse(buf[:n])
		if err != nil {
			r.metrics.ParseFailures.Add(1)
			r.log.Log(r.ctx, state.LevelTrace, "dropping unparsable frame", "err", err, "len", n)
			continue
		}
		replies := r.handleFrame(f)
		if len(replies) == 0 {
			continue
		}
		if err := HandleMessagesBatched(replies, r.tap, r.dev); err != nil {
			r.log.Error("failed dispatching replies", "err", err, "count", len(replies))
		}
	}
}

func (r *Rsu) handleFrame(f wire.Frame) []Reply {
	switch f.Kind() {
	case wire.PacketControl:
		if f.Control() == wire.ControlHeartbeatReply {
			rep := f.HeartbeatReply()
			if rep.Origin() != r.dev.Mac() {
				return nil
			}
			r.mu.Lock()
			err := r.routing.HandleHeartbeatReply(f, r.dev.Mac())
			r.mu.Unlock()
			if err != nil {
				r.log.Debug("heartbeat reply not processed", "err", err)
			}
		}
		// Heartbeats from other RSUs are not re-originated here.
		return nil
	case wire.PacketData:
		if f.Data() == wire.DataUpstream {
			return r.handleUpstream(f)
		}
		// Downstream frames terminate at OBUs.
		return nil
	}
	return nil
}

// handleUpstream decapsulates one upstream frame: deliver to the local
// TAP, forward unicast toward the serving OBU, or fan out a broadcast
// with per-recipient encryption.
func (r *Rsu) handleUpstream(f wire.Frame) []Reply {
	u := f.Upstream()
	payload := u.Payload()
	if r.cipher != nil {
		plain, err := r.cipher.Decrypt(payload)
		if err != nil {
			r.metrics.DecryptFailures.Add(1)
			r.log.Warn("dropping upstream frame that failed decryption", "err", err)
			return nil
		}
		payload = plain
	}
	if len(payload) < 12 {
		r.log.Log(r.ctx, state.LevelTrace, "upstream payload shorter than an ethernet header", "len", len(payload))
		return nil
	}

	innerDst := state.MacFromSlice(payload[0:6])
	innerSrc := state.MacFromSlice(payload[6:12])
	origin := u.Origin()
	r.clients.Store(innerSrc, origin)

	var replies []Reply
	target := r.clients.Get(innerDst)
	broadcast := innerDst.IsGroup()
	if broadcast || (target != nil && *target == r.dev.Mac()) {
		replies = append(replies, TapFlat(payload))
		target = nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case broadcast:
		replies = append(replies, r.fanOut(u.Origin(), innerDst, payload)...)
	case target != nil:
		route := r.routing.GetRoute(target)
		if route == nil {
			r.log.Debug("no route toward serving node", "client", innerDst, "node", *target)
			return replies
		}
		out, err := r.sealed(payload)
		if err != nil {
			return replies
		}
		replies = append(replies, WireFlat(
			wire.AppendDownstream(nil, origin[:], *target, out, r.dev.Mac(), route.NextHop)))
	}
	return replies
}

// fanOut replicates a broadcast payload to every known OBU. Each
// recipient gets an individually encrypted copy with a fresh nonce; the
// downstream destination stays the original group address so recipients
// recognize it without a key.
func (r *Rsu) fanOut(origin, destination state.MacAddress, payload []byte) []Reply {
	var replies []Reply
	for _, node := range r.routing.NextHops() {
		route := r.routing.GetRoute(&node)
		if route == nil {
			continue
		}
		out, err := r.sealed(payload)
		if err != nil {
			continue
		}
		replies = append(replies, WireFlat(
			wire.AppendDownstream(nil, origin[:], destination, out, r.dev.Mac(), route.NextHop)))
	}
	return replies
}

// sealed re-encrypts a plaintext payload for one recipient, or passes it
// through when encryption is off.
func (r *Rsu) sealed(payload []byte) ([]byte, error) {
	if r.cipher == nil {
		return payload, nil
	}
	out, err := r.cipher.Encrypt(payload)
	if err != nil {
		r.log.Error("failed encrypting downstream payload", "err", err, "len", len(payload))
		return nil, err
	}
	return out, nil
}

func (r *Rsu) tapLoop() {
	defer r.wg.Done()
	buf := make([]byte, state.PacketBufferSize)
	for {
		n, err := r.tap.Recv(r.ctx, buf)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, device.ErrClosed) {
				return
			}
			r.log.Error("tap read failed", "err", err)
			continue
		}
		if n < 12 {
			r.log.Log(r.ctx, state.LevelTrace, "tap frame shorter than an ethernet header", "len", n)
			continue
		}
		if n > int(r.cfg.Mtu) {
			r.log.Log(r.ctx, state.LevelTrace, "tap frame exceeds mtu", "len", n, "mtu", r.cfg.Mtu)
			continue
		}
		replies := r.handleTapFrame(buf[:n])
		if len(replies) == 0 {
			continue
		}
		if err := HandleMessagesBatched(replies, r.tap, r.dev); err != nil {
			r.log.Error("failed dispatching replies", "err", err, "count", len(replies))
		}
	}
}

// handleTapFrame turns one locally originated client frame into
// downstream traffic: unicast along the route to the serving OBU when the
// destination is known, fan-out otherwise.
func (r *Rsu) handleTapFrame(frame []byte) []Reply {
	innerDst := state.MacFromSlice(frame[0:6])
	innerSrc := state.MacFromSlice(frame[6:12])
	r.clients.Store(innerSrc, r.dev.Mac())

	r.mu.RLock()
	defer r.mu.RUnlock()

	if innerDst.IsGroup() {
		return r.fanOut(r.dev.Mac(), innerDst, frame)
	}

	if target := r.clients.Get(innerDst); target != nil && *target != r.dev.Mac() {
		if route := r.routing.GetRoute(target); route != nil {
			out, err := r.sealed(frame)
			if err != nil {
				return nil
			}
			self := r.dev.Mac()
			return []Reply{WireFlat(
				wire.AppendDownstream(nil, self[:], *target, out, self, route.NextHop))}
		}
	}
	// Destination not resolved yet: fan out with the original
	// destination so the owning OBU can still deliver it.
	return r.fanOut(r.dev.Mac(), innerDst, frame)
}
