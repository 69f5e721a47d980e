// Package radio maintains the connection to a Meshtastic device over its
// client stream API, either TCP or USB serial. A Session owns the link,
// performs the want-config handshake, keeps the link alive with heartbeats
// and reconnects forever with exponential backoff when it drops. Decoded
// traffic is handed to an EventHandler from the single receive goroutine.
package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/osmogr/meshtastic-pingbot/pkg/config"
	"github.com/osmogr/meshtastic-pingbot/pkg/meshtastic"
	"github.com/osmogr/meshtastic-pingbot/pkg/models"
	"github.com/osmogr/meshtastic-pingbot/pkg/notify"
)

var ErrNotConnected = errors.New("not connected to radio")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	defaultHopLimit    = 3
	tracerouteHopLimit = 7
	handshakeTimeout   = 30 * time.Second
)

type Session struct {
	settings config.RadioSettings
	dialer   Dialer
	handler  EventHandler
	fan      *notify.Fanout
	log      *slog.Logger

	mu    sync.Mutex
	link  Link
	state State

	writeMu sync.Mutex

	selfNum       atomic.Uint32
	packetCounter atomic.Uint32

	syncMu    sync.Mutex
	syncing   bool
	syncNonce uint32
	enumByID  map[string]*models.Node
	enumByNum map[uint32]*models.Node
}

func NewSession(settings config.RadioSettings, dialer Dialer, handler EventHandler, fan *notify.Fanout) *Session {
	if settings.HeartbeatInterval <= 0 {
		settings.HeartbeatInterval = 5 * time.Minute
	}
	if settings.BackoffSeed <= 0 {
		settings.BackoffSeed = 2 * time.Second
	}
	if settings.BackoffMax <= 0 {
		settings.BackoffMax = 60 * time.Second
	}
	return &Session{
		settings: settings,
		dialer:   dialer,
		handler:  handler,
		fan:      fan,
		log:      slog.Default(),
	}
}

// NewDialer builds the dialer the settings describe.
func NewDialer(settings config.RadioSettings) Dialer {
	if settings.ConnectionType == "serial" {
		return NewSerialDialer(settings.SerialDevice)
	}
	return NewTCPDialer(settings.Address, settings.Port)
}

// Run connects and serves the link until ctx is cancelled, redialing with
// exponential backoff after every failure. The backoff doubles from the
// seed up to the cap and resets once a handshake completes.
func (s *Session) Run(ctx context.Context) {
	backoff := s.settings.BackoffSeed
	first := true

	for {
		if ctx.Err() != nil {
			return
		}
		if first {
			s.setState(StateConnecting)
		} else {
			s.setState(StateReconnecting)
		}
		first = false

		s.fan.Info("Connecting to Meshtastic radio (%s)...", s.dialer.Target())
		link, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fan.Error("Connection to Meshtastic radio failed: %v", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.settings.BackoffMax)
			continue
		}

		wasConnected, err := s.serve(ctx, link)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		if wasConnected {
			backoff = s.settings.BackoffSeed
			s.fan.Error("Connection to Meshtastic radio lost: %v", err)
		} else {
			s.fan.Error("Connection attempt failed: %v", err)
		}
		s.fan.Warn("Reconnecting in %s", backoff)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, s.settings.BackoffMax)
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		next = limit
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// serve runs one link's lifetime: handshake, receive loop, teardown. It
// reports whether the handshake ever completed so the caller can reset the
// backoff and emit the right failure message.
func (s *Session) serve(ctx context.Context, link Link) (bool, error) {
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()

	defer func() {
		link.Close()
		s.mu.Lock()
		s.link = nil
		s.mu.Unlock()
	}()

	// unblock the reader when the context is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			link.Close()
		case <-done:
		}
	}()

	var handshook atomic.Bool
	watchdog := time.AfterFunc(handshakeTimeout, func() {
		if !handshook.Load() {
			s.log.Warn("handshake timed out, dropping link")
			link.Close()
		}
	})
	defer watchdog.Stop()

	nonce := s.beginSync()
	if err := s.writeMessage(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_WantConfigId{WantConfigId: nonce},
	}); err != nil {
		return false, fmt.Errorf("requesting config: %w", err)
	}

	go s.heartbeatLoop(done)

	reader := newFrameReader(link)
	for {
		payload, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return handshook.Load(), ctx.Err()
			}
			if handshook.Load() {
				s.handler.LinkLost(err)
				return true, err
			}
			return false, err
		}

		var fr pb.FromRadio
		if err := proto.Unmarshal(payload, &fr); err != nil {
			s.log.Debug("dropping undecodable frame", "bytes", len(payload), "error", err)
			continue
		}
		s.dispatch(&fr, &handshook)
	}
}

func (s *Session) dispatch(fr *pb.FromRadio, handshook *atomic.Bool) {
	switch v := fr.PayloadVariant.(type) {
	case *pb.FromRadio_MyInfo:
		if v.MyInfo != nil {
			s.selfNum.Store(v.MyInfo.MyNodeNum)
		}

	case *pb.FromRadio_NodeInfo:
		n := nodeFromInfo(v.NodeInfo)
		if n == nil {
			return
		}
		if s.recordSyncNode(n) {
			return
		}
		s.handler.NodeUpdate(n)

	case *pb.FromRadio_ConfigCompleteId:
		byID, byNum, ok := s.finishSync(v.ConfigCompleteId)
		if !ok {
			s.log.Debug("ignoring config complete with stale nonce", "nonce", v.ConfigCompleteId)
			return
		}
		if handshook.CompareAndSwap(false, true) {
			s.setState(StateConnected)
			s.handler.Connected(s.SelfID())
		}
		s.handler.SyncComplete(byID, byNum)

	case *pb.FromRadio_Packet:
		s.dispatchPacket(v.Packet)
	}
}

func (s *Session) dispatchPacket(p *pb.MeshPacket) {
	if p == nil || p.From == s.selfNum.Load() {
		return
	}
	dec := p.GetDecoded()
	if dec == nil {
		// encrypted with a channel key we don't hold
		return
	}

	switch dec.Portnum {
	case pb.PortNum_TEXT_MESSAGE_APP:
		s.handler.TextMessage(TextMessage{
			From:     meshtastic.NodeID(p.From),
			To:       meshtastic.NodeID(p.To),
			Channel:  p.Channel,
			Body:     string(dec.Payload),
			IsDirect: p.To == s.selfNum.Load(),
			RxRssi:   p.RxRssi,
			RxSnr:    p.RxSnr,
			HopLimit: p.HopLimit,
			HopStart: p.HopStart,
			ViaMqtt:  p.ViaMqtt,
		})

	case pb.PortNum_NODEINFO_APP:
		var u pb.User
		if err := proto.Unmarshal(dec.Payload, &u); err != nil {
			s.log.Debug("dropping undecodable node info", "from", p.From, "error", err)
			return
		}
		s.handler.NodeUpdate(nodeFromUser(p, &u))

	case pb.PortNum_NEIGHBORINFO_APP:
		var ni pb.NeighborInfo
		if err := proto.Unmarshal(dec.Payload, &ni); err != nil {
			s.log.Debug("dropping undecodable neighbor info", "from", p.From, "error", err)
			return
		}
		neighbors := make([]*models.Node, 0, len(ni.Neighbors))
		for _, nb := range ni.Neighbors {
			if nb == nil || nb.NodeId == 0 || meshtastic.NodeID(nb.NodeId).IsBroadcast() {
				continue
			}
			n := &models.Node{
				NodeID:  meshtastic.NodeID(nb.NodeId).String(),
				NodeNum: nb.NodeId,
			}
			if nb.Snr != 0 {
				snr := float64(nb.Snr)
				n.Snr = &snr
			}
			neighbors = append(neighbors, n)
		}
		s.handler.NeighborInfo(nodeFromPacket(p), neighbors)

	case pb.PortNum_TRACEROUTE_APP:
		if dec.RequestId == 0 {
			// someone else's trace passing by
			return
		}
		var rd pb.RouteDiscovery
		if err := proto.Unmarshal(dec.Payload, &rd); err != nil {
			s.log.Debug("dropping undecodable route discovery", "from", p.From, "error", err)
			return
		}
		s.handler.TraceResponse(TraceResponse{
			Correlation: dec.RequestId,
			From:        meshtastic.NodeID(p.From),
			Route:       rd.Route,
			SnrTowards:  rd.SnrTowards,
			RouteBack:   rd.RouteBack,
			SnrBack:     rd.SnrBack,
			RxRssi:      p.RxRssi,
			RxSnr:       p.RxSnr,
			HopLimit:    p.HopLimit,
			HopStart:    p.HopStart,
		})
	}
}

// SendText sends a text message to a node, or the whole mesh when dest is
// the broadcast address.
func (s *Session) SendText(dest meshtastic.NodeID, text string) error {
	return s.sendPacket(&pb.MeshPacket{
		To:       uint32(dest),
		Id:       s.nextPacketID(),
		HopLimit: defaultHopLimit,
		Priority: pb.MeshPacket_DEFAULT,
		PayloadVariant: &pb.MeshPacket_Decoded{
			Decoded: &pb.Data{
				Portnum: pb.PortNum_TEXT_MESSAGE_APP,
				Payload: []byte(text),
			},
		},
	})
}

// SendTraceroute asks the firmware to trace the path to dest and returns
// the packet ID the response will carry as its request_id.
func (s *Session) SendTraceroute(dest meshtastic.NodeID) (uint32, error) {
	payload, err := proto.Marshal(&pb.RouteDiscovery{})
	if err != nil {
		return 0, err
	}
	id := s.nextPacketID()
	err = s.sendPacket(&pb.MeshPacket{
		To:       uint32(dest),
		Id:       id,
		HopLimit: tracerouteHopLimit,
		Priority: pb.MeshPacket_DEFAULT,
		PayloadVariant: &pb.MeshPacket_Decoded{
			Decoded: &pb.Data{
				Portnum:      pb.PortNum_TRACEROUTE_APP,
				Payload:      payload,
				WantResponse: true,
			},
		},
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RequestSync asks the device to re-stream its node database. The result
// arrives through EventHandler.SyncComplete.
func (s *Session) RequestSync() error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	nonce := s.beginSync()
	return s.writeMessage(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_WantConfigId{WantConfigId: nonce},
	})
}

func (s *Session) sendPacket(p *pb.MeshPacket) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	return s.writeMessage(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Packet{Packet: p},
	})
}

func (s *Session) writeMessage(msg *pb.ToRadio) error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return ErrNotConnected
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	frame, err := encodeFrame(data)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := link.Write(frame); err != nil {
		return fmt.Errorf("writing to radio: %w", err)
	}
	return nil
}

func (s *Session) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(s.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if s.State() != StateConnected {
				continue
			}
			err := s.writeMessage(&pb.ToRadio{
				PayloadVariant: &pb.ToRadio_Heartbeat{Heartbeat: &pb.Heartbeat{}},
			})
			if err != nil {
				s.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Close sends a polite disconnect and drops the link. Safe to call more
// than once and from any goroutine.
func (s *Session) Close() {
	_ = s.writeMessage(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Disconnect{Disconnect: true},
	})
	s.mu.Lock()
	if s.link != nil {
		s.link.Close()
	}
	s.state = StateDisconnected
	s.mu.Unlock()
}

func (s *Session) beginSync() uint32 {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.syncing = true
	s.syncNonce = s.nextPacketID()
	s.enumByID = make(map[string]*models.Node)
	s.enumByNum = make(map[uint32]*models.Node)
	return s.syncNonce
}

// recordSyncNode captures a node record streamed during an enumeration.
// Returns false when no sync is in progress, meaning the record should be
// treated as live traffic instead.
func (s *Session) recordSyncNode(n *models.Node) bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if !s.syncing {
		return false
	}
	if n.NodeID != "" {
		s.enumByID[n.NodeID] = n
	}
	if n.NodeNum != 0 {
		s.enumByNum[n.NodeNum] = n
	}
	return true
}

func (s *Session) finishSync(nonce uint32) (map[string]*models.Node, map[uint32]*models.Node, bool) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if !s.syncing || nonce != s.syncNonce {
		return nil, nil, false
	}
	s.syncing = false
	byID, byNum := s.enumByID, s.enumByNum
	s.enumByID = nil
	s.enumByNum = nil
	return byID, byNum, true
}

// nextPacketID produces IDs unlikely to collide across restarts by mixing
// a counter with the wall clock.
func (s *Session) nextPacketID() uint32 {
	counter := s.packetCounter.Add(1)
	id := (counter & 0x3FF) | (uint32(time.Now().UnixNano()&0x3FFFFF) << 10)
	if id == 0 {
		id = 1
	}
	return id
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()
	if old != state {
		s.log.Debug("radio state changed", "from", old.String(), "to", state.String())
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// SelfID is the connected radio's own node ID.
func (s *Session) SelfID() meshtastic.NodeID {
	return meshtastic.NodeID(s.selfNum.Load())
}
