package commands

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jellydator/ttlcache/v3"

	"github.com/osmogr/meshtastic-pingbot/pkg/config"
	"github.com/osmogr/meshtastic-pingbot/pkg/meshtastic"
	"github.com/osmogr/meshtastic-pingbot/pkg/models"
	"github.com/osmogr/meshtastic-pingbot/pkg/notify"
	"github.com/osmogr/meshtastic-pingbot/pkg/radio"
)

// NodeDB is the slice of the node database the dispatcher needs: identity
// resolution for reply text and the opportunistic upsert every inbound
// message feeds.
type NodeDB interface {
	Upsert(node *models.Node) error
	ResolveName(ref string) string
}

// TraceQueue accepts traceroute submissions. Enqueue returns the 1-based
// queue position and the estimated wait, or an error (queue full) whose text
// is rendered into the failure reply.
type TraceQueue interface {
	Enqueue(user, dest meshtastic.NodeID, senderName string) (position int, wait time.Duration, err error)
}

// Dispatcher turns inbound text events into replies. One instance handles
// every message; calls arrive sequentially from the radio receive loop.
type Dispatcher struct {
	nodes   NodeDB
	traces  TraceQueue
	replier *Replier
	limits  config.LimitSettings
	fan     *notify.Fanout
	log     *slog.Logger

	cooldown *ttlcache.Cache[string, time.Time]
	now      func() time.Time
}

func NewDispatcher(nodes NodeDB, traces TraceQueue, replier *Replier, limits config.LimitSettings, fan *notify.Fanout, log *slog.Logger) *Dispatcher {
	cooldown := ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](limits.ReplyCooldown),
	)
	go cooldown.Start()

	return &Dispatcher{
		nodes:    nodes,
		traces:   traces,
		replier:  replier,
		limits:   limits,
		fan:      fan,
		log:      log.With("component", "dispatcher"),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Handle processes one inbound text message end to end: opportunistic node
// upsert, classification, cooldown, reply.
func (d *Dispatcher) Handle(msg radio.TextMessage) {
	body := normalizeBody(msg.Body)
	if len(body) > maxMessageLen {
		d.log.Debug("dropping oversized message", "from", msg.From, "length", len(body))
		return
	}

	if err := d.nodes.Upsert(senderNode(msg)); err != nil {
		d.log.Warn("failed to record message sender", "from", msg.From, "error", err)
	}

	senderName := logName(d.nodes.ResolveName(msg.From.String()))
	origin := "Channel"
	if msg.IsDirect {
		origin = "DM"
	}
	d.fan.Info("Incoming from %s via %s: '%s'", senderName, origin, body)

	cmd := Classify(body)
	switch cmd.Kind {
	case NoMatch:
		return

	case Help, About:
		if !msg.IsDirect {
			return
		}
		if !d.allowReply(msg.From, senderName) {
			return
		}
		text := helpText(d.limits.TracerouteInterval, d.limits.MaxQueuePerUser)
		if cmd.Kind == About {
			text = aboutText(d.limits.ReplyCooldown)
		}
		d.replier.Send(msg.From, senderName, "DM Help/About", SplitMessage(text))

	case Traceroute:
		if !d.allowReply(msg.From, senderName) {
			return
		}
		d.handleTraceroute(msg, senderName)

	case Ping:
		if !d.allowReply(msg.From, senderName) {
			return
		}
		reply := pongReply(d.now(), msg.RxRssi, msg.RxSnr, msg.HopLimit, msg.HopStart)
		var parts []string
		for i := 0; i < cmd.Count; i++ {
			parts = append(parts, SplitMessage(reply)...)
		}
		d.replier.Send(msg.From, senderName, "Reply", parts)
	}
}

func (d *Dispatcher) handleTraceroute(msg radio.TextMessage, senderName string) {
	position, wait, err := d.traces.Enqueue(msg.From, msg.From, senderName)
	if err != nil {
		d.fan.Warn("Traceroute failed for %s: %v", senderName, err)
		d.replier.Send(msg.From, senderName, "Traceroute Queue",
			SplitMessage("Traceroute failed: "+sentenceCase(err.Error())))
		return
	}

	ack := fmt.Sprintf("Queued (position %d, max wait ~%.0fs)", position, wait.Seconds())
	d.fan.Info("Traceroute queued for %s: %s", senderName, ack)
	d.replier.Send(msg.From, senderName, "Traceroute Queue",
		SplitMessage("Traceroute queued: "+ack))
}

// allowReply enforces the per-user reply cooldown. The window runs from the
// last reply we actually sent, so a rate-limited attempt does not extend it.
func (d *Dispatcher) allowReply(user meshtastic.NodeID, senderName string) bool {
	key := user.String()
	if d.cooldown.Get(key, ttlcache.WithDisableTouchOnHit[string, time.Time]()) != nil {
		d.fan.Warn("Rate-limited reply to %s", senderName)
		return false
	}
	d.cooldown.Set(key, d.now(), ttlcache.DefaultTTL)
	return true
}

// senderNode builds the partial node record an inbound message implies.
func senderNode(msg radio.TextMessage) *models.Node {
	n := &models.Node{
		NodeID:  msg.From.String(),
		NodeNum: uint32(msg.From),
	}
	if msg.RxRssi != 0 {
		rssi := int64(msg.RxRssi)
		n.Rssi = &rssi
	}
	if msg.RxSnr != 0 {
		snr := float64(msg.RxSnr)
		n.Snr = &snr
	}
	if msg.HopStart > 0 && msg.HopLimit > 0 && msg.HopStart >= msg.HopLimit {
		hops := int64(msg.HopStart - msg.HopLimit)
		n.HopsAway = &hops
	}
	if msg.ViaMqtt {
		viaMqtt := true
		n.ViaMqtt = &viaMqtt
	}
	return n
}

func normalizeBody(body string) string {
	return strings.ToLower(strings.TrimSpace(body))
}

// logName truncates absurdly long sender names before they hit the logs.
func logName(name string) string {
	if len(name) > 50 {
		return name[:47] + "..."
	}
	return name
}

// sentenceCase turns a lowercase error message into reply prose.
func sentenceCase(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
