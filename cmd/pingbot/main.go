// Command pingbot runs the Meshtastic ping-pong bot: a radio session, the
// command dispatcher, the traceroute worker and the web dashboard, all
// sharing one node database.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MatusOllah/slogcolor"

	"github.com/osmogr/meshtastic-pingbot/pkg/commands"
	"github.com/osmogr/meshtastic-pingbot/pkg/config"
	"github.com/osmogr/meshtastic-pingbot/pkg/meshtastic"
	"github.com/osmogr/meshtastic-pingbot/pkg/models"
	"github.com/osmogr/meshtastic-pingbot/pkg/nodedb"
	"github.com/osmogr/meshtastic-pingbot/pkg/notify"
	"github.com/osmogr/meshtastic-pingbot/pkg/radio"
	"github.com/osmogr/meshtastic-pingbot/pkg/routes"
	"github.com/osmogr/meshtastic-pingbot/pkg/store"
	"github.com/osmogr/meshtastic-pingbot/pkg/traceroute"
)

// app bridges radio events to the bot's components. The session delivers
// events from its receive goroutine one at a time, so the fields here need
// no locking.
type app struct {
	nodes      *nodedb.DB
	dispatcher *commands.Dispatcher
	traces     *traceroute.Controller
	fan        *notify.Fanout
	staleAfter time.Duration
	log        *slog.Logger

	self     meshtastic.NodeID
	announce bool
}

func (a *app) Connected(self meshtastic.NodeID) {
	a.self = self
	a.announce = true
	a.fan.Success("Connected to Meshtastic radio")
	a.traces.LinkUp()
}

func (a *app) LinkLost(error) {
	// the session already reports the cause
	a.traces.LinkLost()
}

func (a *app) SyncComplete(byID map[string]*models.Node, byNum map[uint32]*models.Node) {
	applied, skipped := a.nodes.FullSync(byID, byNum)
	if skipped > 0 {
		a.log.Warn("node records skipped during sync", "skipped", skipped)
	}
	a.fan.Success("Successfully downloaded %d nodes to database", applied)

	if a.announce {
		a.announce = false
		a.fan.Info("Retrieved local radio name: %s", a.nodes.ResolveName(a.self.String()))
	}

	stats := a.nodes.Stats()
	a.fan.Info("NodeDB Stats: %d total, %d named (%.1f%%), %d recent",
		stats.TotalNodes, stats.NamedNodes, stats.CompletionRate, stats.RecentNodes)

	if removed := a.nodes.Cleanup(a.staleAfter); removed > 0 {
		a.fan.Success("Cleaned up %d old nodes (>%d days)", removed, int(a.staleAfter.Hours()/24))
	}
}

func (a *app) TextMessage(msg radio.TextMessage) {
	a.dispatcher.Handle(msg)
}

func (a *app) NodeUpdate(node *models.Node) {
	if err := a.nodes.Upsert(node); err != nil {
		a.log.Warn("failed to record node update", "node_id", node.NodeID, "error", err)
		return
	}
	a.fan.Info("Updated node info for %s (%s)", a.nodes.ResolveName(node.NodeID), node.NodeID)
}

func (a *app) NeighborInfo(sender *models.Node, neighbors []*models.Node) {
	if err := a.nodes.Upsert(sender); err != nil {
		a.log.Warn("failed to record neighbor info", "node_id", sender.NodeID, "error", err)
		return
	}
	for _, n := range neighbors {
		if err := a.nodes.Upsert(n); err != nil {
			a.log.Warn("failed to record neighbor", "node_id", n.NodeID, "error", err)
		}
	}
	a.fan.Info("Updated neighbor info for %s (%s)", a.nodes.ResolveName(sender.NodeID), sender.NodeID)
}

func (a *app) TraceResponse(resp radio.TraceResponse) {
	a.traces.HandleResponse(resp)
}

func main() {
	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, slogcolor.DefaultOptions)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	stores, err := store.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	nodeDB := nodedb.New(stores.Nodes)
	if err := nodeDB.Load(); err != nil {
		slog.Error("failed to load node database", "error", err)
		os.Exit(1)
	}
	slog.Info("node database loaded", "nodes", nodeDB.Len())

	weblog := notify.NewWebLog(cfg.Web.MaxLogLines)
	fan := notify.NewFanout(notify.NewConsole(), weblog)
	if cfg.Discord.WebhookURL != "" {
		discord, err := notify.NewDiscord(cfg.Discord.WebhookURL)
		if err != nil {
			slog.Error("failed to set up discord webhook", "error", err)
			os.Exit(1)
		}
		fan.Add(discord)
		slog.Info("discord notifications enabled")
	}
	if cfg.MQTT.Broker != "" {
		mqttSink := notify.NewMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic)
		defer mqttSink.Close()
		fan.Add(mqttSink)
		slog.Info("mqtt notifications enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
	}

	// The session needs the event handler and the handler needs components
	// built around the session, so the app is filled in two steps before
	// anything runs.
	bot := &app{
		nodes:      nodeDB,
		fan:        fan,
		staleAfter: cfg.Limits.StaleAfter,
		log:        slog.Default(),
	}
	session := radio.NewSession(cfg.Radio, radio.NewDialer(cfg.Radio), bot, fan)
	replier := commands.NewReplier(session, fan)
	controller := traceroute.New(cfg.Limits, session, replier, nodeDB, fan, slog.Default())
	bot.dispatcher = commands.NewDispatcher(nodeDB, controller, replier, cfg.Limits, fan, slog.Default())
	bot.traces = controller

	metrics := routes.NewMetrics(session, nodeDB, controller)
	defer metrics.Close()
	fan.Add(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		controller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		session.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		refreshLoop(ctx, session, fan, cfg.Limits.RefreshInterval)
	}()

	wr := &routes.WebRouter{}
	go func() {
		if err := wr.Initialize(*cfg, stores, nodeDB, weblog, session, controller); err != nil {
			slog.Error("web server failed", "error", err)
			stop()
		}
	}()
	slog.Info("dashboard listening", "addr", cfg.ListenAddr)

	<-ctx.Done()
	slog.Info("shutting down")
	session.Close()
	wg.Wait()
}

// refreshLoop periodically re-requests the device's node enumeration so the
// database tracks nodes the bot never hears directly. The sync response
// lands through the normal event path.
func refreshLoop(ctx context.Context, session *radio.Session, fan *notify.Fanout, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !session.Connected() {
				continue
			}
			fan.Info("Starting periodic nodedb refresh")
			if err := session.RequestSync(); err != nil {
				fan.Warn("Periodic nodedb refresh failed: %v", err)
			}
		}
	}
}
