// Package daemon wires every TeleClaude component into one process and
// runs it until the context is cancelled.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/adapters/discord"
	"github.com/InstruktAI/teleclaude/internal/adapters/redisbus"
	"github.com/InstruktAI/teleclaude/internal/adapters/telegram"
	"github.com/InstruktAI/teleclaude/internal/api"
	"github.com/InstruktAI/teleclaude/internal/commands"
	"github.com/InstruktAI/teleclaude/internal/config"
	"github.com/InstruktAI/teleclaude/internal/db"
	"github.com/InstruktAI/teleclaude/internal/events"
	"github.com/InstruktAI/teleclaude/internal/mesh"
	"github.com/InstruktAI/teleclaude/internal/output"
	"github.com/InstruktAI/teleclaude/internal/relay"
	"github.com/InstruktAI/teleclaude/internal/session"
	"github.com/InstruktAI/teleclaude/internal/termbridge"
	"github.com/InstruktAI/teleclaude/internal/toolserver"
)

// Opts holds parameters for creating a Runtime.
type Opts struct {
	Config  *config.Config
	Secrets *config.Secrets
}

// Runtime owns the component graph of a running daemon.
type Runtime struct {
	cfg     *config.Config
	secrets *config.Secrets
}

// New creates a Runtime.
func New(opts Opts) (*Runtime, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("daemon: config is required")
	}
	secrets := opts.Secrets
	if secrets == nil {
		secrets = &config.Secrets{}
	}
	return &Runtime{cfg: opts.Config, secrets: secrets}, nil
}

// Run wires the components, starts them, and blocks until ctx is
// cancelled or the heartbeat publisher reports a fatal transport error.
func (r *Runtime) Run(ctx context.Context) error {
	cfg := r.cfg

	sdb, err := db.Connect(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	if err := db.AutoMigrate(sdb); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	edb, err := db.Connect(cfg.EventsDB)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	store, err := events.NewStore(edb)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("daemon: parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	heartbeat := time.Duration(cfg.Mesh.HeartbeatSec) * time.Second
	ttl := time.Duration(cfg.Mesh.TTLMultiplier) * heartbeat
	transportPath, _ := os.Executable()
	registry := mesh.NewRegistry(cfg.MachineName, cfg.User, cfg.Host, transportPath, ttl)

	evRegistry := events.NewRegistry()
	emitter, err := events.NewEmitter(events.EmitterOpts{
		Streams:  rdb,
		Registry: evRegistry,
		Source:   cfg.MachineName,
		MaxLen:   cfg.Mesh.StreamMaxLen,
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	bridge := termbridge.New(termbridge.Opts{})
	tracker := output.NewTracker()

	// The adapter client must exist before the scheduler that feeds it,
	// and the scheduler before the session manager that watches through
	// it, but the operation handlers need the manager. The handler
	// reference is bound after construction and before any adapter
	// starts delivering events.
	var handlers *commands.Handlers
	client, err := adapters.NewClient(adapters.ClientOpts{
		DB: sdb,
		Handlers: adapters.Handlers{
			Command: func(ctx context.Context, ev adapters.Event) adapters.Envelope {
				return handlers.HandleCommand(ctx, ev)
			},
			Message: func(ctx context.Context, ev adapters.Event) adapters.Envelope {
				return handlers.HandleMessage(ctx, ev)
			},
			Voice: func(ctx context.Context, ev adapters.Event) adapters.Envelope {
				return handlers.AdapterHandlers().Voice(ctx, ev)
			},
			File: func(ctx context.Context, ev adapters.Event) adapters.Envelope {
				return handlers.AdapterHandlers().File(ctx, ev)
			},
		},
		SendTimeout: time.Duration(cfg.Session.AdapterTimeoutSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	outPub, err := mesh.NewOutputPublisher(rdb, cfg.MachineName)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	fanout := &outputFanout{adapters: client, mesh: outPub}

	scheduler, err := output.NewScheduler(output.SchedulerOpts{
		Bridge:     bridge,
		Sink:       fanout,
		Tracker:    tracker,
		Interval:   time.Duration(cfg.Output.PollIntervalMS) * time.Millisecond,
		MaxPollers: cfg.Output.MaxPollers,
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	sessions, err := session.NewManager(session.ManagerOpts{
		DB:          sdb,
		Pane:        bridge,
		Watcher:     scheduler,
		Emitter:     emitter,
		Machine:     cfg.MachineName,
		IdleTimeout: time.Duration(cfg.Session.IdleTimeoutMin) * time.Minute,
		CustomerTTL: time.Duration(cfg.Session.CustomerSweepHrs) * time.Hour,
		StickyCap:   cfg.Session.StickyCap,
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	fanout.sessions = sessions
	tracker.OnSummary = func(sessionID, summary string) {
		if err := sessions.SetSummary(sessionID, summary); err != nil {
			log.Printf("daemon: record summary for %s: %v", sessionID, err)
		}
	}

	var relayMgr *relay.Manager
	var discordAdapter *discord.Adapter
	if cfg.Adapters.Discord {
		discordAdapter, err = discord.New(discord.Opts{
			BotToken:  r.secrets.DiscordToken,
			ChannelID: cfg.Adapters.DiscordChannelID,
			Sessions:  sessions,
			Inbound:   client.HandleEvent,
		})
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		relayMgr, err = relay.NewManager(relay.Opts{
			DB:             sdb,
			Platform:       discordAdapter,
			Sender:         client,
			Injector:       paneInjector{bridge: bridge, baseline: scheduler},
			Emitter:        emitter,
			AdminChannelID: cfg.Relay.AdminChannelID,
		})
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		discordAdapter.BindRelay(relayMgr)
	}

	var relaySeam commands.Relay
	if relayMgr != nil {
		relaySeam = relayMgr
	}
	handlers, err = commands.New(commands.Opts{
		Sessions: sessions,
		Bridge:   bridge,
		Baseline: scheduler,
		Relay:    relaySeam,
		Notify:   client,
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	if discordAdapter != nil {
		client.Register(discordAdapter)
	}
	if cfg.Adapters.Telegram {
		tg, err := telegram.New(telegram.Opts{
			Token:          r.secrets.TelegramToken,
			AllowedUserIDs: cfg.Adapters.TelegramAllowedIDs,
			Sessions:       sessions,
			Inbound:        client.HandleEvent,
		})
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		client.Register(tg)
	}
	if cfg.Adapters.Redis {
		rb, err := redisbus.New(redisbus.Opts{
			Streams: rdb,
			Machine: cfg.MachineName,
			Inbound: client.HandleEvent,
			MaxLen:  cfg.Mesh.StreamMaxLen,
		})
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		client.Register(rb)
	}

	dispatcher, err := mesh.NewDispatcher(mesh.DispatcherOpts{
		Streams:  rdb,
		Registry: registry,
		Machine:  cfg.MachineName,
		Timeout:  time.Duration(cfg.Mesh.CommandTimeoutSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	consumer, err := mesh.NewConsumer(mesh.ConsumerOpts{
		Streams: rdb,
		Machine: cfg.MachineName,
		Handler: meshHandler(sessions, client),
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	apiSrv, err := api.New(api.Opts{
		SocketPath:   cfg.APISocket,
		Machine:      cfg.MachineName,
		ProjectsRoot: cfg.ProjectsRoot,
		Sessions:     sessions,
		Registry:     registry,
		Store:        store,
		Handlers:     handlers.AdapterHandlers(),
		Dispatcher:   dispatcher,
		Hooks:        tracker,
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	hub := apiSrv.Hub()
	fanout.hub = hub
	hub.SetWatcher(func(topic string) func() {
		sessionID, ok := api.SessionOutputSession(topic)
		if !ok {
			return nil
		}
		// Local deltas reach the hub through the fanout; the mesh feed
		// carries sessions running on peer machines. Self-origin
		// filtering keeps the two from overlapping.
		wctx, cancel := context.WithCancel(ctx)
		go mesh.SubscribeOutput(wctx, rdb, cfg.MachineName, sessionID, func(r adapters.Rendering) {
			hub.Broadcast(topic, map[string]any{"session_id": sessionID, "text": r.Human})
		})
		return cancel
	})

	projector := events.NewProjectorCartridge(evRegistry, store)
	projector.OnPush(events.WSDelivery(store, hub))
	if r.secrets.SlackToken != "" && r.secrets.SlackChannel != "" {
		sink, err := events.NewSlackSink(events.SlackSinkOpts{
			Client:  slack.New(r.secrets.SlackToken),
			Channel: r.secrets.SlackChannel,
			Store:   store,
		})
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		projector.OnPush(sink.Callback())
	}
	processor, err := events.NewProcessor(events.ProcessorOpts{
		Streams: rdb,
		Machine: cfg.MachineName,
		Cartridges: []events.Cartridge{
			events.NewDedupCartridge(evRegistry, store),
			projector,
		},
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	tools, err := toolserver.New(toolserver.Opts{
		SocketPath:   cfg.ToolSocket,
		Machine:      cfg.MachineName,
		ProjectsRoot: cfg.ProjectsRoot,
		Sessions:     sessions,
		Handlers:     handlers.AdapterHandlers(),
		Registry:     registry,
		Dispatcher:   dispatcher,
	})
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	hbOpts := mesh.HeartbeatOpts{
		Streams:       rdb,
		Registry:      registry,
		DB:            sdb,
		Machine:       cfg.MachineName,
		User:          cfg.User,
		Host:          cfg.Host,
		TransportPath: transportPath,
		Interval:      heartbeat,
	}
	hbErr := mesh.StartHeartbeatPublisher(ctx, hbOpts)
	mesh.StartHeartbeatConsumer(ctx, hbOpts)

	sweeper, err := session.StartSweeper(ctx, sessions)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	defer sweeper.Stop()

	if err := apiSrv.Start(ctx); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	defer apiSrv.Stop()
	if err := tools.Start(ctx); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	defer tools.Stop()

	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("daemon: command consumer: %v", err)
		}
	}()
	go func() {
		if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("daemon: event processor: %v", err)
		}
	}()

	if err := client.StartAll(ctx); err != nil {
		log.Printf("daemon: %v", err)
	}
	defer client.StopAll()

	log.Printf("daemon: %s up, api on %s, tools on %s",
		cfg.MachineName, cfg.APISocket, cfg.ToolSocket)

	select {
	case <-ctx.Done():
		log.Printf("daemon: shutting down")
		return nil
	case err := <-hbErr:
		return fmt.Errorf("daemon: heartbeat: %w", err)
	}
}

// meshPublisher mirrors output deltas onto per-session mesh streams.
type meshPublisher interface {
	Publish(ctx context.Context, sessionID string, r adapters.Rendering) error
}

// hubBroadcaster is the WS hub slice the fanout pushes into.
type hubBroadcaster interface {
	Broadcast(topic string, payload any)
}

// outputFanout is the scheduler's sink. Every delta goes to the session's
// bound adapters, to local WS subscribers, and onto the session's mesh
// stream so remote machines can follow along. Sessions bound to the redis
// adapter already ride that stream through the adapter broadcast and are
// not published twice.
type outputFanout struct {
	adapters output.Sink
	mesh     meshPublisher

	// Bound after construction; the session manager and API server come
	// later in the wiring order.
	sessions *session.Manager
	hub      hubBroadcaster
}

func (f *outputFanout) Broadcast(ctx context.Context, sessionID string, r adapters.Rendering) {
	f.adapters.Broadcast(ctx, sessionID, r)
	if f.hub != nil {
		f.hub.Broadcast(api.SessionOutputTopic(sessionID), map[string]any{
			"session_id": sessionID,
			"text":       r.Human,
		})
	}
	if f.redisBound(sessionID) {
		return
	}
	if err := f.mesh.Publish(ctx, sessionID, r); err != nil {
		log.Printf("daemon: mesh output for %s: %v", sessionID, err)
	}
}

func (f *outputFanout) redisBound(sessionID string) bool {
	if f.sessions == nil {
		return false
	}
	sess, err := f.sessions.Get(sessionID)
	if err != nil {
		return false
	}
	for _, kind := range sess.Adapters() {
		if kind == adapters.KindRedis {
			return true
		}
	}
	return false
}

// paneInjector bundles text injection with baseline reset for relay
// handback, so the injected context never echoes back to the customer.
type paneInjector struct {
	bridge   *termbridge.Bridge
	baseline *output.Scheduler
}

func (p paneInjector) SendText(sessionID, text string, appendMarker bool) (string, error) {
	return p.bridge.SendText(sessionID, text, appendMarker)
}

func (p paneInjector) ResetBaseline(sessionID string) error {
	return p.baseline.ResetBaseline(sessionID)
}

// meshHandler serves commands arriving from peer machines with the same
// handlers local adapters use. Queries that never reach a pane are
// answered directly.
func meshHandler(sessions *session.Manager, client *adapters.Client) mesh.CommandHandler {
	return func(ctx context.Context, cmd mesh.Command) adapters.Envelope {
		if cmd.Operation == "list_sessions" {
			list, err := sessions.List("")
			if err != nil {
				return adapters.FailErr(err)
			}
			return adapters.OK(map[string]any{"sessions": list})
		}
		return client.HandleEvent(ctx, commandEvent(cmd))
	}
}

// commandEvent translates a wire command into a normalized adapter event.
func commandEvent(cmd mesh.Command) adapters.Event {
	args := map[string]string{}
	if len(cmd.Args) > 0 {
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			log.Printf("daemon: malformed args for %s: %v", cmd.Operation, err)
		}
	}
	meta := adapters.Metadata{
		Adapter:   adapters.KindRedis,
		UserName:  cmd.InitiatorMachine,
		SessionID: cmd.SessionID,
	}
	if cmd.Operation == "send_message" {
		return adapters.Event{Type: adapters.EventMessage, Text: args["text"], Meta: meta}
	}
	return adapters.Event{
		Type:    adapters.EventCommand,
		Command: cmd.Operation,
		Args:    args,
		Meta:    meta,
	}
}
