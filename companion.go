// Package companionsync wires the relay connection, the host adapter and the sync components
// together into one running companion bridge.
package companionsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tablelink/companion-sync/host"
	"github.com/tablelink/companion-sync/internal"
	"github.com/tablelink/companion-sync/play"
	"github.com/tablelink/companion-sync/protocol"
	"github.com/tablelink/companion-sync/pubsub"
	"github.com/tablelink/companion-sync/relay"
	"github.com/tablelink/companion-sync/schema"
	"github.com/tablelink/companion-sync/store"
	"github.com/tablelink/companion-sync/syncer"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Version is set at build time with -ldflags.
var Version = "dev"

const hostBufferSize = 256

// Companion is a fully wired bridge. Create it with Setup and start it with Run.
type Companion struct {
	cfg         *internal.Config
	sessionCode string
	clientID    string

	Conn     *relay.Conn
	World    *host.World
	Syncer   *syncer.Syncer
	Actions  *play.Handler
	Sessions *store.Sessions

	bus     *pubsub.PubSub
	hostSub *pubsub.HostSub
	metrics *relay.Metrics
}

// Setup builds every component from the config. The session code is validated here: a malformed
// code is the only connection error reported synchronously.
func Setup(cfg *internal.Config) (*Companion, error) {
	ctx := context.Background()
	sessions, err := store.Open(cfg.DBDriver, cfg.DBDSN, cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	code, clientID, err := chooseSession(ctx, cfg, sessions)
	if err != nil {
		sessions.Close()
		return nil, err
	}

	bus := pubsub.NewPubSub(hostBufferSize)
	var notifier pubsub.Notifier = bus
	var registerer prometheus.Registerer
	if cfg.EnablePrometheus {
		notifier = pubsub.NewPromNotifier(bus, "host")
		registerer = prometheus.DefaultRegisterer
	}
	world, err := host.LoadWorld(cfg.HostDataFile, notifier, host.NewRoller(time.Now().UnixNano()))
	if err != nil {
		sessions.Close()
		return nil, err
	}

	registry := schema.NewBuiltinRegistry()
	sync := syncer.New(syncer.Options{
		UserID:    cfg.UserID,
		UserIsGM:  cfg.UserIsGM,
		Owners:    world,
		Extractor: world,
		Registry:  registry,
	})
	actions := play.NewHandler(play.Options{
		Resolver:   world,
		Executor:   world,
		Timeout:    cfg.ActionTimeout,
		Workers:    cfg.ActionWorkers,
		Registerer: registerer,
	})
	var metrics *relay.Metrics
	if registerer != nil {
		metrics = relay.NewMetrics(registerer)
	}
	conn := relay.NewConn(relay.Options{
		ClientID:             clientID,
		Username:             cfg.UserID,
		AppVersion:           Version,
		Platform:             runtime.GOOS,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		Endpoints:            cfg.RelayEndpoints,
		Registry:             registry,
		Directory:            world,
		Actors:               sync,
		Actions:              actions,
		Sessions:             sessions,
		Metrics:              metrics,
	})
	sync.Attach(conn)
	actions.Attach(conn)

	return &Companion{
		cfg:         cfg,
		sessionCode: code,
		clientID:    clientID,
		Conn:        conn,
		World:       world,
		Syncer:      sync,
		Actions:     actions,
		Sessions:    sessions,
		bus:         bus,
		hostSub:     pubsub.NewHostSub(bus, pubsub.Fanout{sync, actions}),
		metrics:     metrics,
	}, nil
}

// chooseSession picks the session to join and the local client id. An explicit code wins, otherwise
// the last saved session is resumed. The client id saved with the session is reused so the relay
// sees the same client.
func chooseSession(ctx context.Context, cfg *internal.Config, sessions *store.Sessions) (code, clientID string, err error) {
	clientID = cfg.ClientID
	var saved *store.Session
	if cfg.SessionCode != "" {
		parsed, err := protocol.ParseSessionCode(cfg.SessionCode)
		if err != nil {
			return "", "", err
		}
		code = parsed.String()
		saved = sessions.Get(code)
	} else {
		saved, err = sessions.Latest(ctx)
		if err != nil {
			return "", "", err
		}
		if saved != nil {
			code = saved.Code
		}
	}
	if saved != nil {
		if clientID == "" {
			clientID = saved.ClientID
		}
		logger.Info().Str("session", code).Str("last_state", saved.Resume.LastState).Msg("resuming saved session")
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return code, clientID, nil
}

// Run blocks until ctx is cancelled. The session is kept on shutdown so the next run resumes it.
func (c *Companion) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.Actions.Start(ctx)
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- c.Conn.Run(ctx)
	}()
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := c.hostSub.Listen(); err != nil {
			logger.Err(err).Msg("host event listener stopped")
		}
	}()
	c.Conn.Subscribe(func(n relay.Notification) {
		ev := logger.Info()
		if n.Kind == relay.NotifyClientRejected || (n.Kind == relay.NotifyStateChanged && n.State == relay.StateDisconnected) {
			ev = logger.Warn()
		}
		ev.Str("kind", n.Kind.String()).Str("state", n.State.String()).Str("client", n.ClientID).Str("reason", n.Reason).Msg("connection event")
	})

	if c.sessionCode == "" {
		logger.Warn().Msg("no session code configured and no saved session, POST one to /session")
	} else if err := c.Conn.Connect(c.sessionCode); err != nil {
		cancel()
		<-loopDone
		c.shutdown()
		return fmt.Errorf("connect: %w", err)
	}

	srvErr := RunStatusServer(ctx, NewStatusHandler(c.Conn, c.cfg.EnablePrometheus), c.cfg.BindAddr)
	cancel()
	err := <-loopDone
	c.shutdown()
	if srvErr != nil {
		return srvErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Companion) shutdown() {
	c.hostSub.Teardown()
	c.Actions.Stop()
	if err := c.Sessions.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close session store")
	}
}
