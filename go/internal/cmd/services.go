package main

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/controller"
	"github.com/rgoulet/examd/go/internal/events"
	"github.com/rgoulet/examd/go/internal/gateway"
	"github.com/rgoulet/examd/go/internal/ledger"
	"github.com/rgoulet/examd/go/internal/session"
	"github.com/rgoulet/examd/go/internal/storage"
	"github.com/rgoulet/examd/go/internal/testmap"
	"github.com/rgoulet/examd/go/internal/watchdog"
)

// Services is the wired dependency graph of the delivery server.
type Services struct {
	Sessions   *session.Repository
	TestMaps   *testmap.Repository
	Controller *controller.Controller
	Watchdog   *watchdog.Watchdog
	Gateway    *gateway.ConnectionManager
	Outbox     *events.Outbox

	relay     *events.Relay
	consumer  *gateway.EventConsumer
	publisher *events.JetStreamPublisher
	cancel    context.CancelFunc
}

func setupServices(config *Config, database *sql.DB, pool *pgxpool.Pool) (*Services, error) {
	clock := clockwork.NewRealClock()

	sessions := session.NewRepository(database)
	testMaps := testmap.NewRepository(database)
	stateStore := storage.NewPostgresStore(database)
	ledgerStore := ledger.NewPgStore(pool)
	outbox := events.NewOutbox(database)

	ctrl := controller.New(sessions, sessions, testMaps, ledgerStore, stateStore, outbox, clock)
	wd := watchdog.New(sessions, ctrl, clock, config.Watchdog.BatchSize)
	gw := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())

	services := &Services{
		Sessions:   sessions,
		TestMaps:   testMaps,
		Controller: ctrl,
		Watchdog:   wd,
		Gateway:    gw,
		Outbox:     outbox,
	}

	if config.Events.Enabled {
		publisherCfg := events.DefaultJetStreamConfig()
		if config.Events.URL != "" {
			publisherCfg.URL = config.Events.URL
		}
		if config.Events.StreamName != "" {
			publisherCfg.StreamName = config.Events.StreamName
		}
		if config.Events.SubjectPrefix != "" {
			publisherCfg.SubjectPrefix = config.Events.SubjectPrefix
		}
		publisher, err := events.NewJetStreamPublisher(publisherCfg)
		if err != nil {
			return nil, err
		}
		services.publisher = publisher
		services.relay = events.NewRelay(database, outbox, publisher, events.DefaultRelayConfig())

		consumerCfg := gateway.DefaultConsumerConfig()
		consumerCfg.URL = publisherCfg.URL
		consumerCfg.StreamName = publisherCfg.StreamName
		consumerCfg.SubjectFilter = publisherCfg.SubjectPrefix + ".>"
		consumer, err := gateway.NewEventConsumer(gw, consumerCfg)
		if err != nil {
			publisher.Close()
			return nil, err
		}
		services.consumer = consumer
	}

	return services, nil
}

// Start launches the background workers: gateway broadcast loop, outbox
// relay, event consumer and the timeout watchdog.
func (s *Services) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go s.Gateway.Start(ctx)
	go func() {
		if err := s.Watchdog.Run(ctx); err != nil {
			log.Error().Err(err).Msg("watchdog stopped")
		}
	}()
	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			log.Error().Err(err).Msg("failed to start outbox relay")
		}
	}
	if s.consumer != nil {
		go func() {
			if err := s.consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("gateway event consumer stopped")
			}
		}()
	}
}

// Stop shuts the background workers down.
func (s *Services) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.relay != nil {
		if err := s.relay.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop outbox relay")
		}
	}
	if s.consumer != nil {
		s.consumer.Stop()
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
}
