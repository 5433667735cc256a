package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/appservices/internal/api"
	"github.com/nerrad567/appservices/internal/infrastructure/config"
	"github.com/nerrad567/appservices/internal/infrastructure/influxdb"
	"github.com/nerrad567/appservices/internal/infrastructure/logging"
	"github.com/nerrad567/appservices/internal/infrastructure/mqtt"
	"github.com/nerrad567/appservices/internal/syncmanager"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon until interrupted.

The daemon syncs on the configured interval, serves the status API and
WebSocket stream, and, when enabled, takes commands over MQTT and writes
telemetry to InfluxDB.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

// run is the daemon, separated from the command for testability.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Nothing left to log to
	log.Info("starting appservicesd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	p, err := openProfile(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing stores")
		if closeErr := p.Close(); closeErr != nil {
			log.Error("error closing stores", "error", closeErr)
		}
	}()

	hub := api.NewHub(cfg.WebSocket, log)
	sinks := []syncmanager.Sink{syncmanager.BroadcastSink{Broadcaster: hub}}

	mqttClient, closeMQTT, err := connectMQTT(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeMQTT()
	if mqttClient != nil {
		sinks = append(sinks, syncmanager.MQTTSink{Publisher: mqttClient})
	}

	influxClient, closeInflux, err := connectInflux(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeInflux()
	if influxClient != nil {
		sinks = append(sinks, syncmanager.InfluxSink{Writer: influxClient})
	}

	mgr, err := newManager(cfg, p, sinks, log)
	if err != nil {
		return fmt.Errorf("creating sync manager: %w", err)
	}

	if mqttClient != nil {
		topic := mqtt.Topics{}.AllCommands()
		// #nosec G115 -- QoS is validated to 0..2
		if err := mqttClient.Subscribe(topic, byte(cfg.MQTT.QoS), mgr.HandleCommand); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Sync:     mgr,
		Hub:      hub,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, p, mqttClient, influxClient, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return mgr.RunCommands(gctx)
	})
	if cfg.Sync.Enabled {
		g.Go(func() error {
			return mgr.RunSchedule(gctx, cfg.GetSyncInterval())
		})
		if err := mgr.Enqueue(syncmanager.Request{Reason: syncmanager.ReasonStartup}); err != nil {
			log.Warn("startup sync not queued", "error", err)
		}
	} else {
		log.Info("scheduled sync disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal", "api", server.Addr())
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// connectMQTT opens the broker session when mqtt.enabled is set. The
// returned func closes it and is never nil.
func connectMQTT(ctx context.Context, cfg *config.Config, log *logging.Logger) (*mqtt.Client, func(), error) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil, func() {}, nil
	}
	client, err := mqtt.Connect(ctx, cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}

	mlog := log.With("component", "mqtt")
	client.SetLogger(mlog)
	client.SetOnConnect(func() { mlog.Info("MQTT reconnected") })
	client.SetOnDisconnect(func(err error) { mlog.Warn("MQTT disconnected", "error", err) })
	mlog.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	return client, func() {
		mlog.Info("disconnecting from MQTT")
		if err := client.Close(); err != nil {
			mlog.Error("error closing MQTT", "error", err)
		}
	}, nil
}

// connectInflux opens the telemetry writer when influxdb.enabled is set.
// The returned func flushes and closes it and is never nil.
func connectInflux(ctx context.Context, cfg *config.Config, log *logging.Logger) (*influxdb.Client, func(), error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, func() {}, nil
	}
	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}

	ilog := log.With("component", "influxdb")
	client.SetOnError(func(err error) { ilog.Error("InfluxDB write error", "error", err) })
	ilog.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "org", cfg.InfluxDB.Org, "bucket", cfg.InfluxDB.Bucket)

	return client, func() {
		ilog.Info("closing InfluxDB connection")
		if err := client.Close(); err != nil {
			ilog.Error("error closing InfluxDB", "error", err)
		}
	}, nil
}

// healthCheck verifies the stores and every enabled connection.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, p *profile, mqttClient *mqtt.Client, influxClient *influxdb.Client, server *api.Server) error {
	if err := p.state.HealthCheck(ctx); err != nil {
		return fmt.Errorf("sync state: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
