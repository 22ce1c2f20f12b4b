package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mdmrelay/mdm-agent/internal/config"
	"github.com/mdmrelay/mdm-agent/internal/correlate"
	"github.com/mdmrelay/mdm-agent/internal/feed"
	"github.com/mdmrelay/mdm-agent/internal/mdm"
	"github.com/mdmrelay/mdm-agent/internal/metrics"
	"github.com/mdmrelay/mdm-agent/internal/ops"
	"github.com/mdmrelay/mdm-agent/internal/orchestrator"
)

var (
	agentFeedURL   string
	agentTransport string
	agentSocket    string
	agentOpsAddr   string
	agentLogFile   string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the agent service",
	Long: `Run the agent as a long-lived service that:
  - Keeps a subscription to the MDM event feed, reconnecting with backoff
  - Correlates device acknowledgments with submitted commands
  - Accepts submissions from 'mdm-agent send' on a local socket
  - Serves /healthz and /metrics on the ops address`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVar(&agentFeedURL, "feed-url", "", "Event feed URL (ws://, wss://, http:// or https://)")
	agentCmd.Flags().StringVar(&agentTransport, "transport", "", "Event feed transport: websocket or mqtt")
	agentCmd.Flags().StringVar(&agentSocket, "socket", "", "Control socket path")
	agentCmd.Flags().StringVar(&agentOpsAddr, "ops-addr", "", "Ops HTTP listen address, empty string disables it")
	agentCmd.Flags().StringVar(&agentLogFile, "log-file", "", "Also write logs to this file, rotated")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, loaded, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("feed-url") {
		cfg.Feed.URL = agentFeedURL
	}
	if flags.Changed("transport") {
		cfg.Feed.Transport = agentTransport
	}
	if flags.Changed("socket") {
		cfg.Agent.Socket = agentSocket
	}
	if flags.Changed("ops-addr") {
		cfg.Agent.OpsAddr = agentOpsAddr
	}
	if flags.Changed("log-file") {
		cfg.Log.File = agentLogFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer := newLogger(cfg.Log)
	defer closer.Close()

	setNoNewPrivs(logger)
	metrics.Init()

	logger.Printf("MDM agent starting...")
	if loaded != "" {
		logger.Printf("Loaded config from %s", loaded)
	}
	logger.Printf("MDM server: %s", cfg.MDM.URL)

	a, err := newAgent(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.run(ctx)
}

// agent holds the wired components of a running service.
type agent struct {
	cfg        config.Config
	logger     *log.Logger
	subscriber *feed.Subscriber
	correlator *correlate.Correlator
	control    *controlServer
}

func newAgent(cfg config.Config, logger *log.Logger) (*agent, error) {
	client, err := mdm.NewClient(mdm.Options{
		URL:     cfg.MDM.URL,
		APIKey:  cfg.MDM.APIKey,
		User:    cfg.MDM.User,
		Timeout: cfg.MDM.Timeout,
	})
	if err != nil {
		return nil, err
	}

	correlator, err := correlate.New(correlate.Options{
		SweepInterval: cfg.Correlator.SweepInterval,
		MinTimeout:    cfg.Correlator.MinTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	subscriber := feed.NewSubscriber(transport, feed.Options{
		QueueSize:        cfg.Feed.QueueSize,
		LivenessInterval: cfg.Feed.LivenessInterval,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		Backoff: feed.Backoff{
			Initial: cfg.Feed.Backoff.Initial,
			Max:     cfg.Feed.Backoff.Max,
			Factor:  cfg.Feed.Backoff.Factor,
		},
		Logger: logger,
	})

	orch, err := orchestrator.New(orchestrator.Config{
		Issuer:         client,
		Waker:          mdm.NewWaker(client, cfg.MDM.PushTool, logger),
		Correlator:     correlator,
		DefaultTimeout: cfg.Correlator.DefaultTimeout,
		Concurrency:    cfg.Submit.Concurrency,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return &agent{
		cfg:        cfg,
		logger:     logger,
		subscriber: subscriber,
		correlator: correlator,
		control: &controlServer{
			submitter: orch,
			devices:   mdm.NewDirectory(client, cfg.MDM.DeviceCache, logger),
			logger:    logger,
		},
	}, nil
}

func newTransport(cfg config.Config) (feed.Transport, error) {
	switch cfg.Feed.Transport {
	case config.TransportMQTT:
		return feed.NewMQTT(feed.MQTTOptions{
			Broker:   cfg.Feed.MQTT.Broker,
			Topic:    cfg.Feed.MQTT.Topic,
			ClientID: cfg.Feed.MQTT.ClientID,
			Username: cfg.Feed.MQTT.Username,
			Password: cfg.Feed.MQTT.Password,
			QoS:      cfg.Feed.MQTT.QoS,
		})
	case config.TransportWebSocket, "":
		return feed.NewWebSocket(feed.WebSocketOptions{
			URL:      cfg.Feed.URL,
			APIKey:   cfg.MDM.APIKey,
			AuthMode: cfg.Feed.AuthMode,
			Subject:  getHostname(),
		})
	default:
		return nil, fmt.Errorf("unknown feed transport %q", cfg.Feed.Transport)
	}
}

// run blocks until ctx is done or a component fails. Pending expectations are
// cancelled on the way out so no submitter waits on a dead agent.
func (a *agent) run(ctx context.Context) error {
	path := controlSocketPath(a.cfg.Agent.Socket)
	listener, err := listenControl(path)
	if err != nil {
		return err
	}
	a.logger.Printf("Listening on %s", path)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.subscriber.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.correlator.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.correlator.Consume(ctx, a.subscriber.Events())
		return nil
	})
	g.Go(func() error {
		return a.control.serve(ctx, listener)
	})
	if a.cfg.Agent.OpsAddr != "" {
		g.Go(func() error {
			if err := ops.Serve(ctx, a.cfg.Agent.OpsAddr, ops.NewRouter(a.subscriber, a.correlator), a.logger); err != nil {
				return fmt.Errorf("ops endpoint: %w", err)
			}
			return nil
		})
	}

	<-ctx.Done()
	a.logger.Println("Shutting down...")
	if n := a.correlator.CancelAll(); n > 0 {
		a.logger.Printf("Cancelled %d pending command(s)", n)
	}
	err = g.Wait()
	os.Remove(path)
	return err
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
