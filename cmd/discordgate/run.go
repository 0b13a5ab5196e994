package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"discordgate/internal/agent"
	"discordgate/internal/bus"
	"discordgate/internal/channel"
	"discordgate/internal/domain"
	"discordgate/internal/media"
	"discordgate/internal/metrics"
	"discordgate/internal/security"
	"discordgate/internal/status"
	"discordgate/internal/transport"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const pairingChannel = "discord"

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and serve messages until interrupted",
		Long:  "Opens the Discord gateway, the agent forwarder, the pairing janitor and (if enabled) the status server. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logFile, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer logFile.Close()

	if err := os.MkdirAll(cfg.General.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pairing, err := security.NewPairingStore(security.PairingConfig{
		DBPath:     cfg.Pairing.DBPath,
		PendingTTL: time.Duration(cfg.Pairing.PendingTTLMinutes) * time.Minute,
		MaxPending: cfg.Pairing.MaxPending,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("pairing store: %w", err)
	}
	defer pairing.Close()

	mediaStore, err := media.NewStore(media.Config{
		Dir:        cfg.Media.Dir,
		FetchLimit: cfg.Discord.MediaMaxBytes(),
		HTTPClient: transport.SharedHTTPClient(60 * time.Second),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("media store: %w", err)
	}

	mentions, err := security.NewMentionMatcher(cfg.Discord.MentionPatterns)
	if err != nil {
		return fmt.Errorf("mention patterns: %w", err)
	}

	client := channel.NewAccountClient(channel.AccountClientConfig{
		AccountID:  cfg.Discord.AccountID,
		Token:      cfg.Discord.Token,
		HTTPClient: transport.SharedHTTPClient(30 * time.Second),
		Logger:     logger,
	})
	outbound := channel.NewOutbound(channel.OutboundConfig{
		Client:        client,
		ChunkLimit:    cfg.Discord.TextChunkLimit,
		MediaMaxBytes: cfg.Discord.MediaMaxBytes(),
		HTTPClient:    transport.SharedHTTPClient(60 * time.Second),
		Logger:        logger,
	})

	policy := security.NewPolicy(security.PolicyConfig{
		Channel:     pairingChannel,
		DMPolicy:    cfg.Discord.DM.Policy,
		AllowFrom:   cfg.Discord.DM.AllowFrom,
		GroupPolicy: cfg.Discord.GroupPolicy,
		Store:       pairing,
		Mentions:    mentions,
		Reply:       channel.PairingReplier(outbound),
		Logger:      logger,
	})

	events := bus.NewEventBus(bus.EventBusConfig{Source: pairingChannel, Logger: logger})
	events.On(bus.EventSystem, func(e bus.Event) {
		logger.Debug("system event", "seq", e.Seq, "session", e.Payload["sessionKey"], "text", e.Payload["text"])
	})
	dispatchBus := bus.New(cfg.General.MaxConcurrentMessages*4, logger)

	var (
		blocks    domain.BlockDispatcher
		messages  domain.MessageDispatcher
		forwarder *agent.Forwarder
	)
	if cfg.Agent.URL != "" {
		host := agent.HostConfig{
			URL:        cfg.Agent.URL,
			APIKey:     cfg.Agent.APIKey,
			Timeout:    time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
			MaxRetries: cfg.Agent.MaxRetries,
			Logger:     logger,
		}
		if cfg.Agent.MaxRetries == 0 {
			host.MaxRetries = -1
		}
		var limiter *agent.SessionLimiter
		if cfg.Agent.RatePerMinute > 0 {
			limiter = agent.NewSessionLimiter(cfg.Agent.RateBurst, cfg.Agent.RatePerMinute)
		}
		forwarder = agent.NewForwarder(agent.ForwarderConfig{
			Host:        host,
			Requests:    dispatchBus.Subscribe(),
			Concurrency: cfg.Agent.Concurrency,
			Limiter:     limiter,
			Logger:      logger,
		})
		blocks = dispatchBus
		messages = agent.NewWebhook(host)
	} else {
		logger.Warn("agent.url not set: messages are only recorded as system events")
	}

	identity := &channel.Identity{}
	pipeline := channel.NewPipeline(channel.PipelineConfig{
		AccountID:     cfg.Discord.AccountID,
		Identity:      identity,
		StartupGrace:  time.Duration(cfg.Discord.StartupGraceMs) * time.Millisecond,
		Policy:        policy,
		Outbound:      outbound,
		ReplyToMode:   cfg.Discord.ReplyToEnabled(),
		Media:         mediaStore,
		MediaMaxBytes: cfg.Discord.MediaMaxBytes(),
		Router:        agent.NewRouter(cfg.Routing, logger),
		Typing:        channel.NewTyping(channel.TypingConfig{Signaler: outbound, Logger: logger}),
		Blocks:        blocks,
		Messages:      messages,
		Events:        events,
		Errors:        events,
		Logger:        logger,
	})
	discord := channel.NewDiscord(channel.DiscordConfig{
		Client:        client,
		Handler:       pipeline,
		Identity:      identity,
		MaxConcurrent: cfg.General.MaxConcurrentMessages,
		Logger:        logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := discord.Start(gctx)
		// Handlers have drained; nothing publishes to the bus any more.
		dispatchBus.Close()
		return err
	})

	if forwarder != nil {
		g.Go(func() error {
			forwarder.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		if err := pairing.StartJanitor(gctx, cfg.Pairing.CleanupSchedule); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})

	if cfg.Status.Enabled {
		srv := status.New(status.Config{
			Addr:       net.JoinHostPort(cfg.Status.Host, strconv.Itoa(cfg.Status.Port)),
			Prober:     outbound,
			Pairing:    pairing,
			Events:     events,
			Metrics:    metrics.Default,
			Sender:     outbound,
			SendSecret: cfg.Status.SendSecret,
			Logger:     logger,
		})
		g.Go(func() error { return srv.Start(gctx) })
	}

	logger.Info("discordgate started. Press Ctrl+C to stop.",
		"account", cfg.Discord.AccountID,
		"dmPolicy", cfg.Discord.DM.Policy,
		"groupPolicy", cfg.Discord.GroupPolicy,
		"agent", cfg.Agent.URL != "",
	)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			logger.Error("configuration problem", "key", cfgErr.Key, "reason", cfgErr.Reason)
		}
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
