package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/admin"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/dashboard"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/egress"
	"github.com/zulandar/switchyard/internal/llm"
	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/pipeline"
	"github.com/zulandar/switchyard/internal/retrieval"
	"github.com/zulandar/switchyard/internal/retry"
	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/telegraph"
	discordadapter "github.com/zulandar/switchyard/internal/telegraph/discord"
	messengeradapter "github.com/zulandar/switchyard/internal/telegraph/messenger"
	slackadapter "github.com/zulandar/switchyard/internal/telegraph/slack"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat bridge, pipeline and admin API",
		Long: `Connects every enabled chat platform, runs inbound messages through the
conversation pipeline and serves the admin API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().IntVar(&port, "port", 0, "admin API port (overrides admin.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Admin.Port = port
	}
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}

	gormDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	adapters, err := createAdapters(cfg, log)
	if err != nil {
		return err
	}
	a, err := buildApp(appOpts{Config: cfg, DB: gormDB, Adapters: adapters, Logger: log})
	if err != nil {
		return err
	}

	log.Info().Strs("platforms", cfg.EnabledPlatforms()).Int("admin_port", cfg.Admin.Port).Str("version", Version).Msg("switchyard_starting")
	err = a.run(cmd.Context())
	log.Info().Msg("switchyard_stopped")
	return err
}

// createAdapters builds an adapter for every enabled platform.
func createAdapters(cfg *config.Config, log zerolog.Logger) ([]telegraph.Adapter, error) {
	var out []telegraph.Adapter
	if c := cfg.Platforms.Slack; c.Enabled {
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  c.AppToken,
			BotToken:  c.BotToken,
			ChannelID: c.Channel,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if c := cfg.Platforms.Discord; c.Enabled {
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  c.BotToken,
			ChannelID: c.Channel,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if c := cfg.Platforms.Messenger; c.Enabled {
		a, err := messengeradapter.New(messengeradapter.AdapterOpts{
			PageAccessToken: c.PageAccessToken,
			VerifyToken:     c.VerifyToken,
			AppSecret:       c.AppSecret,
			GraphURL:        c.GraphURL,
			APIVersion:      c.APIVersion,
			Timeout:         time.Duration(cfg.Egress.TimeoutSec) * time.Second,
			Logger:          log,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, errors.New("no chat platforms enabled")
	}
	return out, nil
}

// webhookAdapter is an adapter that receives events over HTTP.
type webhookAdapter interface {
	Webhook() gin.HandlerFunc
}

type appOpts struct {
	Config   *config.Config
	DB       *gorm.DB
	Adapters []telegraph.Adapter
	Model    pipeline.Model // optional; built from config when nil
	Logger   zerolog.Logger
}

// app is the fully wired server.
type app struct {
	log      zerolog.Logger
	store    *store.Store
	broker   *dashboard.Broker
	notifier *telegraph.OperatorNotifier
	daemon   *telegraph.Daemon
	server   *dashboard.Server
}

// buildApp wires the store, pipeline, egress, operator surfaces and admin
// API around the given adapters.
func buildApp(opts appOpts) (*app, error) {
	cfg, log := opts.Config, opts.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := store.New(store.StoreOpts{DB: opts.DB, Metrics: m, Logger: log})
	if err != nil {
		return nil, err
	}

	sender := egress.NewSender(egress.SenderOpts{
		Policy: retry.Policy{
			MaxAttempts:  cfg.Egress.MaxAttempts,
			InitialDelay: time.Duration(cfg.Egress.InitialBackoffMS) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Egress.MaxBackoffMS) * time.Millisecond,
			Factor:       2,
			Jitter:       true,
		},
		Metrics: m,
		Logger:  log,
	})
	byName := make(map[string]telegraph.Adapter, len(opts.Adapters))
	webhooks := make(map[string]gin.HandlerFunc)
	for _, a := range opts.Adapters {
		byName[a.Name()] = a
		sender.Register(a.Name(), telegraph.Transport{Adapter: a})
		if w, ok := a.(webhookAdapter); ok {
			webhooks[a.Name()] = w.Webhook()
		}
	}

	broker := dashboard.NewBroker(dashboard.BrokerOpts{Logger: log})
	notifiers := pipeline.Notifiers{broker}
	var opNotifier *telegraph.OperatorNotifier
	if cfg.Operator.Platform != "" {
		a, ok := byName[cfg.Operator.Platform]
		if !ok {
			return nil, fmt.Errorf("operator platform %q has no adapter", cfg.Operator.Platform)
		}
		opNotifier, err = telegraph.NewOperatorNotifier(telegraph.OperatorNotifierOpts{
			Adapter: a,
			Channel: cfg.Operator.Channel,
			Logger:  log,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, opNotifier)
	}

	pipeOpts := pipeline.PipelineOpts{
		Store:         st,
		Model:         opts.Model,
		Sender:        sender,
		Notifier:      notifiers,
		TopK:          cfg.Retrieval.TopK,
		HistoryLimit:  cfg.Pipeline.HistoryLimit,
		Threshold:     cfg.Pipeline.ClassifierConfidence,
		ModelTimeout:  cfg.LLMTimeout(),
		RunTimeout:    cfg.RunTimeout(),
		EgressTimeout: time.Duration(cfg.Egress.TimeoutSec) * time.Second,
		Metrics:       m,
		Logger:        log,
	}
	if pipeOpts.Model == nil {
		if cfg.LLM.APIKey == "" {
			log.Warn().Msg("llm.api_key not set; using templates and rule-based classification only")
		} else {
			client, err := llm.New(llm.ClientOpts{
				APIKey:  cfg.LLM.APIKey,
				BaseURL: cfg.LLM.BaseURL,
				Model:   cfg.LLM.Model,
				Timeout: cfg.LLMTimeout(),
				Logger:  log,
			})
			if err != nil {
				return nil, err
			}
			pipeOpts.Model = client
		}
	}
	if cfg.Retrieval.BaseURL != "" {
		client, err := retrieval.New(retrieval.ClientOpts{
			BaseURL:   cfg.Retrieval.BaseURL,
			TopK:      cfg.Retrieval.TopK,
			Timeout:   cfg.RetrievalTimeout(),
			CacheSize: cfg.Retrieval.CacheSize,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		pipeOpts.Retriever = client
	} else {
		log.Warn().Msg("retrieval.base_url not set; answering without knowledge snippets")
	}
	pipe, err := pipeline.New(pipeOpts)
	if err != nil {
		return nil, err
	}

	ctl, err := admin.New(admin.ControllerOpts{
		Store:         st,
		Sender:        sender,
		Notifier:      notifiers,
		Metrics:       m,
		Logger:        log,
		EgressTimeout: time.Duration(cfg.Egress.TimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	var commands *telegraph.CommandHandler
	if opNotifier != nil {
		commands, err = telegraph.NewCommandHandler(telegraph.CommandHandlerOpts{Store: st, Admin: ctl, IsAdmin: cfg.IsAdmin})
		if err != nil {
			return nil, err
		}
	}
	router, err := telegraph.NewRouter(telegraph.RouterOpts{
		Runner:           pipe,
		Commands:         commands,
		OperatorPlatform: cfg.Operator.Platform,
		OperatorChannel:  cfg.Operator.Channel,
		Metrics:          m,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}

	daemonOpts := telegraph.DaemonOpts{
		Adapters:       opts.Adapters,
		Router:         router,
		Notifier:       opNotifier,
		Store:          st,
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		Logger:         log,
	}
	if cfg.Operator.Digest.Enabled {
		if opNotifier == nil {
			log.Warn().Msg("operator.digest enabled without an operator channel; digest disabled")
		} else {
			daemonOpts.DigestCron = cfg.Operator.Digest.Cron
		}
	}
	daemon, err := telegraph.NewDaemon(daemonOpts)
	if err != nil {
		return nil, err
	}

	server, err := dashboard.New(dashboard.ServerOpts{
		Store:    st,
		Admin:    ctl,
		Broker:   broker,
		Gatherer: reg,
		APIKey:   cfg.Admin.APIKey,
		IsAdmin:  cfg.IsAdmin,
		Webhooks: webhooks,
		Port:     cfg.Admin.Port,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	return &app{log: log, store: st, broker: broker, notifier: opNotifier, daemon: daemon, server: server}, nil
}

// run starts the daemon and the admin API and blocks until ctx is cancelled
// or either of them fails. Both are stopped before run returns.
func (a *app) run(ctx context.Context) error {
	// One service stopping takes the other down with it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	start := func(name string, fn func(context.Context) error) {
		eg.Go(func() error {
			defer cancel()
			if err := fn(ctx); err != nil {
				a.log.Error().Err(err).Str("service", name).Msg("service_failed")
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	start("telegraph", a.daemon.Run)
	start("admin_api", a.server.Start)
	return eg.Wait()
}
