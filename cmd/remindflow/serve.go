package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"remindflow/internal/api"
	"remindflow/internal/config"
	"remindflow/internal/domain"
	"remindflow/internal/eventbus"
	"remindflow/internal/handlers/email"
	smshttp "remindflow/internal/handlers/http"
	"remindflow/internal/handlers/inapp"
	"remindflow/internal/handlers/shell"
	"remindflow/internal/handlers/stream"
	"remindflow/internal/metrics"
	"remindflow/internal/notify"
	"remindflow/internal/ports"
	"remindflow/internal/scheduler"
	"remindflow/internal/store"
	"remindflow/internal/worker"
)

func serveCmd(configPath *string) *cobra.Command {
	var debug bool
	command := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the delivery pipeline and the HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)
			return serve(*configPath, cfg, debug)
		},
	}
	command.Flags().BoolVar(&debug, "debug", false, "expose /debug/pprof")
	return command
}

func serve(configPath string, cfg *config.Config, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	m := metrics.NewCollector(prometheus.DefaultRegisterer)
	clk := clockwork.NewRealClock()
	bus := eventbus.New(cfg.Dispatcher.BusBuffer)
	defer bus.Close()

	hub := stream.NewHub(64)
	senders := []ports.ChannelSender{hub}
	if cfg.Desktop.Command != "" {
		senders = append(senders, shell.Desktop{Command: cfg.Desktop.Command, Args: cfg.Desktop.Args})
	}
	if cfg.SMS.WebhookURL != "" {
		senders = append(senders, smshttp.NewSMS(cfg.SMS.WebhookURL, cfg.SMS.Token, cfg.SMS.Timeout))
	}
	if cfg.Email.Host != "" {
		senders = append(senders, email.New(cfg.Email.Host, cfg.Email.Port, cfg.Email.Username, cfg.Email.Password, cfg.Email.From))
	}
	var inbox *inapp.Inbox
	if cfg.Redis.Addr != "" {
		inbox = inapp.New(inapp.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			MaxItems:  cfg.Redis.InboxSize,
			TTL:       cfg.Redis.InboxTTL,
		})
		defer inbox.Close()
		if err := inbox.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("in_app inbox unreachable; deliveries will retry")
		}
		senders = append(senders, inbox)
	}
	for _, s := range senders {
		log.Info().Str("channel", string(s.Channel())).Msg("channel enabled")
	}

	notes := st.Notifications()
	deliveryPool := worker.NewPool("delivery", cfg.Dispatcher.Workers)
	dispatcher := notify.NewDispatcher(notes, notes, bus, deliveryPool, clk, cfg.Dispatcher.Policies(), senders...).
		WithMetrics(m)

	schedPool := worker.NewPool("scheduler", cfg.Scheduler.Workers)
	sched := scheduler.NewService(st.Tasks(), bus, schedPool, clk, scheduler.Config{
		TickInterval:   cfg.Scheduler.TickInterval,
		DefaultTimeout: cfg.Scheduler.DefaultTimeout,
		LoadLimit:      cfg.Scheduler.LoadLimit,
		SyncInterval:   cfg.Scheduler.SyncInterval,
	}).WithMetrics(m)

	// a trigger succeeds once its notification is stored; delivery outcomes
	// are tracked on the receipts
	err = eventbus.Subscribe(ctx, bus, func(ctx context.Context, ev domain.ScheduleTaskTriggered) error {
		_, err := dispatcher.OnTaskTriggered(ctx, ev)
		if rerr := sched.ReportResult(ev.RunID, err); rerr != nil {
			log.Warn().Err(rerr).Str("task_id", ev.TaskID).Str("run_id", ev.RunID).Msg("report trigger result")
		}
		return err
	})
	if err != nil {
		return err
	}

	if _, err := dispatcher.Recover(ctx); err != nil {
		return err
	}
	if _, err := sched.Load(ctx); err != nil {
		return err
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	if w, err := config.Watch(configPath, func(next *config.Config) {
		dispatcher.Apply(next.Dispatcher.Policies())
		setupLogging(next.Log)
	}); err != nil {
		log.Warn().Err(err).Msg("config hot reload disabled")
	} else {
		go w.Run(ctx)
	}

	deps := api.Deps{
		Tasks:    st.Tasks(),
		Notes:    notes,
		Receipts: notes,
		Hub:      hub,
		Health:   st.Ping,
		Gatherer: prometheus.DefaultGatherer,
		Debug:    debug,
	}
	if inbox != nil {
		deps.Inbox = inbox
	}
	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.NewServer(deps),
		// streams end when the process is asked to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify ready")
	} else if ok {
		log.Debug().Msg("notified systemd")
	}

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		log.Error().Err(err).Msg("http server")
		stop()
	}

	log.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	<-schedDone
	schedPool.Close()
	dispatcher.Close()
	deliveryPool.Close()
	log.Info().Msg("stopped")
	return nil
}
