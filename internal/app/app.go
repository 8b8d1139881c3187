package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"savings-alerts/internal/admin"
	"savings-alerts/internal/alert"
	"savings-alerts/internal/alerting"
	"savings-alerts/internal/channel"
	"savings-alerts/internal/config"
	"savings-alerts/internal/dispatch"
	"savings-alerts/internal/fetcher"
	"savings-alerts/internal/match"
	"savings-alerts/internal/scheduler"
	"savings-alerts/internal/service"
	"savings-alerts/internal/storage"
	"savings-alerts/internal/version"
)

var errNoDatabase = errors.New("database.dsn not configured")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newProductSource picks where the match service reads snapshots from.
func (a *App) newProductSource(store *storage.Store) storage.ProductStore {
	if a.Config.Products.Source == config.SourceFinlife {
		cfg := a.Config.Products.Finlife
		return fetcher.NewFinlife(fetcher.FinlifeOptions{
			BaseURL:   cfg.BaseURL,
			AuthKey:   cfg.AuthKey,
			Groups:    cfg.TopFinGrpNo,
			Timeout:   cfg.Timeout,
			MaxPages:  cfg.MaxPages,
			UserAgent: cfg.UserAgent,
		}, a.Logger)
	}
	return store
}

// senders builds every channel sender wrapped in its circuit breaker. A push
// broker that cannot be reached at startup leaves the push sender without a
// publisher, so push events are retried by later slots.
func (a *App) senders() ([]*channel.BreakerSender, func()) {
	cfg := a.Config.Channels
	breakerOpts := channel.BreakerOptions{
		MaxRequests:  cfg.Breaker.MaxRequests,
		Interval:     cfg.Breaker.Interval,
		Timeout:      cfg.Breaker.Timeout,
		FailureRatio: cfg.Breaker.FailureRatio,
		MinRequests:  cfg.Breaker.MinRequests,
	}

	email := channel.NewEmailSender(channel.EmailOptions{
		Enabled:     cfg.Email.Enabled,
		Host:        cfg.Email.Host,
		Port:        cfg.Email.Port,
		Username:    cfg.Email.Username,
		Password:    cfg.Email.Password,
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		Timeout:     cfg.Email.Timeout,
	}, a.Logger)

	sms := channel.NewSMSSender(channel.SMSOptions{
		Enabled:       cfg.SMS.Enabled,
		BaseURL:       cfg.SMS.BaseURL,
		ServiceID:     cfg.SMS.ServiceID,
		AccessKey:     cfg.SMS.AccessKey,
		SecretKey:     cfg.SMS.SecretKey,
		From:          cfg.SMS.FromNumber,
		CountryCode:   cfg.SMS.CountryCode,
		ShortLimit:    cfg.SMS.ShortLimitBytes,
		Timeout:       cfg.SMS.Timeout,
		RatePerSecond: cfg.SMS.RatePerSecond,
		Burst:         cfg.SMS.Burst,
	}, a.Logger)

	closer := func() {}
	var publisher channel.Publisher
	if cfg.Push.Enabled {
		ch, closeAMQP, err := channel.DialPublisher(cfg.Push.AMQPURL, cfg.Push.Exchange)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("push broker unavailable; push events will be retried")
		} else {
			publisher = ch
			closer = closeAMQP
		}
	}
	push := channel.NewPushSender(channel.PushOptions{
		Enabled:    cfg.Push.Enabled,
		Exchange:   cfg.Push.Exchange,
		RoutingKey: cfg.Push.RoutingKey,
	}, publisher, a.Logger)

	return []*channel.BreakerSender{
		channel.WithBreaker(email, breakerOpts, a.Logger),
		channel.WithBreaker(sms, breakerOpts, a.Logger),
		channel.WithBreaker(push, breakerOpts, a.Logger),
	}, closer
}

func newRouter(logger zerolog.Logger, breakers []*channel.BreakerSender) *channel.Router {
	senders := make([]channel.Sender, 0, len(breakers))
	for _, b := range breakers {
		senders = append(senders, b)
	}
	return channel.NewRouter(logger, senders...)
}

func channelStates(breakers []*channel.BreakerSender) func() map[string]string {
	return func() map[string]string {
		states := make(map[string]string, len(breakers))
		for _, b := range breakers {
			states[string(b.Channel())] = b.State()
		}
		return states
	}
}

// pipeline is the fully wired match + dispatch stack over one store.
type pipeline struct {
	service    *service.Service
	dispatcher *dispatch.Dispatcher
	breakers   []*channel.BreakerSender
	closers    []func()
}

func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

func (a *App) newPipeline(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler) (*pipeline, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errNoDatabase
	}

	breakers, closeSenders := a.senders()
	router := newRouter(a.Logger, breakers)

	matcher := match.New(store, a.newProductSource(store), store, a.Logger)
	dispatcher := dispatch.New(store, store, router, dispatch.Options{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		SendTimeout: cfg.Dispatch.SendTimeout,
	}, a.Logger)

	svc := service.New(cfg, sched, matcher, dispatcher, store, a.newNotifier(), a.Logger)
	return &pipeline{
		service:    svc,
		dispatcher: dispatcher,
		breakers:   breakers,
		closers:    []func(){closeStore, closeSenders},
	}, nil
}

// Run executes the long-running slot scheduler and the admin server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loc, err := a.Config.Scheduler.Location()
	if err != nil {
		return err
	}
	sched := scheduler.New(scheduler.Options{
		Location:    loc,
		SlotTimeout: a.Config.Scheduler.SlotTimeout,
	}, a.Logger)

	p, err := a.newPipeline(ctx, a.Config, sched)
	if err != nil {
		return err
	}
	defer p.Close()

	server := admin.NewServer(a.Config.Admin.ListenAddr, a.Config.Admin.Token, p.service, a.Logger).
		WithChannelStates(channelStates(p.breakers))

	a.Logger.Info().
		Str("version", version.Version).
		Str("timezone", loc.String()).
		Str("scan_at", a.Config.Scheduler.ScanAt).
		Strs("dispatch_at", a.Config.Scheduler.DispatchAt).
		Msg("starting alert service")

	g, gctx := errgroup.WithContext(ctx)
	p.service.WithBaseContext(gctx)
	g.Go(func() error { return p.service.Run(gctx) })
	if a.Config.Admin.ListenAddr != "" {
		g.Go(func() error { return server.Run(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert service stopped")
	return nil
}

// Scan runs the match service once, outside the schedule.
func (a *App) Scan(ctx context.Context) (int, error) {
	p, err := a.newPipeline(ctx, a.Config, nil)
	if err != nil {
		return 0, err
	}
	defer p.Close()

	n, _, err := p.service.ScanNow(ctx)
	return n, err
}

// Dispatch drains the queue, or handles one batch when opts.Once is set.
func (a *App) Dispatch(ctx context.Context, opts DispatchOptions) (dispatch.Stats, error) {
	cfg := *a.Config
	cfg.Dispatch.BatchSize = a.Config.ResolveBatchSize(opts.BatchSize)

	p, err := a.newPipeline(ctx, &cfg, nil)
	if err != nil {
		return dispatch.Stats{}, err
	}
	defer p.Close()

	if opts.Once {
		return p.dispatcher.DispatchNow(ctx, cfg.Dispatch.BatchSize)
	}
	return p.service.DispatchNow(ctx)
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema applied")
	return nil
}

// DispatchOptions configure the dispatch command.
type DispatchOptions struct {
	Once      bool
	BatchSize int
}

// ExportOptions hold parameters for exporting daily queue counts.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure the simulate-alert command.
type SimulateOptions struct {
	Channel   alert.Channel
	Recipient string
	Kind      alert.ProductKind
	Rate      string
}
