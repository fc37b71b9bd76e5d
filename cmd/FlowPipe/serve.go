package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/collab"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/flowdef"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/recovery"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/template"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// runServe wires every component and blocks until ctx is cancelled or the
// API server fails.
func runServe(ctx context.Context, cfg Config) error {
	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry := flowdef.NewRegistry()
	reload := newFlowReloader(registry, st, cfg.FlowsDir)
	if _, err := reload(ctx); err != nil {
		// Rejected flows are logged; the valid ones still serve.
		slog.Warn("runServe: some flow definitions were rejected", "error", err)
	}
	if len(registry.Names()) == 0 {
		slog.Warn("runServe: no flows loaded, every message will get the default reply")
	}

	svc, twilioSvc, err := buildMessagingService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Stop()

	notifier, closeNotifier, err := buildNotifier(cfg, st)
	if err != nil {
		return err
	}
	defer closeNotifier()

	execOpts, err := buildExecutorOptions(cfg)
	if err != nil {
		return err
	}
	executor := flow.NewExecutor(template.New(), execOpts...)
	interpreter := flow.NewInterpreter(registry, executor,
		flow.WithMaxIterations(cfg.MaxIterations),
		flow.WithRecoveryFlow(cfg.RecoveryFlow),
	)
	scheduler := flow.NewStoreJobScheduler(st)
	procOpts := []flow.ProcessorOption{flow.WithJobScheduler(scheduler)}
	if notifier != nil {
		procOpts = append(procOpts, flow.WithNotifier(notifier))
	}
	processor := flow.NewProcessor(st, interpreter, procOpts...)

	runner := store.NewJobRunner(st, cfg.PollInterval)
	flow.RegisterJobHandlers(runner, st)
	sender := store.NewOutboxSender(st, messaging.NewOutboxSendFunc(svc), cfg.PollInterval)

	rm := recovery.NewManager()
	rm.Register("jobs", recovery.RecoverFunc(runner.RecoverStaleJobs))
	rm.Register("outbox", recovery.RecoverFunc(sender.RecoverStaleMessages))
	rm.Register("interventions", recovery.NewInterventionTimeouts(st, scheduler, cfg.HandoverTimeout))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Error("runServe: startup recovery incomplete", "error", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			slog.Debug("runServe: worker stopped", "worker", name)
		}()
	}
	background("jobs", runner.Run)
	background("outbox", sender.Run)
	background("intake", func(ctx context.Context) {
		messaging.RunIntake(ctx, svc.Events(), processor, cfg.IntakeWorkers)
	})
	background("receipts", func(ctx context.Context) {
		messaging.LogReceipts(ctx, svc.Receipts())
	})

	apiOpts := []api.Option{api.WithAddr(cfg.APIAddr), api.WithFlowReloader(reload)}
	if cfg.CallbackToken != "" {
		apiOpts = append(apiOpts, api.WithCallbackToken(cfg.CallbackToken))
	}
	if twilioSvc != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioSvc.TwilioWebhookHandler))
	}
	server := api.NewServer(processor, st, registry, apiOpts...)

	runErr := server.Run(ctx)
	if runErr != nil {
		slog.Error("runServe: API server stopped", "error", runErr)
	}
	// Stop the transport first so intake sees its channels close.
	if err := svc.Stop(); err != nil {
		slog.Warn("runServe: messaging service stop failed", "error", err)
	}
	wg.Wait()
	return runErr
}

// newFlowReloader returns the reload used at startup and by POST
// /flows/reload. With a flows directory the files are authoritative and are
// written through to the store; without one the stored flows are loaded.
func newFlowReloader(registry *flowdef.Registry, st flowdef.FlowStore, dir string) api.FlowReloader {
	return func(ctx context.Context) ([]*flowdef.ConfigError, error) {
		if dir == "" {
			return nil, registry.LoadFromStore(ctx, st)
		}
		problems, err := registry.LoadDirInto(dir)
		if err != nil {
			return nil, err
		}
		if err := registry.Sync(ctx, st, false); err != nil {
			return problems, err
		}
		if flowdef.IsFatal(problems) {
			return problems, errors.New("some flow definitions were rejected")
		}
		slog.Info("FlowReloader: flows loaded", "dir", dir, "count", len(registry.Names()), "problems", len(problems))
		return problems, nil
	}
}

// buildMessagingService creates the configured transport. The Twilio service
// is returned separately so its webhook can be mounted on the API.
func buildMessagingService(ctx context.Context, cfg Config) (messaging.Service, *messaging.TwilioService, error) {
	switch cfg.Transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	default:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg)...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(cfg Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if cfg.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QROutput))
	}
	if cfg.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if cfg.WhatsAppDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(cfg.WhatsAppDSN))
	}
	return waOpts
}

// buildNotifier combines the configured staff notification channels. It
// returns a nil notifier when none is configured.
func buildNotifier(cfg Config, outbox store.OutboxRepo) (flow.Notifier, func(), error) {
	var notifiers collab.MultiNotifier
	closeFn := func() {}
	if cfg.StaffDirectory != "" {
		dir, err := collab.ParseStaffDirectory(cfg.StaffDirectory)
		if err != nil {
			return nil, closeFn, fmt.Errorf("staff directory: %w", err)
		}
		notifiers = append(notifiers, collab.NewStaffNotifier(outbox, dir))
	}
	if cfg.AMQPURL != "" {
		amqpNotifier, err := collab.DialAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, closeFn, err
		}
		notifiers = append(notifiers, amqpNotifier)
		closeFn = func() {
			if err := amqpNotifier.Close(); err != nil {
				slog.Warn("buildNotifier: amqp close failed", "error", err)
			}
		}
	}
	switch len(notifiers) {
	case 0:
		slog.Warn("buildNotifier: no staff notification channel configured")
		return nil, closeFn, nil
	case 1:
		return notifiers[0], closeFn, nil
	}
	return notifiers, closeFn, nil
}

// buildExecutorOptions constructs the step executor's collaborators.
func buildExecutorOptions(cfg Config) ([]flow.ExecutorOption, error) {
	opts := []flow.ExecutorOption{flow.WithHandoverTimeout(cfg.HandoverTimeout)}
	if cfg.GatewayURL != "" {
		var gwOpts []collab.GatewayOption
		if cfg.GatewayKey != "" {
			gwOpts = append(gwOpts, collab.WithGatewayAPIKey(cfg.GatewayKey))
		}
		if cfg.GatewayCallback != "" {
			gwOpts = append(gwOpts, collab.WithGatewayCallbackURL(cfg.GatewayCallback))
		}
		if cfg.GatewayTimeout > 0 {
			gwOpts = append(gwOpts, collab.WithGatewayTimeout(cfg.GatewayTimeout))
		}
		opts = append(opts, flow.WithPaymentGateway(collab.NewHTTPGateway(cfg.GatewayURL, gwOpts...)))
	}
	if cfg.MinIOEndpoint != "" {
		assets, err := collab.NewMinIOAssetResolver(collab.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		}, cfg.MinIOPrefix)
		if err != nil {
			return nil, fmt.Errorf("asset resolver: %w", err)
		}
		opts = append(opts, flow.WithAssetResolver(assets))
	}
	if cfg.PublicBaseURL != "" {
		opts = append(opts, flow.WithPublicBaseURL(cfg.PublicBaseURL))
	}
	if cfg.AdminNumber != "" {
		opts = append(opts, flow.WithAdminNumber(cfg.AdminNumber))
	}
	return opts, nil
}
