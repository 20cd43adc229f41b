package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/MediBot/internal/api"
	"github.com/BTreeMap/MediBot/internal/conversation"
	"github.com/BTreeMap/MediBot/internal/dedup"
	"github.com/BTreeMap/MediBot/internal/genai"
	"github.com/BTreeMap/MediBot/internal/jitai"
	"github.com/BTreeMap/MediBot/internal/lockfile"
	"github.com/BTreeMap/MediBot/internal/messaging"
	"github.com/BTreeMap/MediBot/internal/models"
	"github.com/BTreeMap/MediBot/internal/prompts"
	"github.com/BTreeMap/MediBot/internal/scheduler"
	"github.com/BTreeMap/MediBot/internal/snapshot"
	"github.com/BTreeMap/MediBot/internal/store"
	"github.com/BTreeMap/MediBot/internal/twiliowhatsapp"
	"github.com/BTreeMap/MediBot/internal/util"
	"github.com/BTreeMap/MediBot/internal/whatsapp"
)

func newServeCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the decision schedule and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
	bindServeFlags(cmd, cfg)
	return cmd
}

// engines builds the oracle-backed engines shared by every command.
func engines(cfg Config, oracle genai.Oracle) (*jitai.DecisionEngine, *jitai.ChatEngine, error) {
	guard, err := jitai.ParsePolicyGuard(cfg.PolicyGuard)
	if err != nil {
		return nil, nil, err
	}
	system := prompts.LoadSystemInstruction(cfg.SystemPromptFile)
	decision := jitai.NewDecisionEngine(oracle, jitai.WithSystemInstruction(system), jitai.WithPolicyGuard(guard))
	chat := jitai.NewChatEngine(oracle, jitai.WithSystemInstruction(system))
	return decision, chat, nil
}

// newTransport builds the messaging service for cfg.Transport. The returned handler is
// the Twilio inbound webhook, nil for WhatsApp.
func newTransport(ctx context.Context, cfg Config) (messaging.Service, http.HandlerFunc, error) {
	switch cfg.Transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(cfg)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(client, cfg.TwilioWebhookURL))
		} else {
			slog.Warn("main: TWILIO_WEBHOOK_URL unset, inbound webhook signatures are not verified")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, svc.WebhookHandler, nil
	default:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	}
}

// runServe wires every component and blocks until ctx is cancelled.
func runServe(ctx context.Context, cfg Config) error {
	slog.Info("main.runServe: starting MediBot", "version", version, "transport", cfg.Transport, "state_dir", cfg.StateDir)

	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(cfg.storeDSN())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	oracle, err := genai.NewClient(buildGenAIOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to create oracle client: %w", err)
	}
	decisionEngine, chatEngine, err := engines(cfg, oracle)
	if err != nil {
		return err
	}

	svc, webhook, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}

	loc := cfg.location()
	builder := snapshot.NewBuilder(snapshot.WithDefaultLocation(loc))
	sent := dedup.NewSet(dedup.DefaultSentCapacity)
	locks := util.NewKeyedMutex()
	timer := scheduler.NewTimer()
	defer timer.Stop()

	runner := jitai.NewOutreachRunner(st, builder, decisionEngine, svc,
		jitai.WithConcurrency(cfg.Concurrency),
		jitai.WithSentRecorder(sent),
		jitai.WithFollowUps(timer),
		jitai.WithKeyedMutex(locks),
		jitai.WithBaseContext(ctx),
	)

	conversations := conversation.NewStore()
	handler := messaging.NewEventHandler(svc, conversations, chatEngine, builder,
		messaging.WithSentSet(sent),
		messaging.WithLocks(locks),
		messaging.WithParticipants(st),
		messaging.WithReplyRecorder(runner),
	)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		handler.Run(ctx, svc.Events())
	}()
	go func() {
		defer wg.Done()
		persistReceipts(st, svc.Receipts())
	}()

	var schedOpts []scheduler.Option
	if loc != nil {
		schedOpts = append(schedOpts, scheduler.WithLocation(loc))
	}
	sched := scheduler.NewScheduler(schedOpts...)
	defer sched.Stop()
	if err := scheduleDecisionPoints(ctx, sched, runner, cfg); err != nil {
		_ = svc.Stop()
		wg.Wait()
		return err
	}

	server := api.NewServer(svc, conversations, st, builder,
		api.WithAddr(cfg.APIAddr),
		api.WithDecider(runner),
		api.WithHandlerStats(handler),
		api.WithTimers(timer),
		api.WithTwilioWebhook(webhook),
	)
	if err := server.Start(ctx); err != nil {
		_ = svc.Stop()
		wg.Wait()
		return err
	}

	<-ctx.Done()
	slog.Info("main.runServe: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Error("main.runServe: API shutdown failed", "error", err)
	}
	if err := svc.Stop(); err != nil {
		slog.Error("main.runServe: transport stop failed", "error", err)
	}
	wg.Wait()
	slog.Info("main.runServe: MediBot stopped")
	return nil
}

// DecisionRunner runs every participant through one decision point.
type DecisionRunner interface {
	RunDecisionPoint(ctx context.Context, point models.DecisionPoint) error
}

// JobScheduler registers cron jobs.
type JobScheduler interface {
	AddJob(expr string, task func()) error
}

// scheduleDecisionPoints registers the morning and evening cron jobs.
func scheduleDecisionPoints(ctx context.Context, sched JobScheduler, runner DecisionRunner, cfg Config) error {
	jobs := []struct {
		expr  string
		point models.DecisionPoint
	}{
		{cfg.MorningCron, models.DecisionPointMorning},
		{cfg.EveningCron, models.DecisionPointEvening},
	}
	for _, job := range jobs {
		point := job.point
		err := sched.AddJob(job.expr, func() {
			start := time.Now()
			if err := runner.RunDecisionPoint(ctx, point); err != nil {
				slog.Error("main: decision point finished with errors", "point", point, "error", err)
				return
			}
			slog.Info("main: decision point finished", "point", point, "duration", time.Since(start))
		})
		if err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", point, job.expr, err)
		}
	}
	return nil
}

// ReceiptSink stores delivery receipts.
type ReceiptSink interface {
	AddReceipt(r models.Receipt) error
}

// persistReceipts stores transport receipts until the channel closes.
func persistReceipts(sink ReceiptSink, receipts <-chan models.Receipt) {
	for r := range receipts {
		if err := sink.AddReceipt(r); err != nil {
			slog.Warn("main: failed to persist receipt", "messageID", r.MessageID, "status", r.Status, "error", err)
		}
	}
}
