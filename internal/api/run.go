package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/audio"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/campaign"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/convo"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/genai"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/language"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/lockfile"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/messaging"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/processor"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/queue"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/scheduler"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/store"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/whatsapp"
)

// Messaging backends selectable at startup.
const (
	BackendCloudAPI  = "cloudapi"
	BackendWhatsmeow = "whatsmeow"
	BackendTwilio    = "twilio"
)

// DefaultTemplateName is the campaign template seeded on first run so
// campaigns work out of the box.
const DefaultTemplateName = "loan_offer"

const defaultTemplateContent = "Template Name: loan_offer\n" +
	"Hi {name}, unlock the value of your property with a loan against property. " +
	"Attractive rates, flexible tenures, minimal paperwork. Reply to know more."

// Opts holds configuration options for the API server and service wiring.
type Opts struct {
	Addr              string
	VerifyToken       string
	StateDir          string
	PromptDir         string
	Language          string
	Backend           string
	QueueURL          string
	FollowUpSchedule  string
	RetentionSchedule string

	// Cloud API credentials.
	WhatsAppAPIKey        string
	WhatsAppPhoneNumberID string

	// Twilio credentials.
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
}

// Option defines a configuration option for the API layer.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithVerifyToken sets the Cloud API webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) {
		o.VerifyToken = token
	}
}

// WithStateDir sets the state directory holding the lock file, media cache
// and default SQLite databases.
func WithStateDir(dir string) Option {
	return func(o *Opts) {
		o.StateDir = dir
	}
}

// WithPromptDir sets the directory containing prompt overrides.
func WithPromptDir(dir string) Option {
	return func(o *Opts) {
		o.PromptDir = dir
	}
}

// WithLanguage sets the default conversation language.
func WithLanguage(lang string) Option {
	return func(o *Opts) {
		o.Language = lang
	}
}

// WithBackend selects the messaging backend: cloudapi, whatsmeow or twilio.
func WithBackend(backend string) Option {
	return func(o *Opts) {
		o.Backend = backend
	}
}

// WithQueueURL sets the AMQP broker URL. When empty, an in-process queue is
// used instead.
func WithQueueURL(url string) Option {
	return func(o *Opts) {
		o.QueueURL = url
	}
}

// WithFollowUpSchedule sets the cron expression for the follow-up sweep.
func WithFollowUpSchedule(expr string) Option {
	return func(o *Opts) {
		o.FollowUpSchedule = expr
	}
}

// WithRetentionSchedule sets the cron expression for the interaction purge.
func WithRetentionSchedule(expr string) Option {
	return func(o *Opts) {
		o.RetentionSchedule = expr
	}
}

// WithWhatsAppCredentials sets the Cloud API access token and phone number ID.
func WithWhatsAppCredentials(apiKey, phoneNumberID string) Option {
	return func(o *Opts) {
		o.WhatsAppAPIKey = apiKey
		o.WhatsAppPhoneNumberID = phoneNumberID
	}
}

// WithTwilioCredentials sets the Twilio account credentials and sender number.
func WithTwilioCredentials(accountSID, authToken, fromNumber string) Option {
	return func(o *Opts) {
		o.TwilioAccountSID = accountSID
		o.TwilioAuthToken = authToken
		o.TwilioFromNumber = fromNumber
	}
}

// Run wires all services together and serves the API until SIGINT or
// SIGTERM. It blocks for the lifetime of the process.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:              DefaultAddr,
		Language:          "english",
		Backend:           BackendCloudAPI,
		FollowUpSchedule:  scheduler.DefaultFollowUpSchedule,
		RetentionSchedule: scheduler.DefaultRetentionSchedule,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.StateDir == "" {
		return errors.New("state directory is required")
	}
	slog.Debug("Run configuration assembled", "addr", cfg.Addr, "backend", cfg.Backend,
		"state_dir", cfg.StateDir, "queue_url_set", cfg.QueueURL != "")

	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := buildStore(storeOpts)
	if err != nil {
		return err
	}
	defer st.Close()

	ai, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize GenAI client: %w", err)
	}
	langProc := language.NewProcessor(ai)
	audioProc, err := audio.NewProcessor(ai, langProc, filepath.Join(cfg.StateDir, "media"))
	if err != nil {
		return fmt.Errorf("failed to initialize audio processor: %w", err)
	}

	prompts, err := convo.LoadPrompts(cfg.PromptDir, cfg.Language)
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}
	engine := convo.NewEngine(ai, prompts, cfg.Language)

	msgSvc, procOpts, twilioWebhook, err := buildMessagingService(cfg, waOpts)
	if err != nil {
		return err
	}

	proc := processor.NewProcessor(st, engine, langProc, audioProc, msgSvc, procOpts...)
	runner := campaign.NewRunner(st, msgSvc)

	q, err := buildQueue(cfg.QueueURL)
	if err != nil {
		return err
	}
	defer q.Close()

	if err := seedDefaults(st, prompts); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := msgSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgSvc.Stop()

	// Backends that push inbound messages directly (whatsmeow, Twilio)
	// are bridged onto the queue; the Cloud API webhook publishes there
	// itself.
	if inbound := msgSvc.Inbound(); inbound != nil {
		go func() {
			for msg := range inbound {
				if err := q.Publish(ctx, msg); err != nil {
					slog.Error("Failed to bridge inbound message to queue", "error", err, "message_id", msg.MessageID)
				}
			}
		}()
	}

	consume, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	go proc.Run(ctx, consume)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(cfg.FollowUpSchedule, func() {
		sent, err := proc.ProcessDueFollowUps(context.Background())
		if err != nil {
			slog.Error("Scheduled follow-up sweep failed", "error", err, "sent", sent)
			return
		}
		if sent > 0 {
			slog.Info("Scheduled follow-up sweep completed", "sent", sent)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule follow-up sweep: %w", err)
	}
	if err := sched.AddJob(cfg.RetentionSchedule, func() {
		purged, err := proc.PurgeOldInteractions(context.Background())
		if err != nil {
			slog.Error("Scheduled interaction purge failed", "error", err)
			return
		}
		slog.Info("Scheduled interaction purge completed", "purged", purged)
	}); err != nil {
		return fmt.Errorf("failed to schedule interaction purge: %w", err)
	}

	// The Cloud API backend must see webhook traffic so the conversation
	// window opens on customer-initiated messages; its Inbound() channel is
	// bridged to the queue above.
	var enqueuer InboundEnqueuer
	if ca, ok := msgSvc.(*messaging.CloudAPIService); ok {
		enqueuer = ca
	}

	server := NewServer(st, q, runner, proc, cfg.VerifyToken, twilioWebhook, enqueuer)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	return nil
}

// buildStore selects a backend by DSN. With no options, state lives in
// memory and is lost on restart.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	if len(storeOpts) == 0 {
		slog.Warn("No store configured, using in-memory store; data will not survive restarts")
		return store.NewInMemoryStore(), nil
	}

	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}

func buildMessagingService(cfg Opts, waOpts []whatsapp.Option) (messaging.Service, []processor.Option, http.HandlerFunc, error) {
	switch cfg.Backend {
	case BackendCloudAPI:
		if cfg.WhatsAppAPIKey == "" || cfg.WhatsAppPhoneNumberID == "" {
			return nil, nil, nil, errors.New("cloudapi backend requires an API key and phone number ID")
		}
		svc := messaging.NewCloudAPIService(cfg.WhatsAppAPIKey, cfg.WhatsAppPhoneNumberID)
		return svc, []processor.Option{processor.WithMediaFetcher(svc)}, nil, nil

	case BackendWhatsmeow:
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil, nil

	case BackendTwilio:
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFromNumber == "" {
			return nil, nil, nil, errors.New("twilio backend requires account SID, auth token and from number")
		}
		sender := messaging.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
		svc := messaging.NewTwilioService(sender)
		return svc, nil, svc.WebhookHandler, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown messaging backend %q", cfg.Backend)
	}
}

func buildQueue(queueURL string) (queue.Queue, error) {
	if queueURL == "" {
		slog.Debug("No queue URL configured, using in-process queue")
		return queue.NewInMemoryQueue(), nil
	}
	q, err := queue.NewAMQPQueue(queueURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	return q, nil
}

// seedDefaults writes the conversation state table and the default campaign
// template so a fresh database is immediately usable.
func seedDefaults(st store.Store, prompts convo.Prompts) error {
	if err := st.SeedStateDefinitions(convo.StateDefinitions(prompts)); err != nil {
		return fmt.Errorf("failed to seed state definitions: %w", err)
	}

	existing, err := st.GetTemplateByName(DefaultTemplateName)
	if err != nil {
		return fmt.Errorf("failed to check default template: %w", err)
	}
	if existing == nil {
		template := models.Template{
			Name:         DefaultTemplateName,
			LanguageCode: "en",
			Category:     "marketing",
			Content:      defaultTemplateContent,
			IsApproved:   true,
		}
		if err := st.SaveTemplate(template); err != nil {
			return fmt.Errorf("failed to seed default template: %w", err)
		}
		slog.Info("Seeded default campaign template", "template", DefaultTemplateName)
	}
	return nil
}
