// Package processor runs the inbound message pipeline: audio transcription,
// language normalization, conversation engine decisions, profile merging,
// persistence, and the outbound reply. It also drives scheduled follow-up
// sends and the retention sweep.
//
// All mutations of a customer are serialized through a per-phone lock, so
// two messages from the same number arriving concurrently are processed one
// after the other and neither update is lost.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/audio"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/convo"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/language"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/messaging"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/store"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/util"
)

const (
	// DefaultHistoryLimit is how many past interactions feed the engine.
	DefaultHistoryLimit = 10
	// DefaultFollowUpBatchSize caps one follow-up sweep run.
	DefaultFollowUpBatchSize = 50
	// DefaultInteractionRetention is how long interaction logs are kept.
	DefaultInteractionRetention = 180 * 24 * time.Hour
	// DefaultInterestLevel is the starting interest score for new customers.
	DefaultInterestLevel = 0.5
)

// ErrDoNotContact signals that a customer has opted out of all messaging.
var ErrDoNotContact = errors.New("customer has opted out of contact")

// MediaFetcher covers the Cloud API operations the pipeline needs beyond
// plain sending. Both methods are best-effort; a nil fetcher disables them.
type MediaFetcher interface {
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, error)
	MarkMessageRead(ctx context.Context, messageID string) error
}

// Processor wires the stores and services of the inbound pipeline together.
type Processor struct {
	store    store.Store
	engine   *convo.Engine
	merger   *convo.Merger
	language *language.Processor
	audio    *audio.Processor
	msgSvc   messaging.Service
	fetcher  MediaFetcher

	locks sync.Map // phone number -> *sync.Mutex
}

// Option configures a Processor.
type Option func(*Processor)

// WithMediaFetcher enables audio download and read receipts.
func WithMediaFetcher(f MediaFetcher) Option {
	return func(p *Processor) {
		p.fetcher = f
	}
}

// NewProcessor creates a processor over the given collaborators.
func NewProcessor(s store.Store, engine *convo.Engine, lang *language.Processor, audioProc *audio.Processor, msgSvc messaging.Service, opts ...Option) *Processor {
	p := &Processor{
		store:    s,
		engine:   engine,
		merger:   convo.NewMerger(),
		language: lang,
		audio:    audioProc,
		msgSvc:   msgSvc,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes inbound messages from the channel until it closes or the
// context is cancelled. Errors are logged, never fatal.
func (p *Processor) Run(ctx context.Context, inbound <-chan models.InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if err := p.ProcessMessage(ctx, msg); err != nil {
				slog.Error("Processor failed to process message", "error", err, "from", msg.From)
			}
		}
	}
}

// ProcessMessage runs the full pipeline for one inbound message.
func (p *Processor) ProcessMessage(ctx context.Context, msg models.InboundMessage) error {
	phone, err := p.msgSvc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}

	lock := p.phoneLock(phone)
	lock.Lock()
	defer lock.Unlock()

	customer, err := p.getOrCreateCustomer(phone)
	if err != nil {
		return err
	}

	if p.fetcher != nil && msg.MessageID != "" {
		if err := p.fetcher.MarkMessageRead(ctx, msg.MessageID); err != nil {
			slog.Warn("Processor failed to mark message read", "error", err, "message_id", msg.MessageID)
		}
	}

	text, detectedLanguage, mediaPath, err := p.resolveContent(ctx, msg)
	if err != nil {
		return err
	}

	// The ID is assigned here, not left to the store, because the analysis
	// update below has to address this exact row.
	inbound := models.Interaction{
		ID:                util.GenerateInteractionID(),
		CustomerID:        customer.ID,
		Timestamp:         msg.Timestamp,
		Direction:         models.DirectionInbound,
		MessageType:       msg.MessageType,
		Content:           text,
		MediaURL:          mediaPath,
		WhatsAppMessageID: msg.MessageID,
		Language:          detectedLanguage,
	}
	if err := p.store.AddInteraction(inbound); err != nil {
		return fmt.Errorf("failed to record inbound interaction: %w", err)
	}

	if customer.DoNotContact {
		slog.Info("Processor ignoring message from opted-out customer", "customer", customer.ID)
		return nil
	}

	if language.IsSupported(detectedLanguage) && detectedLanguage != customer.PreferredLanguage {
		customer.PreferredLanguage = detectedLanguage
	}

	englishText := p.language.ToEnglish(ctx, text, detectedLanguage)

	history, err := p.store.GetRecentInteractions(customer.ID, DefaultHistoryLimit)
	if err != nil {
		slog.Warn("Processor failed to load history", "error", err, "customer", customer.ID)
	}

	resp := p.engine.GenerateResponse(ctx, englishText, customer, history)
	p.merger.Apply(customer, resp.ExtractedInfo, resp.Intent, resp.State)
	customer.LastContacted = time.Now()

	analysisJSON, _ := json.Marshal(resp.Analysis)
	if err := p.store.UpdateInteractionAnalysis(inbound.ID, resp.Intent, resp.State, resp.Confidence, string(analysisJSON)); err != nil {
		slog.Warn("Processor failed to record analysis", "error", err, "interaction", inbound.ID)
	}

	p.attributeCampaignResponse(customer.ID)

	if customer.DoNotContact {
		// Opt-out detected in this message. Persist, cancel outreach, stay silent.
		if _, err := p.store.CancelPendingFollowUps(customer.ID); err != nil {
			slog.Warn("Processor failed to cancel follow-ups", "error", err, "customer", customer.ID)
		}
		customer.NextContactDate = nil
		return p.store.SaveCustomer(customer)
	}

	replyText := p.language.FromEnglish(ctx, resp.Text, customer.PreferredLanguage)
	sentType := p.sendReply(ctx, phone, replyText, resp.ShouldGenerateAudio)

	outbound := models.Interaction{
		CustomerID:        customer.ID,
		Direction:         models.DirectionOutbound,
		MessageType:       sentType,
		Content:           replyText,
		ConversationState: resp.State,
		Language:          customer.PreferredLanguage,
	}
	if err := p.store.AddInteraction(outbound); err != nil {
		slog.Warn("Processor failed to record outbound interaction", "error", err, "customer", customer.ID)
	}

	p.rescheduleFollowUp(customer, resp)

	if err := p.store.SaveCustomer(customer); err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}

	slog.Debug("Processor handled message",
		"customer", customer.ID,
		"intent", resp.Intent,
		"state", resp.State,
		"state_changed", resp.Analysis.StateChanged,
		"audio", sentType == models.MessageTypeAudio)
	return nil
}

// resolveContent turns the raw inbound message into text plus its detected
// language, transcribing audio payloads first.
func (p *Processor) resolveContent(ctx context.Context, msg models.InboundMessage) (text, detectedLanguage, mediaPath string, err error) {
	if msg.MessageType == models.MessageTypeAudio {
		if p.fetcher == nil {
			return "", "", "", errors.New("audio message received but no media fetcher configured")
		}
		content, err := p.fetcher.DownloadMedia(ctx, msg.MediaID)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to download audio %s: %w", msg.MediaID, err)
		}
		transcription, err := p.audio.ProcessInbound(ctx, content, msg.MediaID+".ogg")
		if err != nil {
			return "", "", "", fmt.Errorf("failed to transcribe audio: %w", err)
		}
		return transcription.Text, transcription.Language, transcription.StoragePath, nil
	}

	return msg.Body, p.language.Detect(ctx, msg.Body), "", nil
}

// sendReply sends the reply as audio when requested, falling back to text if
// synthesis or the audio send fails. It returns the type actually sent.
func (p *Processor) sendReply(ctx context.Context, phone, text string, wantAudio bool) models.MessageType {
	if wantAudio {
		synthesis, err := p.audio.GenerateResponse(ctx, text)
		if err == nil {
			if err = p.msgSvc.SendAudio(ctx, phone, synthesis.AudioPath); err == nil {
				return models.MessageTypeAudio
			}
		}
		slog.Warn("Processor audio reply failed, falling back to text", "error", err, "to", phone)
	}

	if err := p.msgSvc.SendText(ctx, phone, text); err != nil {
		slog.Error("Processor failed to send reply", "error", err, "to", phone)
	}
	return models.MessageTypeText
}

// rescheduleFollowUp replaces any pending follow-ups with the one implied by
// the engine decision.
func (p *Processor) rescheduleFollowUp(customer *models.Customer, resp models.EngineResponse) {
	if _, err := p.store.CancelPendingFollowUps(customer.ID); err != nil {
		slog.Warn("Processor failed to cancel follow-ups", "error", err, "customer", customer.ID)
	}
	if resp.FollowUpAfter <= 0 {
		customer.NextContactDate = nil
		return
	}

	due := time.Now().Add(resp.FollowUpAfter)
	followUp := models.FollowUp{
		CustomerID:    customer.ID,
		ScheduledDate: due,
		FollowUpType:  "scheduled",
		Reason:        fmt.Sprintf("intent %s in state %s", resp.Intent, resp.State),
	}
	if err := p.store.CreateFollowUp(followUp); err != nil {
		slog.Warn("Processor failed to schedule follow-up", "error", err, "customer", customer.ID)
		return
	}
	customer.NextContactDate = &due
}

// attributeCampaignResponse marks the customer's most recent campaign send
// as responded. The target status swap makes this count once per send.
func (p *Processor) attributeCampaignResponse(customerID string) {
	target, err := p.store.LatestSentTarget(customerID)
	if err != nil {
		slog.Warn("Processor failed to look up campaign target", "error", err, "customer", customerID)
		return
	}
	if target == nil {
		return
	}
	if err := p.store.UpdateTargetStatus(target.ID, models.TargetStatusResponded, "", ""); err != nil {
		slog.Warn("Processor failed to mark target responded", "error", err, "target", target.ID)
		return
	}
	if err := p.store.IncrementCampaignCounters(target.CampaignID, 0, 1); err != nil {
		slog.Warn("Processor failed to bump campaign responses", "error", err, "campaign", target.CampaignID)
	}
}

func (p *Processor) getOrCreateCustomer(phone string) (*models.Customer, error) {
	customer, err := p.store.GetCustomerByPhone(phone)
	if err != nil {
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}
	if customer != nil {
		return customer, nil
	}

	customer = &models.Customer{
		PhoneNumber:       phone,
		PreferredLanguage: "english",
		ConversationState: models.StateInitial,
		InterestLevel:     DefaultInterestLevel,
		LastContacted:     time.Now(),
	}
	if err := p.store.SaveCustomer(customer); err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	slog.Info("Processor created new customer", "customer", customer.ID, "phone", phone)
	return customer, nil
}

func (p *Processor) phoneLock(phone string) *sync.Mutex {
	actual, _ := p.locks.LoadOrStore(phone, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// PurgeOldInteractions deletes interaction logs past the retention period.
func (p *Processor) PurgeOldInteractions(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-DefaultInteractionRetention)
	purged, err := p.store.PurgeInteractionsBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		slog.Info("Processor purged old interactions", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}
