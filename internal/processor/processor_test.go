package processor

import (
	"context"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/audio"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/convo"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/language"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/store"
)

// mockAI routes model calls on the system prompt so one mock can serve the
// engine, the language processor and the audio processor at once.
type mockAI struct {
	mu          sync.Mutex
	intentReply string
	extractJSON string
	reply       string
	calls       int
}

func (m *mockAI) Generate(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int64) (string, string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	switch {
	case strings.Contains(systemPrompt, "intent"):
		return m.intentReply, "stop", nil
	case strings.Contains(systemPrompt, "identify languages"):
		return "english", "stop", nil
	case strings.Contains(systemPrompt, "translator"):
		return "translated: " + userPrompt, "stop", nil
	default:
		return m.reply, "stop", nil
	}
}

func (m *mockAI) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int64) (string, error) {
	if m.extractJSON == "" {
		return "{}", nil
	}
	return m.extractJSON, nil
}

func (m *mockAI) Transcribe(ctx context.Context, r io.Reader) (string, error) {
	return "transcribed audio", nil
}

func (m *mockAI) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte("mp3-bytes"), nil
}

type sentMessage struct {
	to   string
	body string
}

// mockMessaging records outbound sends.
type mockMessaging struct {
	mu     sync.Mutex
	texts  []sentMessage
	audios []sentMessage
}

func (m *mockMessaging) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (m *mockMessaging) SendText(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, sentMessage{to, body})
	return nil
}

func (m *mockMessaging) SendAudio(ctx context.Context, to, audioPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audios = append(m.audios, sentMessage{to, audioPath})
	return nil
}

func (m *mockMessaging) SendTemplate(ctx context.Context, to, templateName string, params map[string]string) error {
	return nil
}

func (m *mockMessaging) Start(ctx context.Context) error { return nil }
func (m *mockMessaging) Stop() error                     { return nil }
func (m *mockMessaging) Inbound() <-chan models.InboundMessage {
	return nil
}

func (m *mockMessaging) sentTexts() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.texts...)
}

func newTestProcessor(t *testing.T, ai *mockAI, msgSvc *mockMessaging) (*Processor, store.Store) {
	t.Helper()

	prompts, err := convo.LoadPrompts("", "english")
	if err != nil {
		t.Fatalf("failed to load prompts: %v", err)
	}
	engine := convo.NewEngine(ai, prompts, "english")
	lang := language.NewProcessor(ai)
	audioProc, err := audio.NewProcessor(ai, lang, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create audio processor: %v", err)
	}

	s := store.NewInMemoryStore()
	return NewProcessor(s, engine, lang, audioProc, msgSvc), s
}

func TestProcessMessageFullPipeline(t *testing.T) {
	ai := &mockAI{intentReply: "interested", reply: "Great, let me tell you more."}
	msgSvc := &mockMessaging{}
	p, s := newTestProcessor(t, ai, msgSvc)

	err := p.ProcessMessage(context.Background(), models.InboundMessage{
		From:        "918123456789",
		MessageID:   "wamid.1",
		MessageType: models.MessageTypeText,
		Body:        "I am interested in a loan against my property",
	})
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	customer, err := s.GetCustomerByPhone("918123456789")
	if err != nil || customer == nil {
		t.Fatalf("customer not created: %v", err)
	}
	if customer.ConversationState != models.StateIntroduction {
		t.Errorf("expected introduction state, got %s", customer.ConversationState)
	}
	if customer.InterestLevel != 0.7 {
		t.Errorf("expected interest 0.7 after interested intent, got %v", customer.InterestLevel)
	}

	interactions, err := s.GetRecentInteractions(customer.ID, 10)
	if err != nil {
		t.Fatalf("GetRecentInteractions failed: %v", err)
	}
	if len(interactions) != 2 {
		t.Fatalf("expected inbound and outbound interactions, got %d", len(interactions))
	}
	if interactions[0].Direction != models.DirectionInbound || interactions[0].DetectedIntent != models.IntentInterested {
		t.Errorf("inbound interaction missing analysis: %+v", interactions[0])
	}
	if interactions[0].ConversationState != models.StateIntroduction {
		t.Errorf("inbound interaction missing state snapshot: %+v", interactions[0])
	}
	if interactions[0].AIConfidence == 0 || interactions[0].AIAnalysis == "" {
		t.Errorf("inbound interaction missing confidence or analysis JSON: %+v", interactions[0])
	}
	if interactions[1].Direction != models.DirectionOutbound {
		t.Errorf("outbound interaction not recorded: %+v", interactions[1])
	}

	if texts := msgSvc.sentTexts(); len(texts) != 1 {
		t.Errorf("expected 1 reply sent, got %d", len(texts))
	}
}

func TestProcessMessageSerializesSamePhone(t *testing.T) {
	ai := &mockAI{intentReply: "interested", reply: "ok"}
	msgSvc := &mockMessaging{}
	p, s := newTestProcessor(t, ai, msgSvc)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.ProcessMessage(context.Background(), models.InboundMessage{
				From:        "918123456789",
				MessageType: models.MessageTypeText,
				Body:        "yes please tell me more",
			})
			if err != nil {
				t.Errorf("ProcessMessage failed: %v", err)
			}
		}()
	}
	wg.Wait()

	customer, err := s.GetCustomerByPhone("918123456789")
	if err != nil || customer == nil {
		t.Fatalf("customer not created: %v", err)
	}
	// Both interest bumps must apply: 0.5 + 0.2 + 0.2.
	if math.Abs(customer.InterestLevel-0.9) > 1e-9 {
		t.Errorf("lost update: interest level = %v, want 0.9", customer.InterestLevel)
	}
}

func TestProcessMessageOptOut(t *testing.T) {
	ai := &mockAI{
		intentReply: "not_interested",
		extractJSON: `{"do_not_contact": true}`,
		reply:       "understood",
	}
	msgSvc := &mockMessaging{}
	p, s := newTestProcessor(t, ai, msgSvc)

	customer := &models.Customer{PhoneNumber: "918123456789", PreferredLanguage: "english", ConversationState: models.StateQualifying, InterestLevel: 0.5}
	if err := s.SaveCustomer(customer); err != nil {
		t.Fatalf("SaveCustomer failed: %v", err)
	}
	if err := s.CreateFollowUp(models.FollowUp{CustomerID: customer.ID, ScheduledDate: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("CreateFollowUp failed: %v", err)
	}

	err := p.ProcessMessage(context.Background(), models.InboundMessage{
		From:        "918123456789",
		MessageType: models.MessageTypeText,
		Body:        "stop messaging me, do not contact me again",
	})
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	updated, _ := s.GetCustomerByPhone("918123456789")
	if !updated.DoNotContact {
		t.Fatal("do_not_contact flag not set")
	}
	if updated.NextContactDate != nil {
		t.Error("next contact date should be cleared on opt-out")
	}
	if texts := msgSvc.sentTexts(); len(texts) != 0 {
		t.Errorf("opted-out customer must not receive replies, got %d", len(texts))
	}
	if claimed, _ := s.ClaimDueFollowUps(time.Now().Add(2*time.Hour), 10); len(claimed) != 0 {
		t.Error("pending follow-ups must be cancelled on opt-out")
	}
}

func TestProcessMessageIgnoresOptedOutCustomer(t *testing.T) {
	ai := &mockAI{intentReply: "interested", reply: "hello"}
	msgSvc := &mockMessaging{}
	p, s := newTestProcessor(t, ai, msgSvc)

	customer := &models.Customer{PhoneNumber: "918123456789", DoNotContact: true, PreferredLanguage: "english"}
	if err := s.SaveCustomer(customer); err != nil {
		t.Fatalf("SaveCustomer failed: %v", err)
	}

	err := p.ProcessMessage(context.Background(), models.InboundMessage{
		From:        "918123456789",
		MessageType: models.MessageTypeText,
		Body:        "actually I changed my mind",
	})
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if texts := msgSvc.sentTexts(); len(texts) != 0 {
		t.Errorf("opted-out customer must not receive replies, got %d", len(texts))
	}
}

func TestProcessDueFollowUps(t *testing.T) {
	ai := &mockAI{intentReply: "interested", reply: "Just checking in about your loan."}
	msgSvc := &mockMessaging{}
	p, s := newTestProcessor(t, ai, msgSvc)

	customer := &models.Customer{
		PhoneNumber:       "918123456789",
		Name:              "Priya",
		PreferredLanguage: "english",
		ConversationState: models.StateLoanDetails,
		LastContacted:     time.Now().Add(-30 * 24 * time.Hour),
	}
	if err := s.SaveCustomer(customer); err != nil {
		t.Fatalf("SaveCustomer failed: %v", err)
	}
	err := s.CreateFollowUp(models.FollowUp{
		CustomerID:    customer.ID,
		ScheduledDate: time.Now().Add(-time.Hour),
		Reason:        "loan details discussion pending",
	})
	if err != nil {
		t.Fatalf("CreateFollowUp failed: %v", err)
	}

	sent, err := p.ProcessDueFollowUps(context.Background())
	if err != nil {
		t.Fatalf("ProcessDueFollowUps failed: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 sent follow-up, got %d", sent)
	}
	if texts := msgSvc.sentTexts(); len(texts) != 1 {
		t.Fatalf("expected 1 follow-up message, got %d", len(texts))
	}

	updated, _ := s.GetCustomerByID(customer.ID)
	if updated.ConversationState != models.StateFollowUpScheduling {
		t.Errorf("expected follow_up_scheduling after follow-up, got %s", updated.ConversationState)
	}

	// Claimed rows are done; a second sweep finds nothing.
	again, err := p.ProcessDueFollowUps(context.Background())
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if again != 0 {
		t.Errorf("expected 0 follow-ups on second sweep, got %d", again)
	}
}

func TestFollowUpSkipsOptedOutCustomer(t *testing.T) {
	ai := &mockAI{reply: "hello"}
	msgSvc := &mockMessaging{}
	p, s := newTestProcessor(t, ai, msgSvc)

	customer := &models.Customer{PhoneNumber: "918123456789", DoNotContact: true}
	if err := s.SaveCustomer(customer); err != nil {
		t.Fatalf("SaveCustomer failed: %v", err)
	}
	err := s.CreateFollowUp(models.FollowUp{CustomerID: customer.ID, ScheduledDate: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatalf("CreateFollowUp failed: %v", err)
	}

	sent, err := p.ProcessDueFollowUps(context.Background())
	if err != nil {
		t.Fatalf("ProcessDueFollowUps failed: %v", err)
	}
	if sent != 0 {
		t.Errorf("opted-out customer must not get follow-ups, sent=%d", sent)
	}
	if texts := msgSvc.sentTexts(); len(texts) != 0 {
		t.Errorf("no messages expected, got %d", len(texts))
	}
}

func TestCampaignResponseAttribution(t *testing.T) {
	ai := &mockAI{intentReply: "interested", reply: "great"}
	msgSvc := &mockMessaging{}
	p, s := newTestProcessor(t, ai, msgSvc)

	customer := &models.Customer{PhoneNumber: "918123456789", PreferredLanguage: "english"}
	if err := s.SaveCustomer(customer); err != nil {
		t.Fatalf("SaveCustomer failed: %v", err)
	}
	if err := s.CreateCampaign(models.Campaign{ID: "camp_1", Name: "x", TemplateName: "loan_offer"}); err != nil {
		t.Fatalf("CreateCampaign failed: %v", err)
	}
	if err := s.AddCampaignTarget(models.CampaignTarget{ID: "t_1", CampaignID: "camp_1", CustomerID: customer.ID}); err != nil {
		t.Fatalf("AddCampaignTarget failed: %v", err)
	}
	if err := s.UpdateTargetStatus("t_1", models.TargetStatusSent, "wamid.c", ""); err != nil {
		t.Fatalf("UpdateTargetStatus failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		err := p.ProcessMessage(context.Background(), models.InboundMessage{
			From:        "918123456789",
			MessageType: models.MessageTypeText,
			Body:        "tell me more about this offer",
		})
		if err != nil {
			t.Fatalf("ProcessMessage failed: %v", err)
		}
	}

	campaign, _ := s.GetCampaign("camp_1")
	// Response counted once even though the customer replied twice.
	if campaign.TotalResponses != 1 {
		t.Errorf("expected 1 campaign response, got %d", campaign.TotalResponses)
	}
}

func TestAudioMessageRequiresFetcher(t *testing.T) {
	ai := &mockAI{}
	msgSvc := &mockMessaging{}
	p, _ := newTestProcessor(t, ai, msgSvc)

	err := p.ProcessMessage(context.Background(), models.InboundMessage{
		From:        "918123456789",
		MessageType: models.MessageTypeAudio,
		MediaID:     "media-1",
	})
	if err == nil {
		t.Fatal("expected error for audio message without media fetcher")
	}
}

type mockFetcher struct {
	media map[string][]byte
}

func (m *mockFetcher) DownloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	return m.media[mediaID], nil
}

func (m *mockFetcher) MarkMessageRead(ctx context.Context, messageID string) error {
	return nil
}

func TestProcessAudioMessage(t *testing.T) {
	ai := &mockAI{intentReply: "interested", reply: "thanks for the voice note"}
	msgSvc := &mockMessaging{}
	p, s := newTestProcessor(t, ai, msgSvc)
	p.fetcher = &mockFetcher{media: map[string][]byte{"media-1": []byte("ogg-bytes")}}

	err := p.ProcessMessage(context.Background(), models.InboundMessage{
		From:        "918123456789",
		MessageID:   "wamid.a",
		MessageType: models.MessageTypeAudio,
		MediaID:     "media-1",
	})
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	customer, _ := s.GetCustomerByPhone("918123456789")
	interactions, _ := s.GetRecentInteractions(customer.ID, 10)
	if len(interactions) < 1 || interactions[0].Content != "transcribed audio" {
		t.Fatalf("transcription not recorded: %+v", interactions)
	}
	if interactions[0].MessageType != models.MessageTypeAudio {
		t.Errorf("inbound type should be audio, got %s", interactions[0].MessageType)
	}
}
