package convo

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// mockAI implements genai.ClientInterface with scripted responses keyed by
// a substring of the system prompt.
type mockAI struct {
	intentReply     string
	intentFinish    string
	intentErr       error
	extractionReply string
	extractionErr   error
	responseReply   string
	responseErr     error
}

func (m *mockAI) Generate(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int64) (string, string, error) {
	if strings.Contains(systemPrompt, "intent") {
		return m.intentReply, m.intentFinish, m.intentErr
	}
	return m.responseReply, "stop", m.responseErr
}

func (m *mockAI) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int64) (string, error) {
	return m.extractionReply, m.extractionErr
}

func (m *mockAI) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	return "", nil
}

func (m *mockAI) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return nil, nil
}

func testEngine(ai *mockAI) *Engine {
	prompts, err := LoadPrompts("", "english")
	if err != nil {
		panic(err)
	}
	return NewEngine(ai, prompts, "english")
}

func TestNormalizeIntent(t *testing.T) {
	tests := []struct {
		raw  string
		want models.Intent
	}{
		{"interested", models.IntentInterested},
		{"  Interested  ", models.IntentInterested},
		{"not_interested", models.IntentNotInterested},
		{"the customer shows interest", models.IntentInterested},
		{"needs more info", models.IntentNeedsMoreInfo},
		{"requesting information", models.IntentNeedsMoreInfo},
		{"raising an objection", models.IntentObjection},
		{"has a concern", models.IntentObjection},
		{"asking a question", models.IntentAskingQuestion},
		{"wants to follow up", models.IntentFollowUpLater},
		{"call back later", models.IntentFollowUpLater},
		{"gibberish", models.IntentNeedsMoreInfo},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := normalizeIntent(tt.raw); got != tt.want {
				t.Errorf("normalizeIntent(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDetectIntentConfidence(t *testing.T) {
	engine := testEngine(&mockAI{intentReply: "interested", intentFinish: "stop"})
	intent, confidence := engine.DetectIntent(context.Background(), "yes please", nil)
	if intent != models.IntentInterested {
		t.Errorf("intent: got %s", intent)
	}
	if math.Abs(confidence-0.8) > 1e-9 {
		t.Errorf("confidence with stop finish: got %v, want 0.8", confidence)
	}

	engine = testEngine(&mockAI{intentReply: "interested", intentFinish: "length"})
	_, confidence = engine.DetectIntent(context.Background(), "yes please", nil)
	if math.Abs(confidence-0.7) > 1e-9 {
		t.Errorf("confidence with truncated finish: got %v, want 0.7", confidence)
	}
}

func TestDetectIntentDegradesOnError(t *testing.T) {
	engine := testEngine(&mockAI{intentErr: errors.New("model down")})
	intent, confidence := engine.DetectIntent(context.Background(), "hello", nil)
	if intent != models.IntentNeedsMoreInfo {
		t.Errorf("expected default intent, got %s", intent)
	}
	if confidence != 0.5 {
		t.Errorf("expected reduced confidence, got %v", confidence)
	}
}

func TestExtractInformation(t *testing.T) {
	engine := testEngine(&mockAI{
		extractionReply: `{"property_value": "80 lakhs", "loan_amount_needed": 5000000, "loan_purpose": "", "property_type": "flat"}`,
	})
	customer := &models.Customer{PhoneNumber: "+919876543210"}

	extracted := engine.ExtractInformation(context.Background(), "my flat is worth 80 lakhs", customer)
	if extracted["property_value"] != float64(8000000) {
		t.Errorf("currency string should convert, got %v", extracted["property_value"])
	}
	if extracted["loan_amount_needed"] != float64(5000000) {
		t.Errorf("numeric amount should pass through, got %v", extracted["loan_amount_needed"])
	}
	if _, ok := extracted["loan_purpose"]; ok {
		t.Error("empty values should be dropped")
	}
	if extracted["property_type"] != "flat" {
		t.Errorf("property_type: got %v", extracted["property_type"])
	}
}

func TestExtractInformationBadJSON(t *testing.T) {
	engine := testEngine(&mockAI{extractionReply: "not json at all"})
	extracted := engine.ExtractInformation(context.Background(), "msg", &models.Customer{})
	if len(extracted) != 0 {
		t.Errorf("expected empty map on parse failure, got %v", extracted)
	}
}

func TestGenerateResponse(t *testing.T) {
	engine := testEngine(&mockAI{
		intentReply:     "interested",
		intentFinish:    "stop",
		extractionReply: `{"property_type": "apartment"}`,
		responseReply:   "Great! Tell me more about your apartment.",
	})
	customer := &models.Customer{ConversationState: models.StateQualifying}
	history := []models.Interaction{
		{Direction: models.DirectionOutbound, Content: "Do you own property?"},
		{Direction: models.DirectionInbound, Content: "Yes, an apartment"},
	}

	resp := engine.GenerateResponse(context.Background(), "Yes I'm interested", customer, history)
	if resp.State != models.StatePropertyDetails {
		t.Errorf("state: got %s, want property_details", resp.State)
	}
	if resp.PreviousState != models.StateQualifying {
		t.Errorf("previous state: got %s", resp.PreviousState)
	}
	if resp.Intent != models.IntentInterested {
		t.Errorf("intent: got %s", resp.Intent)
	}
	if resp.ExtractedInfo["property_type"] != "apartment" {
		t.Errorf("extracted info: got %v", resp.ExtractedInfo)
	}
	if !resp.Analysis.StateChanged {
		t.Error("expected state change to be recorded")
	}
	if resp.FollowUpAfter != 0 {
		t.Errorf("no follow-up expected mid funnel, got %v", resp.FollowUpAfter)
	}
}

func TestGenerateResponseEmptyStateDefaultsToInitial(t *testing.T) {
	engine := testEngine(&mockAI{
		intentReply:     "interested",
		intentFinish:    "stop",
		extractionReply: `{}`,
		responseReply:   "Hello!",
	})
	resp := engine.GenerateResponse(context.Background(), "hi", &models.Customer{}, nil)
	if resp.PreviousState != models.StateInitial {
		t.Errorf("empty state should default to initial, got %s", resp.PreviousState)
	}
	if resp.State != models.StateIntroduction {
		t.Errorf("state: got %s, want introduction", resp.State)
	}
}

func TestGenerateResponseFallback(t *testing.T) {
	engine := testEngine(&mockAI{
		intentReply:     "interested",
		intentFinish:    "stop",
		extractionReply: `{}`,
		responseErr:     errors.New("model down"),
	})
	customer := &models.Customer{ConversationState: models.StateLoanDetails}

	resp := engine.GenerateResponse(context.Background(), "what is the rate?", customer, nil)
	if resp.State != models.StateLoanDetails {
		t.Errorf("fallback must preserve state, got %s", resp.State)
	}
	if !resp.Analysis.Fallback {
		t.Error("expected fallback flag")
	}
	if resp.Analysis.Error == "" {
		t.Error("expected error recorded in analysis")
	}
	if resp.Text == "" {
		t.Error("expected apology text")
	}
	if resp.ShouldGenerateAudio {
		t.Error("fallback should not request audio")
	}
}

func TestGenerateFollowUp(t *testing.T) {
	engine := testEngine(&mockAI{responseReply: "Hi Priya, just checking in about your loan enquiry."})

	msg := engine.GenerateFollowUp(context.Background(), models.FollowUpContext{
		CustomerName:     "Priya",
		LastState:        models.StateLoanDetails,
		Reason:           "general follow-up",
		DaysSinceContact: 14,
	})
	if msg.NewState != models.StateFollowUpScheduling {
		t.Errorf("mid-funnel follow-up should land in follow_up_scheduling, got %s", msg.NewState)
	}
	if msg.ShouldGenerateAudio {
		t.Error("short non-urgent follow-up should not request audio")
	}

	msg = engine.GenerateFollowUp(context.Background(), models.FollowUpContext{
		LastState: models.StateNotInterested,
	})
	if msg.NewState != models.StateNotInterested {
		t.Errorf("not_interested must be preserved, got %s", msg.NewState)
	}

	msg = engine.GenerateFollowUp(context.Background(), models.FollowUpContext{
		LastState: models.StateCompleted,
	})
	if msg.NewState != models.StateCompleted {
		t.Errorf("completed must be preserved, got %s", msg.NewState)
	}
}

func TestGenerateFollowUpUrgentAudio(t *testing.T) {
	engine := testEngine(&mockAI{responseReply: "short"})
	msg := engine.GenerateFollowUp(context.Background(), models.FollowUpContext{
		LastState: models.StateQualifying,
		Reason:    "Urgent rate expiry",
	})
	if !msg.ShouldGenerateAudio {
		t.Error("urgent follow-up should request audio")
	}
}

func TestGenerateFollowUpFallback(t *testing.T) {
	engine := testEngine(&mockAI{responseErr: errors.New("model down")})
	msg := engine.GenerateFollowUp(context.Background(), models.FollowUpContext{
		CustomerName: "Rahul",
		LastState:    models.StateQualifying,
	})
	if !strings.Contains(msg.Text, "Rahul") {
		t.Errorf("fallback should address customer by name, got %q", msg.Text)
	}
	if msg.NewState != models.StateQualifying {
		t.Errorf("fallback must preserve last state, got %s", msg.NewState)
	}
}

func TestPersonalizeCampaignMessage(t *testing.T) {
	template := "Template Name: loan_offer_q3\nHello {name}, we have a special rate for property owners in {city}."
	msg := PersonalizeCampaignMessage(template, map[string]string{
		"name": "Priya",
		"city": "Pune",
	})
	if msg.TemplateName != "loan_offer_q3" {
		t.Errorf("template name: got %q", msg.TemplateName)
	}
	if strings.Contains(msg.Preview, "Template Name") {
		t.Error("header line should be stripped from the preview")
	}
	if !strings.Contains(msg.Preview, "Priya") || !strings.Contains(msg.Preview, "Pune") {
		t.Errorf("placeholders should be substituted, got %q", msg.Preview)
	}
	if msg.TemplateParams["default_text"] != msg.Preview {
		t.Errorf("default_text should equal the short preview, got %q", msg.TemplateParams["default_text"])
	}
}

func TestPersonalizeCampaignMessageDefaults(t *testing.T) {
	long := strings.Repeat("x", 400)
	msg := PersonalizeCampaignMessage(long, map[string]string{"customer_name": "Amit"})
	if msg.TemplateName != "general_outreach" {
		t.Errorf("expected default template name, got %q", msg.TemplateName)
	}
	if msg.TemplateParams["name"] != "Amit" {
		t.Errorf("customer_name should map to name param, got %q", msg.TemplateParams["name"])
	}
	if len(msg.TemplateParams["default_text"]) != models.DefaultTextParamLimit {
		t.Errorf("default_text should be truncated to %d, got %d", models.DefaultTextParamLimit, len(msg.TemplateParams["default_text"]))
	}
}
