package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/genai"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// Model call parameters per engine task. Intent detection runs cold and
// short for stable labels; extraction runs near-deterministic with room for
// a full JSON object; response generation runs warmer.
const (
	intentTemperature     = 0.3
	intentMaxTokens       = 50
	extractionTemperature = 0.1
	extractionMaxTokens   = 500
	responseTemperature   = 0.7
	responseMaxTokens     = 800
	followUpTemperature   = 0.7
	followUpMaxTokens     = 500

	// historyWindow bounds how many recent interactions are rendered into
	// prompts.
	historyWindow = 10

	confidenceBase      = 0.7
	confidenceStopBonus = 0.1
	confidenceFallback  = 0.5

	// followUpAudioThreshold is the follow-up text length above which an
	// audio rendition is attached.
	followUpAudioThreshold = 200
)

// apologyText is sent when response generation fails outright. The
// conversation state is preserved so the customer can simply try again.
const apologyText = "I apologize, but I'm having trouble processing your request at the moment. Could you please try again or contact our customer service for assistance?"

// Engine generates conversation decisions for one language. It is
// stateless between calls; all customer context arrives as arguments, so a
// single engine is safe for concurrent use.
type Engine struct {
	ai       genai.ClientInterface
	prompts  Prompts
	language string
}

// NewEngine creates a conversation engine backed by the given model client
// and prompt set.
func NewEngine(ai genai.ClientInterface, prompts Prompts, language string) *Engine {
	return &Engine{ai: ai, prompts: prompts, language: language}
}

// Language returns the language this engine generates responses in.
func (e *Engine) Language() string {
	return e.language
}

// DetectIntent classifies the customer's latest message into one of the
// defined intents. Model output is normalized by substring matching, so
// near-miss labels like "customer is interested" still classify. Errors
// degrade to needs_more_info at reduced confidence rather than failing the
// message.
func (e *Engine) DetectIntent(ctx context.Context, message string, history []models.Interaction) (models.Intent, float64) {
	prompt := e.prompt("intent_detection", "Determine the intent of this message: {message}")
	prompt = strings.ReplaceAll(prompt, "{history}", formatHistory(history))
	prompt = strings.ReplaceAll(prompt, "{message}", message)

	raw, finishReason, err := e.ai.Generate(ctx, "You analyze customer intent in conversations.", prompt, intentTemperature, intentMaxTokens)
	if err != nil {
		slog.Error("Engine DetectIntent failed, defaulting intent", "error", err)
		return models.IntentNeedsMoreInfo, confidenceFallback
	}

	intent := normalizeIntent(raw)
	confidence := confidenceBase
	if finishReason == "stop" {
		confidence += confidenceStopBonus
	}
	slog.Info("Engine detected intent", "intent", intent, "confidence", confidence)
	return intent, confidence
}

// normalizeIntent maps free-form model output onto the intent set. Exact
// labels pass through; otherwise substrings decide, and anything
// unclassifiable defaults to needs_more_info. The match order matters:
// "interest" is checked early so bare affirmations land on interested.
func normalizeIntent(raw string) models.Intent {
	label := strings.ToLower(strings.TrimSpace(raw))

	if models.IsValidIntent(models.Intent(label)) {
		return models.Intent(label)
	}
	switch {
	case strings.Contains(label, "interest"):
		return models.IntentInterested
	case strings.Contains(label, "more info") || strings.Contains(label, "information"):
		return models.IntentNeedsMoreInfo
	case strings.Contains(label, "object") || strings.Contains(label, "concern"):
		return models.IntentObjection
	case strings.Contains(label, "not") && (strings.Contains(label, "interest") || strings.Contains(label, "want")):
		return models.IntentNotInterested
	case strings.Contains(label, "question") || strings.Contains(label, "ask"):
		return models.IntentAskingQuestion
	case strings.Contains(label, "follow") || strings.Contains(label, "later"):
		return models.IntentFollowUpLater
	}
	return models.IntentNeedsMoreInfo
}

// ExtractInformation pulls structured property and loan facts out of a
// customer message. Currency strings in property_value and
// loan_amount_needed are converted to rupee amounts. Extraction failure
// returns an empty map; the conversation continues without new facts.
func (e *Engine) ExtractInformation(ctx context.Context, message string, customer *models.Customer) map[string]any {
	prompt := e.prompt("information_extraction", "Extract information from this message: {message}")
	prompt = strings.ReplaceAll(prompt, "{message}", message)
	prompt = strings.ReplaceAll(prompt, "{current_profile}", profileJSON(customer))

	raw, err := e.ai.GenerateJSON(ctx, "You extract structured information from messages and respond in JSON format.",
		"Provide a JSON response: "+prompt, extractionTemperature, extractionMaxTokens)
	if err != nil {
		slog.Error("Engine ExtractInformation failed", "error", err)
		return map[string]any{}
	}

	var extracted map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &extracted); err != nil {
		slog.Error("Engine failed to parse extraction output", "error", err, "output", raw)
		return map[string]any{}
	}

	cleaned := make(map[string]any, len(extracted))
	for key, value := range extracted {
		if isEmptyValue(value) {
			continue
		}
		if key == "property_value" || key == "loan_amount_needed" {
			if s, ok := value.(string); ok {
				value = ParseCurrencyAmount(s)
			}
		}
		cleaned[key] = value
	}
	return cleaned
}

// GenerateResponse produces the full decision for one inbound message:
// detected intent, new state, extracted facts, reply text, audio flag and
// follow-up interval. Each model step degrades independently, and a failure
// at the final generation step yields an apology reply that keeps the
// current state so the exchange can be retried.
func (e *Engine) GenerateResponse(ctx context.Context, message string, customer *models.Customer, history []models.Interaction) models.EngineResponse {
	currentState := customer.ConversationState
	if currentState == "" {
		currentState = models.StateInitial
	}

	intent, confidence := e.DetectIntent(ctx, message, history)
	extracted := e.ExtractInformation(ctx, message, customer)
	newState := NextState(currentState, intent)

	prompt, ok := e.prompts[string(newState)]
	if !ok {
		prompt = e.prompt("initial", "You are a loan advisor. Respond professionally to the customer: {message}")
	}
	prompt = strings.ReplaceAll(prompt, "{history}", formatHistory(history))
	prompt = strings.ReplaceAll(prompt, "{profile}", profileJSON(customer))
	prompt = strings.ReplaceAll(prompt, "{message}", message)

	text, _, err := e.ai.Generate(ctx, "You are a helpful loan-against-property advisor.", prompt, responseTemperature, responseMaxTokens)
	if err != nil {
		slog.Error("Engine GenerateResponse failed, returning fallback", "error", err, "state", currentState)
		return models.EngineResponse{
			Text:          apologyText,
			State:         currentState,
			PreviousState: currentState,
			Intent:        intent,
			Confidence:    confidenceFallback,
			ExtractedInfo: map[string]any{},
			Analysis:      models.ResponseAnalysis{Error: err.Error(), Fallback: true},
		}
	}
	text = strings.TrimSpace(text)

	return models.EngineResponse{
		Text:                text,
		State:               newState,
		PreviousState:       currentState,
		Intent:              intent,
		Confidence:          confidence,
		ExtractedInfo:       extracted,
		ShouldGenerateAudio: ShouldGenerateAudio(text, newState),
		FollowUpAfter:       FollowUpAfter(intent, newState),
		Analysis: models.ResponseAnalysis{
			MessageLength:  len(message),
			ResponseLength: len(text),
			StateChanged:   newState != currentState,
		},
	}
}

// GenerateFollowUp produces a personalized follow-up message for a customer
// who has gone quiet. Terminal states are preserved; everyone else lands in
// follow_up_scheduling. A generation failure yields a generic text and keeps
// the last state.
func (e *Engine) GenerateFollowUp(ctx context.Context, fc models.FollowUpContext) models.FollowUpMessage {
	systemPrompt := `You are a loan-against-property advisor following up with a customer.
You previously spoke with them about a loan against their property.
Your goal is to check if they're ready to proceed or if they need more information.
Be polite, professional, and not pushy. Reference specific details from your previous conversation.`

	name := fc.CustomerName
	if name == "" {
		name = "there"
	}
	lastState := fc.LastState
	if lastState == "" {
		lastState = models.StateInitial
	}
	reason := fc.Reason
	if reason == "" {
		reason = "general follow-up"
	}
	propertyJSON, _ := json.Marshal(fc.PropertyDetails)
	loanJSON, _ := json.Marshal(fc.LoanRequirements)

	userPrompt := fmt.Sprintf(`Generate a follow-up message for a customer with the following information:

Customer name: %s
Last conversation state: %s
Follow-up reason: %s
Days since last contact: %d
Property details: %s
Loan requirements: %s

The message should be concise, personalized, and provide clear next steps.
`, name, lastState, reason, fc.DaysSinceContact, propertyJSON, loanJSON)

	text, _, err := e.ai.Generate(ctx, systemPrompt, userPrompt, followUpTemperature, followUpMaxTokens)
	if err != nil {
		slog.Error("Engine GenerateFollowUp failed, returning fallback", "error", err)
		return models.FollowUpMessage{
			Text:     fmt.Sprintf("Hello %s, this is ABC Finance following up on our conversation about a loan against your property. We're still here to help if you have any questions or would like to proceed. Feel free to reach out at your convenience.", name),
			NewState: lastState,
		}
	}
	text = strings.TrimSpace(text)

	newState := models.StateFollowUpScheduling
	switch lastState {
	case models.StateNotInterested:
		newState = models.StateNotInterested
	case models.StateCompleted:
		newState = models.StateCompleted
	}

	return models.FollowUpMessage{
		Text:                text,
		ShouldGenerateAudio: len(text) > followUpAudioThreshold || strings.Contains(strings.ToLower(fc.Reason), "urgent"),
		NewState:            newState,
	}
}

// PersonalizeCampaignMessage substitutes customer data into a campaign
// template and derives the WhatsApp template name and parameters. The first
// line may carry a "Template Name: <name>" header; without one the default
// outreach template is used. The default_text parameter is the personalized
// body truncated to the template parameter limit.
func PersonalizeCampaignMessage(template string, customerData map[string]string) models.CampaignMessage {
	personalized := template
	for key, value := range customerData {
		personalized = strings.ReplaceAll(personalized, "{"+key+"}", value)
	}

	templateName := "general_outreach"
	lines := strings.Split(strings.TrimSpace(personalized), "\n")
	if len(lines) > 0 && strings.Contains(lines[0], ":") {
		headerParts := strings.SplitN(lines[0], ":", 2)
		if strings.EqualFold(strings.TrimSpace(headerParts[0]), "template name") {
			templateName = strings.TrimSpace(headerParts[1])
			personalized = strings.TrimSpace(strings.Join(lines[1:], "\n"))
		}
	}

	params := make(map[string]string, len(customerData)+2)
	for key, value := range customerData {
		params[key] = value
	}
	if _, ok := params["name"]; !ok {
		if name, ok := customerData["customer_name"]; ok {
			params["name"] = name
		}
	}
	if _, ok := params["default_text"]; !ok {
		defaultText := personalized
		if len(defaultText) > models.DefaultTextParamLimit {
			defaultText = defaultText[:models.DefaultTextParamLimit]
		}
		params["default_text"] = defaultText
	}

	return models.CampaignMessage{
		Preview:        personalized,
		TemplateName:   templateName,
		TemplateParams: params,
	}
}

func (e *Engine) prompt(key, fallback string) string {
	if p, ok := e.prompts[key]; ok {
		return p
	}
	return fallback
}

// formatHistory renders the most recent interactions as alternating
// Customer/Agent lines for prompt context.
func formatHistory(history []models.Interaction) string {
	start := 0
	if len(history) > historyWindow {
		start = len(history) - historyWindow
	}
	lines := make([]string, 0, len(history)-start)
	for _, interaction := range history[start:] {
		if interaction.Direction == models.DirectionInbound {
			lines = append(lines, "Customer: "+interaction.Content)
		} else {
			lines = append(lines, "Agent: "+interaction.Content)
		}
	}
	return strings.Join(lines, "\n")
}

// profileJSON renders the customer fields the model needs for
// personalization. Timestamps and IDs are deliberately excluded.
func profileJSON(customer *models.Customer) string {
	profile := map[string]any{
		"name":               customer.Name,
		"phone_number":       customer.PhoneNumber,
		"preferred_language": customer.PreferredLanguage,
		"property_details":   customer.PropertyDetails,
		"loan_requirements":  customer.LoanRequirements,
		"conversation_state": customer.ConversationState,
		"interest_level":     customer.InterestLevel,
		"do_not_contact":     customer.DoNotContact,
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return "{}"
	}
	return string(data)
}
