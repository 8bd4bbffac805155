// Package models defines the core data structures for the loan outreach agent.
//
// It includes the Customer aggregate, interaction log records, follow-up and
// campaign records, and the response envelopes shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum accepted length for a message body
	MaxMessageBodyLength = 4096
	// MaxTemplateParamLength defines the maximum length of a single template parameter
	MaxTemplateParamLength = 1024
	// DefaultTextParamLimit is the truncation limit applied to the default_text
	// template parameter derived from a personalized campaign message.
	DefaultTextParamLimit = 120
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient    = errors.New("recipient cannot be empty")
	ErrEmptyBody         = errors.New("message body cannot be empty")
	ErrBodyTooLong       = errors.New("message body exceeds maximum length")
	ErrEmptyTemplateName = errors.New("template name cannot be empty")
	ErrUnknownState      = errors.New("unknown conversation state")
	ErrUnknownIntent     = errors.New("unknown intent")
	ErrCustomerNotFound  = errors.New("customer not found")
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrNotStartable      = errors.New("campaign is not in a startable status")
)

// MessageDirection distinguishes inbound from outbound interactions.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageType describes the payload carried by an interaction.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeTemplate MessageType = "template"
	MessageTypeSystem   MessageType = "system"
)

// PropertyDetails holds the structured property profile of a customer.
// Extra collects extraction keys that do not map to a named field.
type PropertyDetails struct {
	PropertyType     string         `json:"property_type,omitempty"`
	PropertyLocation string         `json:"property_location,omitempty"`
	PropertyValue    float64        `json:"property_value,omitempty"`
	OwnershipStatus  string         `json:"ownership_status,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// LoanRequirements holds the structured loan profile of a customer.
type LoanRequirements struct {
	LoanAmountNeeded float64        `json:"loan_amount_needed,omitempty"`
	LoanPurpose      string         `json:"loan_purpose,omitempty"`
	CurrentLoans     string         `json:"current_loans,omitempty"`
	MonthlyIncome    string         `json:"monthly_income,omitempty"`
	Urgency          string         `json:"urgency,omitempty"`
	Concerns         []string       `json:"concerns,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Consent records a single consent decision for a customer.
type Consent struct {
	Given     bool      `json:"given"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
}

// Customer is the aggregate root for a single phone number. It is mutated
// only through the profile merger and validated state transitions; the
// processor serializes all mutations per phone number.
type Customer struct {
	ID                string             `json:"id"`
	PhoneNumber       string             `json:"phone_number"`
	Name              string             `json:"name,omitempty"`
	PreferredLanguage string             `json:"preferred_language"`
	PropertyDetails   PropertyDetails    `json:"property_details"`
	LoanRequirements  LoanRequirements   `json:"loan_requirements"`
	ConversationState ConversationState  `json:"conversation_state"`
	InterestLevel     float64            `json:"interest_level"`
	LastContacted     time.Time          `json:"last_contacted"`
	NextContactDate   *time.Time         `json:"next_contact_date,omitempty"`
	DoNotContact      bool               `json:"do_not_contact"`
	Consents          map[string]Consent `json:"consents,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// RecordConsent appends or overwrites the consent entry for the given type.
func (c *Customer) RecordConsent(consentType string, given bool) {
	if c.Consents == nil {
		c.Consents = make(map[string]Consent)
	}
	c.Consents[consentType] = Consent{Given: given, Timestamp: time.Now(), Channel: "whatsapp"}
}

// LTVRatio returns the loan-to-value ratio in percent, or 0 when either
// figure is unknown.
func (c *Customer) LTVRatio() float64 {
	if c.PropertyDetails.PropertyValue <= 0 || c.LoanRequirements.LoanAmountNeeded <= 0 {
		return 0
	}
	return c.LoanRequirements.LoanAmountNeeded / c.PropertyDetails.PropertyValue * 100
}

// Interaction is an immutable log record of one message. Inbound records get
// their analysis fields (intent, state, confidence, analysis) set exactly
// once after creation; nothing else is ever mutated.
type Interaction struct {
	ID                string            `json:"id"`
	CustomerID        string            `json:"customer_id"`
	Timestamp         time.Time         `json:"timestamp"`
	Direction         MessageDirection  `json:"direction"`
	MessageType       MessageType       `json:"message_type"`
	Content           string            `json:"content"`
	MediaURL          string            `json:"media_url,omitempty"`
	WhatsAppMessageID string            `json:"whatsapp_message_id,omitempty"`
	DetectedIntent    Intent            `json:"detected_intent,omitempty"`
	ConversationState ConversationState `json:"conversation_state,omitempty"`
	Language          string            `json:"language"`
	AIConfidence      float64           `json:"ai_confidence"`
	AIAnalysis        string            `json:"ai_analysis,omitempty"` // JSON-encoded ResponseAnalysis
}

// FollowUpStatus represents the lifecycle state of a scheduled follow-up.
type FollowUpStatus string

const (
	FollowUpStatusPending FollowUpStatus = "pending"
	// FollowUpStatusProcessing marks a follow-up claimed by a worker. The
	// claim is a conditional swap from pending, which gives mutual exclusion
	// between concurrent sweep runs.
	FollowUpStatusProcessing FollowUpStatus = "processing"
	FollowUpStatusSent       FollowUpStatus = "sent"
	FollowUpStatusFailed     FollowUpStatus = "failed"
	FollowUpStatusCancelled  FollowUpStatus = "cancelled"
)

// FollowUp is a scheduled outbound contact for a customer.
type FollowUp struct {
	ID            string         `json:"id"`
	CustomerID    string         `json:"customer_id"`
	ScheduledDate time.Time      `json:"scheduled_date"`
	Status        FollowUpStatus `json:"status"`
	FollowUpType  string         `json:"follow_up_type"`
	Reason        string         `json:"reason,omitempty"`
	ResultNotes   string         `json:"result_notes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Template is a pre-approved message template usable outside the
// conversation window.
type Template struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	LanguageCode string    `json:"language_code"`
	Category     string    `json:"category"`
	Content      string    `json:"content"`
	IsApproved   bool      `json:"is_approved"`
	CreatedAt    time.Time `json:"created_at"`
}

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// IsStartable reports whether a campaign in this status may be started.
func (s CampaignStatus) IsStartable() bool {
	return s == CampaignStatusScheduled || s == CampaignStatusRunning
}

// Campaign is a bulk-outreach run over a set of campaign targets.
type Campaign struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	TemplateName   string         `json:"template_name"`
	Status         CampaignStatus `json:"status"`
	StartDate      time.Time      `json:"start_date"`
	EndDate        time.Time      `json:"end_date"`
	TotalTargets   int            `json:"total_targets"`
	TotalSent      int            `json:"total_sent"`
	TotalResponses int            `json:"total_responses"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CampaignTargetStatus represents the per-customer delivery state of a campaign.
type CampaignTargetStatus string

const (
	TargetStatusPending CampaignTargetStatus = "pending"
	// TargetStatusSending marks a target claimed by a worker, guaranteeing at
	// most one send attempt in flight per target.
	TargetStatusSending   CampaignTargetStatus = "sending"
	TargetStatusSent      CampaignTargetStatus = "sent"
	TargetStatusResponded CampaignTargetStatus = "responded"
	TargetStatusFailed    CampaignTargetStatus = "failed"
	TargetStatusExcluded  CampaignTargetStatus = "excluded"
)

// CampaignTarget tracks one (campaign, customer) pair; the pair is unique.
// A target excluded because of do_not_contact never leaves excluded.
type CampaignTarget struct {
	ID           string               `json:"id"`
	CampaignID   string               `json:"campaign_id"`
	CustomerID   string               `json:"customer_id"`
	Status       CampaignTargetStatus `json:"status"`
	SentTime     *time.Time           `json:"sent_time,omitempty"`
	ResponseTime *time.Time           `json:"response_time,omitempty"`
	MessageID    string               `json:"message_id,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
}

// StateDefinition externalizes one FSM state with its outward transition
// table and prompt, seeded into the store at boot for auditability.
type StateDefinition struct {
	Name        ConversationState            `json:"name"`
	Description string                       `json:"description,omitempty"`
	Transitions map[Intent]ConversationState `json:"transitions"`
	Prompt      string                       `json:"prompt,omitempty"`
}

// InboundMessage is a normalized incoming message delivered by a messaging
// backend, independent of the wire format it arrived in.
type InboundMessage struct {
	From        string      `json:"from"`
	MessageID   string      `json:"message_id"`
	MessageType MessageType `json:"message_type"`
	Body        string      `json:"body,omitempty"`     // text messages
	MediaID     string      `json:"media_id,omitempty"` // audio messages
	Timestamp   time.Time   `json:"timestamp"`
}

// ResponseAnalysis carries engine diagnostics recorded with interactions.
type ResponseAnalysis struct {
	MessageLength  int    `json:"message_length,omitempty"`
	ResponseLength int    `json:"response_length,omitempty"`
	StateChanged   bool   `json:"state_changed,omitempty"`
	Fallback       bool   `json:"fallback,omitempty"`
	Error          string `json:"error,omitempty"`
}

// EngineResponse is the full decision produced for one inbound message.
// It is a pure value; the processor applies all persistence and sending.
type EngineResponse struct {
	Text                string            `json:"text"`
	State               ConversationState `json:"state"`
	PreviousState       ConversationState `json:"previous_state"`
	Intent              Intent            `json:"intent"`
	Confidence          float64           `json:"confidence"`
	ExtractedInfo       map[string]any    `json:"extracted_info"`
	ShouldGenerateAudio bool              `json:"should_generate_audio"`
	FollowUpAfter       time.Duration     `json:"follow_up_after"` // 0 means no follow-up
	Analysis            ResponseAnalysis  `json:"analysis"`
}

// FollowUpContext is the reduced input for follow-up message generation.
type FollowUpContext struct {
	CustomerName     string
	LastState        ConversationState
	Reason           string
	DaysSinceContact int
	PropertyDetails  PropertyDetails
	LoanRequirements LoanRequirements
}

// FollowUpMessage is the reduced engine output for a follow-up.
type FollowUpMessage struct {
	Text                string
	ShouldGenerateAudio bool
	NewState            ConversationState
}

// CampaignMessage is a personalized campaign template ready to send.
type CampaignMessage struct {
	Preview        string
	TemplateName   string
	TemplateParams map[string]string
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK      APIStatus = "ok"
	APIStatusError   APIStatus = "error"
	APIStatusStarted APIStatus = "started"
)

// APIResponse is the standard JSON envelope for all HTTP endpoints.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Started creates a fire-and-forget acknowledgement response.
func Started(message string) APIResponse {
	return APIResponse{Status: string(APIStatusStarted), Message: message}
}
