package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting the SQLite
// and Postgres backends share scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil for empty strings so optional TEXT columns store
// NULL instead of "".
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime returns nil for zero timestamps so optional TIMESTAMP
// columns store NULL.
func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return string(data), nil
}

func decodeJSON(raw sql.NullString, v any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), v); err != nil {
		return fmt.Errorf("failed to decode JSON column: %w", err)
	}
	return nil
}

func scanCustomer(row rowScanner) (*models.Customer, error) {
	var c models.Customer
	var name, propertyDetails, loanRequirements, consents sql.NullString
	var lastContacted, nextContact sql.NullTime

	err := row.Scan(&c.ID, &c.PhoneNumber, &name, &c.PreferredLanguage,
		&propertyDetails, &loanRequirements, &c.ConversationState, &c.InterestLevel,
		&lastContacted, &nextContact, &c.DoNotContact, &consents,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Name = name.String
	if err := decodeJSON(propertyDetails, &c.PropertyDetails); err != nil {
		return nil, err
	}
	if err := decodeJSON(loanRequirements, &c.LoanRequirements); err != nil {
		return nil, err
	}
	if err := decodeJSON(consents, &c.Consents); err != nil {
		return nil, err
	}
	if lastContacted.Valid {
		c.LastContacted = lastContacted.Time
	}
	if nextContact.Valid {
		t := nextContact.Time
		c.NextContactDate = &t
	}
	return &c, nil
}

func scanInteraction(row rowScanner) (models.Interaction, error) {
	var i models.Interaction
	var content, mediaURL, messageID, intent, state, language, analysis sql.NullString

	err := row.Scan(&i.ID, &i.CustomerID, &i.Timestamp, &i.Direction, &i.MessageType,
		&content, &mediaURL, &messageID, &intent, &state, &language,
		&i.AIConfidence, &analysis)
	if err != nil {
		return models.Interaction{}, err
	}

	i.Content = content.String
	i.MediaURL = mediaURL.String
	i.WhatsAppMessageID = messageID.String
	i.DetectedIntent = models.Intent(intent.String)
	i.ConversationState = models.ConversationState(state.String)
	i.Language = language.String
	i.AIAnalysis = analysis.String
	return i, nil
}

func scanFollowUp(row rowScanner) (models.FollowUp, error) {
	var f models.FollowUp
	var followUpType, reason, notes sql.NullString

	err := row.Scan(&f.ID, &f.CustomerID, &f.ScheduledDate, &f.Status,
		&followUpType, &reason, &notes, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return models.FollowUp{}, err
	}

	f.FollowUpType = followUpType.String
	f.Reason = reason.String
	f.ResultNotes = notes.String
	return f, nil
}

func scanTemplate(row rowScanner) (*models.Template, error) {
	var t models.Template
	var category sql.NullString

	err := row.Scan(&t.ID, &t.Name, &t.LanguageCode, &category, &t.Content,
		&t.IsApproved, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.Category = category.String
	return &t, nil
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var c models.Campaign
	var description sql.NullString
	var startDate, endDate sql.NullTime

	err := row.Scan(&c.ID, &c.Name, &description, &c.TemplateName, &c.Status,
		&startDate, &endDate, &c.TotalTargets, &c.TotalSent, &c.TotalResponses,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Description = description.String
	if startDate.Valid {
		c.StartDate = startDate.Time
	}
	if endDate.Valid {
		c.EndDate = endDate.Time
	}
	return &c, nil
}

func scanTarget(row rowScanner) (models.CampaignTarget, error) {
	var t models.CampaignTarget
	var messageID, errorMessage sql.NullString
	var sentTime, responseTime sql.NullTime

	err := row.Scan(&t.ID, &t.CampaignID, &t.CustomerID, &t.Status,
		&sentTime, &responseTime, &messageID, &errorMessage)
	if err != nil {
		return models.CampaignTarget{}, err
	}

	t.MessageID = messageID.String
	t.ErrorMessage = errorMessage.String
	if sentTime.Valid {
		ts := sentTime.Time
		t.SentTime = &ts
	}
	if responseTime.Valid {
		ts := responseTime.Time
		t.ResponseTime = &ts
	}
	return t, nil
}

func scanStateDefinition(row rowScanner) (models.StateDefinition, error) {
	var def models.StateDefinition
	var description, transitions, prompt sql.NullString

	if err := row.Scan(&def.Name, &description, &transitions, &prompt); err != nil {
		return models.StateDefinition{}, err
	}

	def.Description = description.String
	def.Prompt = prompt.String
	if err := decodeJSON(transitions, &def.Transitions); err != nil {
		return models.StateDefinition{}, err
	}
	return def, nil
}
