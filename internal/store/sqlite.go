package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/util"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store using a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a SQLite-backed store. The DSN must be set via
// WithSQLiteDSN; the parent directory is created if missing and migrations
// run on open.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, errors.New("sqlite DSN is required")
	}

	if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run sqlite migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveCustomer inserts or updates a customer by ID.
func (s *SQLiteStore) SaveCustomer(c *models.Customer) error {
	if c.ID == "" {
		c.ID = util.GenerateCustomerID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()

	propertyDetails, err := encodeJSON(c.PropertyDetails)
	if err != nil {
		return err
	}
	loanRequirements, err := encodeJSON(c.LoanRequirements)
	if err != nil {
		return err
	}
	consents, err := encodeJSON(c.Consents)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO customers
		(id, phone_number, name, preferred_language, property_details, loan_requirements,
		 conversation_state, interest_level, last_contacted, next_contact_date,
		 do_not_contact, consents, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 phone_number=excluded.phone_number, name=excluded.name,
		 preferred_language=excluded.preferred_language,
		 property_details=excluded.property_details,
		 loan_requirements=excluded.loan_requirements,
		 conversation_state=excluded.conversation_state,
		 interest_level=excluded.interest_level,
		 last_contacted=excluded.last_contacted,
		 next_contact_date=excluded.next_contact_date,
		 do_not_contact=excluded.do_not_contact,
		 consents=excluded.consents, updated_at=excluded.updated_at`,
		c.ID, c.PhoneNumber, nilIfEmpty(c.Name), c.PreferredLanguage,
		propertyDetails, loanRequirements, string(c.ConversationState), c.InterestLevel,
		nilIfZeroTime(c.LastContacted), c.NextContactDate, c.DoNotContact, consents,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

const customerColumns = `id, phone_number, name, preferred_language, property_details,
	loan_requirements, conversation_state, interest_level, last_contacted,
	next_contact_date, do_not_contact, consents, created_at, updated_at`

// GetCustomerByPhone returns the customer with the given phone number, or
// (nil, nil) when not found.
func (s *SQLiteStore) GetCustomerByPhone(phone string) (*models.Customer, error) {
	row := s.db.QueryRow(`SELECT `+customerColumns+` FROM customers WHERE phone_number = ?`, phone)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer by phone: %w", err)
	}
	return c, nil
}

// GetCustomerByID returns the customer with the given ID, or (nil, nil).
func (s *SQLiteStore) GetCustomerByID(id string) (*models.Customer, error) {
	row := s.db.QueryRow(`SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer by id: %w", err)
	}
	return c, nil
}

// AddInteraction appends an immutable interaction record.
func (s *SQLiteStore) AddInteraction(i models.Interaction) error {
	if i.ID == "" {
		i.ID = util.GenerateInteractionID()
	}
	if i.Timestamp.IsZero() {
		i.Timestamp = time.Now()
	}

	_, err := s.db.Exec(`INSERT INTO interactions
		(id, customer_id, timestamp, direction, message_type, content, media_url,
		 whatsapp_message_id, detected_intent, conversation_state, language,
		 ai_confidence, ai_analysis)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.CustomerID, i.Timestamp, string(i.Direction), string(i.MessageType),
		nilIfEmpty(i.Content), nilIfEmpty(i.MediaURL), nilIfEmpty(i.WhatsAppMessageID),
		nilIfEmpty(string(i.DetectedIntent)), nilIfEmpty(string(i.ConversationState)),
		nilIfEmpty(i.Language), i.AIConfidence, nilIfEmpty(i.AIAnalysis))
	if err != nil {
		return fmt.Errorf("failed to add interaction: %w", err)
	}
	return nil
}

// GetRecentInteractions returns up to limit interactions for a customer in
// chronological order.
func (s *SQLiteStore) GetRecentInteractions(customerID string, limit int) ([]models.Interaction, error) {
	rows, err := s.db.Query(`SELECT id, customer_id, timestamp, direction, message_type,
		content, media_url, whatsapp_message_id, detected_intent, conversation_state,
		language, ai_confidence, ai_analysis
		FROM (SELECT * FROM interactions WHERE customer_id = ?
		      ORDER BY timestamp DESC LIMIT ?)
		ORDER BY timestamp ASC`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var interactions []models.Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		interactions = append(interactions, i)
	}
	return interactions, rows.Err()
}

// UpdateInteractionAnalysis sets the analysis fields of an interaction.
func (s *SQLiteStore) UpdateInteractionAnalysis(id string, intent models.Intent, state models.ConversationState, confidence float64, analysis string) error {
	_, err := s.db.Exec(`UPDATE interactions
		SET detected_intent = ?, conversation_state = ?, ai_confidence = ?, ai_analysis = ?
		WHERE id = ?`,
		string(intent), string(state), confidence, nilIfEmpty(analysis), id)
	if err != nil {
		return fmt.Errorf("failed to update interaction analysis: %w", err)
	}
	return nil
}

// CreateFollowUp records a scheduled follow-up.
func (s *SQLiteStore) CreateFollowUp(f models.FollowUp) error {
	if f.ID == "" {
		f.ID = util.GenerateFollowUpID()
	}
	if f.Status == "" {
		f.Status = models.FollowUpStatusPending
	}
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO follow_ups
		(id, customer_id, scheduled_date, status, follow_up_type, reason, result_notes,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CustomerID, f.ScheduledDate, string(f.Status),
		nilIfEmpty(f.FollowUpType), nilIfEmpty(f.Reason), nilIfEmpty(f.ResultNotes),
		f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create follow-up: %w", err)
	}
	return nil
}

// ClaimDueFollowUps moves due pending follow-ups to processing and returns
// them. Each candidate is claimed with a conditional status swap so a row
// claimed by a concurrent sweep is skipped, not double-processed.
func (s *SQLiteStore) ClaimDueFollowUps(now time.Time, limit int) ([]models.FollowUp, error) {
	rows, err := s.db.Query(`SELECT id, customer_id, scheduled_date, status,
		follow_up_type, reason, result_notes, created_at, updated_at
		FROM follow_ups
		WHERE status = 'pending' AND scheduled_date <= ?
		ORDER BY scheduled_date ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due follow-ups: %w", err)
	}

	var candidates []models.FollowUp
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan follow-up: %w", err)
		}
		candidates = append(candidates, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var claimed []models.FollowUp
	for _, f := range candidates {
		res, err := s.db.Exec(`UPDATE follow_ups
			SET status = 'processing', updated_at = ?
			WHERE id = ? AND status = 'pending'`, time.Now(), f.ID)
		if err != nil {
			return claimed, fmt.Errorf("failed to claim follow-up %s: %w", f.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if affected == 1 {
			f.Status = models.FollowUpStatusProcessing
			claimed = append(claimed, f)
		}
	}
	return claimed, nil
}

// CompleteFollowUp marks a claimed follow-up as sent.
func (s *SQLiteStore) CompleteFollowUp(id string, notes string) error {
	return s.setFollowUpStatus(id, models.FollowUpStatusSent, notes)
}

// FailFollowUp marks a claimed follow-up as failed.
func (s *SQLiteStore) FailFollowUp(id string, reason string) error {
	return s.setFollowUpStatus(id, models.FollowUpStatusFailed, reason)
}

func (s *SQLiteStore) setFollowUpStatus(id string, status models.FollowUpStatus, notes string) error {
	_, err := s.db.Exec(`UPDATE follow_ups
		SET status = ?, result_notes = ?, updated_at = ?
		WHERE id = ?`, string(status), nilIfEmpty(notes), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update follow-up status: %w", err)
	}
	return nil
}

// CancelPendingFollowUps cancels all pending follow-ups for a customer.
func (s *SQLiteStore) CancelPendingFollowUps(customerID string) (int, error) {
	res, err := s.db.Exec(`UPDATE follow_ups
		SET status = 'cancelled', updated_at = ?
		WHERE customer_id = ? AND status = 'pending'`, time.Now(), customerID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel follow-ups: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// SaveTemplate inserts or updates a message template by name.
func (s *SQLiteStore) SaveTemplate(t models.Template) error {
	if t.ID == "" {
		t.ID = util.GenerateRandomID("tpl_", 32)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`INSERT INTO templates
		(id, name, language_code, category, content, is_approved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		 language_code=excluded.language_code, category=excluded.category,
		 content=excluded.content, is_approved=excluded.is_approved`,
		t.ID, t.Name, t.LanguageCode, nilIfEmpty(t.Category), t.Content,
		t.IsApproved, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

// GetTemplateByName returns the template with the given name, or (nil, nil).
func (s *SQLiteStore) GetTemplateByName(name string) (*models.Template, error) {
	row := s.db.QueryRow(`SELECT id, name, language_code, category, content,
		is_approved, created_at FROM templates WHERE name = ?`, name)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

// CreateCampaign records a new campaign.
func (s *SQLiteStore) CreateCampaign(c models.Campaign) error {
	if c.ID == "" {
		c.ID = util.GenerateRandomID("camp_", 32)
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO campaigns
		(id, name, description, template_name, status, start_date, end_date,
		 total_targets, total_sent, total_responses, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, nilIfEmpty(c.Description), c.TemplateName, string(c.Status),
		nilIfZeroTime(c.StartDate), nilIfZeroTime(c.EndDate),
		c.TotalTargets, c.TotalSent, c.TotalResponses, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetCampaign returns the campaign with the given ID, or (nil, nil).
func (s *SQLiteStore) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT id, name, description, template_name, status,
		start_date, end_date, total_targets, total_sent, total_responses,
		created_at, updated_at FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// UpdateCampaignStatus moves a campaign to a new lifecycle status.
func (s *SQLiteStore) UpdateCampaignStatus(id string, status models.CampaignStatus) error {
	_, err := s.db.Exec(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	return nil
}

// IncrementCampaignCounters adds to the sent and response totals.
func (s *SQLiteStore) IncrementCampaignCounters(id string, sentDelta, responseDelta int) error {
	_, err := s.db.Exec(`UPDATE campaigns
		SET total_sent = total_sent + ?, total_responses = total_responses + ?,
		    updated_at = ?
		WHERE id = ?`, sentDelta, responseDelta, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to increment campaign counters: %w", err)
	}
	return nil
}

// AddCampaignTarget records one (campaign, customer) target pair. Duplicate
// pairs are ignored.
func (s *SQLiteStore) AddCampaignTarget(t models.CampaignTarget) error {
	if t.ID == "" {
		t.ID = util.GenerateTargetID()
	}
	if t.Status == "" {
		t.Status = models.TargetStatusPending
	}

	res, err := s.db.Exec(`INSERT INTO campaign_targets
		(id, campaign_id, customer_id, status, sent_time, response_time, message_id, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(campaign_id, customer_id) DO NOTHING`,
		t.ID, t.CampaignID, t.CustomerID, string(t.Status),
		t.SentTime, t.ResponseTime, nilIfEmpty(t.MessageID), nilIfEmpty(t.ErrorMessage))
	if err != nil {
		return fmt.Errorf("failed to add campaign target: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 1 {
		_, err = s.db.Exec(`UPDATE campaigns SET total_targets = total_targets + 1 WHERE id = ?`, t.CampaignID)
		if err != nil {
			return fmt.Errorf("failed to bump campaign target count: %w", err)
		}
	}
	return nil
}

const targetColumns = `id, campaign_id, customer_id, status, sent_time,
	response_time, message_id, error_message`

// ClaimPendingTargets moves pending targets of a campaign to sending and
// returns them, using the same conditional swap as follow-up claims.
func (s *SQLiteStore) ClaimPendingTargets(campaignID string, limit int) ([]models.CampaignTarget, error) {
	rows, err := s.db.Query(`SELECT `+targetColumns+` FROM campaign_targets
		WHERE campaign_id = ? AND status = 'pending'
		ORDER BY id LIMIT ?`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending targets: %w", err)
	}

	var candidates []models.CampaignTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var claimed []models.CampaignTarget
	for _, t := range candidates {
		res, err := s.db.Exec(`UPDATE campaign_targets
			SET status = 'sending'
			WHERE id = ? AND status = 'pending'`, t.ID)
		if err != nil {
			return claimed, fmt.Errorf("failed to claim target %s: %w", t.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if affected == 1 {
			t.Status = models.TargetStatusSending
			claimed = append(claimed, t)
		}
	}
	return claimed, nil
}

// UpdateTargetStatus moves a target to a new status. Excluded targets are
// never moved out of excluded.
func (s *SQLiteStore) UpdateTargetStatus(id string, status models.CampaignTargetStatus, messageID, errorMessage string) error {
	var err error
	switch status {
	case models.TargetStatusSent:
		_, err = s.db.Exec(`UPDATE campaign_targets
			SET status = ?, sent_time = ?, message_id = ?
			WHERE id = ? AND status != 'excluded'`,
			string(status), time.Now(), nilIfEmpty(messageID), id)
	case models.TargetStatusResponded:
		_, err = s.db.Exec(`UPDATE campaign_targets
			SET status = ?, response_time = ?
			WHERE id = ? AND status != 'excluded'`,
			string(status), time.Now(), id)
	case models.TargetStatusFailed:
		_, err = s.db.Exec(`UPDATE campaign_targets
			SET status = ?, error_message = ?
			WHERE id = ? AND status != 'excluded'`,
			string(status), nilIfEmpty(errorMessage), id)
	default:
		_, err = s.db.Exec(`UPDATE campaign_targets
			SET status = ? WHERE id = ? AND status != 'excluded'`,
			string(status), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update target status: %w", err)
	}
	return nil
}

// LatestSentTarget returns the most recently sent target for a customer, or
// (nil, nil) when the customer has no sent targets.
func (s *SQLiteStore) LatestSentTarget(customerID string) (*models.CampaignTarget, error) {
	row := s.db.QueryRow(`SELECT `+targetColumns+` FROM campaign_targets
		WHERE customer_id = ? AND status = 'sent'
		ORDER BY sent_time DESC LIMIT 1`, customerID)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sent target: %w", err)
	}
	return &t, nil
}

// SeedStateDefinitions inserts or updates the conversation state table.
func (s *SQLiteStore) SeedStateDefinitions(defs []models.StateDefinition) error {
	for _, def := range defs {
		transitions, err := encodeJSON(def.Transitions)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(`INSERT INTO state_definitions (name, description, transitions, prompt)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
			 description=excluded.description, transitions=excluded.transitions,
			 prompt=excluded.prompt`,
			string(def.Name), nilIfEmpty(def.Description), transitions, nilIfEmpty(def.Prompt))
		if err != nil {
			return fmt.Errorf("failed to seed state definition %s: %w", def.Name, err)
		}
	}
	return nil
}

// GetStateDefinitions returns all stored state definitions.
func (s *SQLiteStore) GetStateDefinitions() ([]models.StateDefinition, error) {
	rows, err := s.db.Query(`SELECT name, description, transitions, prompt
		FROM state_definitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query state definitions: %w", err)
	}
	defer rows.Close()

	var defs []models.StateDefinition
	for rows.Next() {
		def, err := scanStateDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// PurgeInteractionsBefore deletes interaction records older than cutoff.
func (s *SQLiteStore) PurgeInteractionsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM interactions WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge interactions: %w", err)
	}
	return res.RowsAffected()
}
