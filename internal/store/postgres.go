package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/util"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Connection pool defaults for the Postgres backend.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

// PostgresStore implements Store using a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements the Store interface.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed store. The DSN must be set via
// WithPostgresDSN; migrations run on open.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run postgres migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// SaveCustomer inserts or updates a customer by ID.
func (s *PostgresStore) SaveCustomer(c *models.Customer) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
		 phone_number=EXCLUDED.phone_number, name=EXCLUDED.name,
		 preferred_language=EXCLUDED.preferred_language,
		 property_details=EXCLUDED.property_details,
		 loan_requirements=EXCLUDED.loan_requirements,
		 conversation_state=EXCLUDED.conversation_state,
		 interest_level=EXCLUDED.interest_level,
		 last_contacted=EXCLUDED.last_contacted,
		 next_contact_date=EXCLUDED.next_contact_date,
		 do_not_contact=EXCLUDED.do_not_contact,
		 consents=EXCLUDED.consents, updated_at=EXCLUDED.updated_at`,
		c.ID, c.PhoneNumber, nilIfEmpty(c.Name), c.PreferredLanguage,
		propertyDetails, loanRequirements, string(c.ConversationState), c.InterestLevel,
		nilIfZeroTime(c.LastContacted), c.NextContactDate, c.DoNotContact, consents,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

// GetCustomerByPhone returns the customer with the given phone number, or
// (nil, nil) when not found.
func (s *PostgresStore) GetCustomerByPhone(phone string) (*models.Customer, error) {
	row := s.db.QueryRow(`SELECT `+customerColumns+` FROM customers WHERE phone_number = $1`, phone)
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
func (s *PostgresStore) GetCustomerByID(id string) (*models.Customer, error) {
	row := s.db.QueryRow(`SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
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
func (s *PostgresStore) AddInteraction(i models.Interaction) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
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
func (s *PostgresStore) GetRecentInteractions(customerID string, limit int) ([]models.Interaction, error) {
	rows, err := s.db.Query(`SELECT id, customer_id, timestamp, direction, message_type,
		content, media_url, whatsapp_message_id, detected_intent, conversation_state,
		language, ai_confidence, ai_analysis
		FROM (SELECT * FROM interactions WHERE customer_id = $1
		      ORDER BY timestamp DESC LIMIT $2) recent
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
func (s *PostgresStore) UpdateInteractionAnalysis(id string, intent models.Intent, state models.ConversationState, confidence float64, analysis string) error {
	_, err := s.db.Exec(`UPDATE interactions
		SET detected_intent = $1, conversation_state = $2, ai_confidence = $3, ai_analysis = $4
		WHERE id = $5`,
		string(intent), string(state), confidence, nilIfEmpty(analysis), id)
	if err != nil {
		return fmt.Errorf("failed to update interaction analysis: %w", err)
	}
	return nil
}

// CreateFollowUp records a scheduled follow-up.
func (s *PostgresStore) CreateFollowUp(f models.FollowUp) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID, f.CustomerID, f.ScheduledDate, string(f.Status),
		nilIfEmpty(f.FollowUpType), nilIfEmpty(f.Reason), nilIfEmpty(f.ResultNotes),
		f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create follow-up: %w", err)
	}
	return nil
}

// ClaimDueFollowUps moves due pending follow-ups to processing and returns
// them. SKIP LOCKED keeps concurrent sweeps from claiming the same row.
func (s *PostgresStore) ClaimDueFollowUps(now time.Time, limit int) ([]models.FollowUp, error) {
	rows, err := s.db.Query(`UPDATE follow_ups
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM follow_ups
			WHERE status = 'pending' AND scheduled_date <= $1
			ORDER BY scheduled_date ASC LIMIT $2
			FOR UPDATE SKIP LOCKED)
		RETURNING id, customer_id, scheduled_date, status, follow_up_type, reason,
			result_notes, created_at, updated_at`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due follow-ups: %w", err)
	}
	defer rows.Close()

	var claimed []models.FollowUp
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan follow-up: %w", err)
		}
		claimed = append(claimed, f)
	}
	return claimed, rows.Err()
}

// CompleteFollowUp marks a claimed follow-up as sent.
func (s *PostgresStore) CompleteFollowUp(id string, notes string) error {
	return s.setFollowUpStatus(id, models.FollowUpStatusSent, notes)
}

// FailFollowUp marks a claimed follow-up as failed.
func (s *PostgresStore) FailFollowUp(id string, reason string) error {
	return s.setFollowUpStatus(id, models.FollowUpStatusFailed, reason)
}

func (s *PostgresStore) setFollowUpStatus(id string, status models.FollowUpStatus, notes string) error {
	_, err := s.db.Exec(`UPDATE follow_ups
		SET status = $1, result_notes = $2, updated_at = NOW()
		WHERE id = $3`, string(status), nilIfEmpty(notes), id)
	if err != nil {
		return fmt.Errorf("failed to update follow-up status: %w", err)
	}
	return nil
}

// CancelPendingFollowUps cancels all pending follow-ups for a customer.
func (s *PostgresStore) CancelPendingFollowUps(customerID string) (int, error) {
	res, err := s.db.Exec(`UPDATE follow_ups
		SET status = 'cancelled', updated_at = NOW()
		WHERE customer_id = $1 AND status = 'pending'`, customerID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel follow-ups: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// SaveTemplate inserts or updates a message template by name.
func (s *PostgresStore) SaveTemplate(t models.Template) error {
	if t.ID == "" {
		t.ID = util.GenerateRandomID("tpl_", 32)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`INSERT INTO templates
		(id, name, language_code, category, content, is_approved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
		 language_code=EXCLUDED.language_code, category=EXCLUDED.category,
		 content=EXCLUDED.content, is_approved=EXCLUDED.is_approved`,
		t.ID, t.Name, t.LanguageCode, nilIfEmpty(t.Category), t.Content,
		t.IsApproved, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

// GetTemplateByName returns the template with the given name, or (nil, nil).
func (s *PostgresStore) GetTemplateByName(name string) (*models.Template, error) {
	row := s.db.QueryRow(`SELECT id, name, language_code, category, content,
		is_approved, created_at FROM templates WHERE name = $1`, name)
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
func (s *PostgresStore) CreateCampaign(c models.Campaign) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.Name, nilIfEmpty(c.Description), c.TemplateName, string(c.Status),
		nilIfZeroTime(c.StartDate), nilIfZeroTime(c.EndDate),
		c.TotalTargets, c.TotalSent, c.TotalResponses, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetCampaign returns the campaign with the given ID, or (nil, nil).
func (s *PostgresStore) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT id, name, description, template_name, status,
		start_date, end_date, total_targets, total_sent, total_responses,
		created_at, updated_at FROM campaigns WHERE id = $1`, id)
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
func (s *PostgresStore) UpdateCampaignStatus(id string, status models.CampaignStatus) error {
	_, err := s.db.Exec(`UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	return nil
}

// IncrementCampaignCounters adds to the sent and response totals.
func (s *PostgresStore) IncrementCampaignCounters(id string, sentDelta, responseDelta int) error {
	_, err := s.db.Exec(`UPDATE campaigns
		SET total_sent = total_sent + $1, total_responses = total_responses + $2,
		    updated_at = NOW()
		WHERE id = $3`, sentDelta, responseDelta, id)
	if err != nil {
		return fmt.Errorf("failed to increment campaign counters: %w", err)
	}
	return nil
}

// AddCampaignTarget records one (campaign, customer) target pair. Duplicate
// pairs are ignored.
func (s *PostgresStore) AddCampaignTarget(t models.CampaignTarget) error {
	if t.ID == "" {
		t.ID = util.GenerateTargetID()
	}
	if t.Status == "" {
		t.Status = models.TargetStatusPending
	}

	res, err := s.db.Exec(`INSERT INTO campaign_targets
		(id, campaign_id, customer_id, status, sent_time, response_time, message_id, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (campaign_id, customer_id) DO NOTHING`,
		t.ID, t.CampaignID, t.CustomerID, string(t.Status),
		t.SentTime, t.ResponseTime, nilIfEmpty(t.MessageID), nilIfEmpty(t.ErrorMessage))
	if err != nil {
		return fmt.Errorf("failed to add campaign target: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 1 {
		_, err = s.db.Exec(`UPDATE campaigns SET total_targets = total_targets + 1 WHERE id = $1`, t.CampaignID)
		if err != nil {
			return fmt.Errorf("failed to bump campaign target count: %w", err)
		}
	}
	return nil
}

// ClaimPendingTargets moves pending targets of a campaign to sending and
// returns them.
func (s *PostgresStore) ClaimPendingTargets(campaignID string, limit int) ([]models.CampaignTarget, error) {
	rows, err := s.db.Query(`UPDATE campaign_targets
		SET status = 'sending'
		WHERE id IN (
			SELECT id FROM campaign_targets
			WHERE campaign_id = $1 AND status = 'pending'
			ORDER BY id LIMIT $2
			FOR UPDATE SKIP LOCKED)
		RETURNING id, campaign_id, customer_id, status, sent_time, response_time,
			message_id, error_message`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending targets: %w", err)
	}
	defer rows.Close()

	var claimed []models.CampaignTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		claimed = append(claimed, t)
	}
	return claimed, rows.Err()
}

// UpdateTargetStatus moves a target to a new status. Excluded targets are
// never moved out of excluded.
func (s *PostgresStore) UpdateTargetStatus(id string, status models.CampaignTargetStatus, messageID, errorMessage string) error {
	var err error
	switch status {
	case models.TargetStatusSent:
		_, err = s.db.Exec(`UPDATE campaign_targets
			SET status = $1, sent_time = NOW(), message_id = $2
			WHERE id = $3 AND status != 'excluded'`,
			string(status), nilIfEmpty(messageID), id)
	case models.TargetStatusResponded:
		_, err = s.db.Exec(`UPDATE campaign_targets
			SET status = $1, response_time = NOW()
			WHERE id = $2 AND status != 'excluded'`,
			string(status), id)
	case models.TargetStatusFailed:
		_, err = s.db.Exec(`UPDATE campaign_targets
			SET status = $1, error_message = $2
			WHERE id = $3 AND status != 'excluded'`,
			string(status), nilIfEmpty(errorMessage), id)
	default:
		_, err = s.db.Exec(`UPDATE campaign_targets
			SET status = $1 WHERE id = $2 AND status != 'excluded'`,
			string(status), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update target status: %w", err)
	}
	return nil
}

// LatestSentTarget returns the most recently sent target for a customer, or
// (nil, nil) when the customer has no sent targets.
func (s *PostgresStore) LatestSentTarget(customerID string) (*models.CampaignTarget, error) {
	row := s.db.QueryRow(`SELECT id, campaign_id, customer_id, status, sent_time,
		response_time, message_id, error_message
		FROM campaign_targets
		WHERE customer_id = $1 AND status = 'sent'
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
func (s *PostgresStore) SeedStateDefinitions(defs []models.StateDefinition) error {
	for _, def := range defs {
		transitions, err := encodeJSON(def.Transitions)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(`INSERT INTO state_definitions (name, description, transitions, prompt)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (name) DO UPDATE SET
			 description=EXCLUDED.description, transitions=EXCLUDED.transitions,
			 prompt=EXCLUDED.prompt`,
			string(def.Name), nilIfEmpty(def.Description), transitions, nilIfEmpty(def.Prompt))
		if err != nil {
			return fmt.Errorf("failed to seed state definition %s: %w", def.Name, err)
		}
	}
	return nil
}

// GetStateDefinitions returns all stored state definitions.
func (s *PostgresStore) GetStateDefinitions() ([]models.StateDefinition, error) {
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
func (s *PostgresStore) PurgeInteractionsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM interactions WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge interactions: %w", err)
	}
	return res.RowsAffected()
}
