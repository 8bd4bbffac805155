// Package store provides storage backends for the loan outreach agent.
//
// It includes SQLite and PostgreSQL stores selected by DSN, plus an
// in-memory store for tests and ephemeral runs. All backends implement the
// same Store interface; claim operations (follow-ups, campaign targets) are
// conditional status swaps so concurrent workers never double-process a row.
package store

import (
	"strings"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for everything else (assumed to be file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persistence interface for customers, interactions,
// follow-ups, templates, campaigns and state definitions.
//
// Lookup methods return (nil, nil) when the record does not exist; callers
// translate that into domain errors where appropriate.
type Store interface {
	// SaveCustomer inserts or updates a customer by ID.
	SaveCustomer(c *models.Customer) error
	// GetCustomerByPhone returns the customer with the given phone number.
	GetCustomerByPhone(phone string) (*models.Customer, error)
	// GetCustomerByID returns the customer with the given ID.
	GetCustomerByID(id string) (*models.Customer, error)

	// AddInteraction appends an immutable interaction record.
	AddInteraction(i models.Interaction) error
	// GetRecentInteractions returns up to limit interactions for a customer
	// in chronological order.
	GetRecentInteractions(customerID string, limit int) ([]models.Interaction, error)
	// UpdateInteractionAnalysis sets the one-time analysis fields of an
	// inbound interaction.
	UpdateInteractionAnalysis(id string, intent models.Intent, state models.ConversationState, confidence float64, analysis string) error

	// CreateFollowUp records a scheduled follow-up.
	CreateFollowUp(f models.FollowUp) error
	// ClaimDueFollowUps atomically moves due pending follow-ups to
	// processing and returns them. A follow-up is returned by exactly one
	// concurrent caller.
	ClaimDueFollowUps(now time.Time, limit int) ([]models.FollowUp, error)
	// CompleteFollowUp marks a claimed follow-up as sent.
	CompleteFollowUp(id string, notes string) error
	// FailFollowUp marks a claimed follow-up as failed.
	FailFollowUp(id string, reason string) error
	// CancelPendingFollowUps cancels all pending follow-ups for a customer
	// and returns how many were cancelled.
	CancelPendingFollowUps(customerID string) (int, error)

	// SaveTemplate inserts or updates a message template by name.
	SaveTemplate(t models.Template) error
	// GetTemplateByName returns the template with the given name.
	GetTemplateByName(name string) (*models.Template, error)

	// CreateCampaign records a new campaign.
	CreateCampaign(c models.Campaign) error
	// GetCampaign returns the campaign with the given ID.
	GetCampaign(id string) (*models.Campaign, error)
	// UpdateCampaignStatus moves a campaign to a new lifecycle status.
	UpdateCampaignStatus(id string, status models.CampaignStatus) error
	// IncrementCampaignCounters adds to the sent and response totals.
	IncrementCampaignCounters(id string, sentDelta, responseDelta int) error
	// AddCampaignTarget records one (campaign, customer) target pair.
	AddCampaignTarget(t models.CampaignTarget) error
	// ClaimPendingTargets atomically moves pending targets of a campaign to
	// sending and returns them.
	ClaimPendingTargets(campaignID string, limit int) ([]models.CampaignTarget, error)
	// UpdateTargetStatus moves a target to a new status, recording the
	// message ID, error message and sent/response timestamps as applicable.
	UpdateTargetStatus(id string, status models.CampaignTargetStatus, messageID, errorMessage string) error
	// LatestSentTarget returns the most recently sent target for a customer,
	// used to attribute inbound responses to campaigns.
	LatestSentTarget(customerID string) (*models.CampaignTarget, error)

	// SeedStateDefinitions inserts or updates the conversation state table.
	SeedStateDefinitions(defs []models.StateDefinition) error
	// GetStateDefinitions returns all stored state definitions.
	GetStateDefinitions() ([]models.StateDefinition, error)

	// PurgeInteractionsBefore deletes interaction records older than cutoff
	// and returns how many were removed.
	PurgeInteractionsBefore(cutoff time.Time) (int64, error)

	// Close releases the underlying resources.
	Close() error
}
