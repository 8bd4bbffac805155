package store

import (
	"sort"
	"sync"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/util"
)

// InMemoryStore implements Store with in-process maps. It is used in tests
// and for ephemeral runs where persistence is not needed.
type InMemoryStore struct {
	mu           sync.Mutex
	customers    map[string]*models.Customer // by ID
	byPhone      map[string]string           // phone -> ID
	interactions map[string][]models.Interaction
	followUps    map[string]*models.FollowUp
	templates    map[string]models.Template // by name
	campaigns    map[string]*models.Campaign
	targets      map[string]*models.CampaignTarget
	stateDefs    map[models.ConversationState]models.StateDefinition
}

// Compile-time check that InMemoryStore implements the Store interface.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		customers:    make(map[string]*models.Customer),
		byPhone:      make(map[string]string),
		interactions: make(map[string][]models.Interaction),
		followUps:    make(map[string]*models.FollowUp),
		templates:    make(map[string]models.Template),
		campaigns:    make(map[string]*models.Campaign),
		targets:      make(map[string]*models.CampaignTarget),
		stateDefs:    make(map[models.ConversationState]models.StateDefinition),
	}
}

// SaveCustomer inserts or updates a customer by ID.
func (s *InMemoryStore) SaveCustomer(c *models.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = util.GenerateCustomerID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()

	copied := *c
	s.customers[c.ID] = &copied
	s.byPhone[c.PhoneNumber] = c.ID
	return nil
}

// GetCustomerByPhone returns the customer with the given phone number, or
// (nil, nil) when not found.
func (s *InMemoryStore) GetCustomerByPhone(phone string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPhone[phone]
	if !ok {
		return nil, nil
	}
	copied := *s.customers[id]
	return &copied, nil
}

// GetCustomerByID returns the customer with the given ID, or (nil, nil).
func (s *InMemoryStore) GetCustomerByID(id string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

// AddInteraction appends an immutable interaction record.
func (s *InMemoryStore) AddInteraction(i models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i.ID == "" {
		i.ID = util.GenerateInteractionID()
	}
	if i.Timestamp.IsZero() {
		i.Timestamp = time.Now()
	}
	s.interactions[i.CustomerID] = append(s.interactions[i.CustomerID], i)
	return nil
}

// GetRecentInteractions returns up to limit interactions for a customer in
// chronological order.
func (s *InMemoryStore) GetRecentInteractions(customerID string, limit int) ([]models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.interactions[customerID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	result := make([]models.Interaction, len(all))
	copy(result, all)
	return result, nil
}

// UpdateInteractionAnalysis sets the analysis fields of an interaction.
func (s *InMemoryStore) UpdateInteractionAnalysis(id string, intent models.Intent, state models.ConversationState, confidence float64, analysis string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for customerID, list := range s.interactions {
		for idx := range list {
			if list[idx].ID == id {
				list[idx].DetectedIntent = intent
				list[idx].ConversationState = state
				list[idx].AIConfidence = confidence
				list[idx].AIAnalysis = analysis
				s.interactions[customerID] = list
				return nil
			}
		}
	}
	return nil
}

// CreateFollowUp records a scheduled follow-up.
func (s *InMemoryStore) CreateFollowUp(f models.FollowUp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	s.followUps[f.ID] = &f
	return nil
}

// ClaimDueFollowUps moves due pending follow-ups to processing and returns
// them, oldest first.
func (s *InMemoryStore) ClaimDueFollowUps(now time.Time, limit int) ([]models.FollowUp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.FollowUp
	for _, f := range s.followUps {
		if f.Status == models.FollowUpStatusPending && !f.ScheduledDate.After(now) {
			due = append(due, f)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledDate.Before(due[j].ScheduledDate) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]models.FollowUp, 0, len(due))
	for _, f := range due {
		f.Status = models.FollowUpStatusProcessing
		f.UpdatedAt = time.Now()
		claimed = append(claimed, *f)
	}
	return claimed, nil
}

// CompleteFollowUp marks a claimed follow-up as sent.
func (s *InMemoryStore) CompleteFollowUp(id string, notes string) error {
	return s.setFollowUpStatus(id, models.FollowUpStatusSent, notes)
}

// FailFollowUp marks a claimed follow-up as failed.
func (s *InMemoryStore) FailFollowUp(id string, reason string) error {
	return s.setFollowUpStatus(id, models.FollowUpStatusFailed, reason)
}

func (s *InMemoryStore) setFollowUpStatus(id string, status models.FollowUpStatus, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.followUps[id]
	if !ok {
		return nil
	}
	f.Status = status
	f.ResultNotes = notes
	f.UpdatedAt = time.Now()
	return nil
}

// CancelPendingFollowUps cancels all pending follow-ups for a customer.
func (s *InMemoryStore) CancelPendingFollowUps(customerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, f := range s.followUps {
		if f.CustomerID == customerID && f.Status == models.FollowUpStatusPending {
			f.Status = models.FollowUpStatusCancelled
			f.UpdatedAt = time.Now()
			cancelled++
		}
	}
	return cancelled, nil
}

// SaveTemplate inserts or updates a message template by name.
func (s *InMemoryStore) SaveTemplate(t models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = util.GenerateRandomID("tpl_", 32)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.templates[t.Name] = t
	return nil
}

// GetTemplateByName returns the template with the given name, or (nil, nil).
func (s *InMemoryStore) GetTemplateByName(name string) (*models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[name]
	if !ok {
		return nil, nil
	}
	copied := t
	return &copied, nil
}

// CreateCampaign records a new campaign.
func (s *InMemoryStore) CreateCampaign(c models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = util.GenerateRandomID("camp_", 32)
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.campaigns[c.ID] = &c
	return nil
}

// GetCampaign returns the campaign with the given ID, or (nil, nil).
func (s *InMemoryStore) GetCampaign(id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

// UpdateCampaignStatus moves a campaign to a new lifecycle status.
func (s *InMemoryStore) UpdateCampaignStatus(id string, status models.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

// IncrementCampaignCounters adds to the sent and response totals.
func (s *InMemoryStore) IncrementCampaignCounters(id string, sentDelta, responseDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil
	}
	c.TotalSent += sentDelta
	c.TotalResponses += responseDelta
	c.UpdatedAt = time.Now()
	return nil
}

// AddCampaignTarget records one (campaign, customer) target pair. Duplicate
// pairs are ignored.
func (s *InMemoryStore) AddCampaignTarget(t models.CampaignTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.targets {
		if existing.CampaignID == t.CampaignID && existing.CustomerID == t.CustomerID {
			return nil
		}
	}
	if t.ID == "" {
		t.ID = util.GenerateTargetID()
	}
	if t.Status == "" {
		t.Status = models.TargetStatusPending
	}
	s.targets[t.ID] = &t
	if c, ok := s.campaigns[t.CampaignID]; ok {
		c.TotalTargets++
	}
	return nil
}

// ClaimPendingTargets moves pending targets of a campaign to sending and
// returns them.
func (s *InMemoryStore) ClaimPendingTargets(campaignID string, limit int) ([]models.CampaignTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, t := range s.targets {
		if t.CampaignID == campaignID && t.Status == models.TargetStatusPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	claimed := make([]models.CampaignTarget, 0, len(ids))
	for _, id := range ids {
		t := s.targets[id]
		t.Status = models.TargetStatusSending
		claimed = append(claimed, *t)
	}
	return claimed, nil
}

// UpdateTargetStatus moves a target to a new status. Sent and response
// timestamps are set when entering the corresponding states; an excluded
// target is never moved out of excluded.
func (s *InMemoryStore) UpdateTargetStatus(id string, status models.CampaignTargetStatus, messageID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[id]
	if !ok || t.Status == models.TargetStatusExcluded {
		return nil
	}
	t.Status = status
	now := time.Now()
	switch status {
	case models.TargetStatusSent:
		t.SentTime = &now
		t.MessageID = messageID
	case models.TargetStatusResponded:
		t.ResponseTime = &now
	case models.TargetStatusFailed:
		t.ErrorMessage = errorMessage
	}
	return nil
}

// LatestSentTarget returns the most recently sent target for a customer, or
// (nil, nil) when the customer has no sent targets.
func (s *InMemoryStore) LatestSentTarget(customerID string) (*models.CampaignTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.CampaignTarget
	for _, t := range s.targets {
		if t.CustomerID != customerID || t.Status != models.TargetStatusSent || t.SentTime == nil {
			continue
		}
		if latest == nil || t.SentTime.After(*latest.SentTime) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

// SeedStateDefinitions inserts or updates the conversation state table.
func (s *InMemoryStore) SeedStateDefinitions(defs []models.StateDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, def := range defs {
		s.stateDefs[def.Name] = def
	}
	return nil
}

// GetStateDefinitions returns all stored state definitions.
func (s *InMemoryStore) GetStateDefinitions() ([]models.StateDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs := make([]models.StateDefinition, 0, len(s.stateDefs))
	for _, def := range s.stateDefs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// PurgeInteractionsBefore deletes interaction records older than cutoff.
func (s *InMemoryStore) PurgeInteractionsBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for customerID, list := range s.interactions {
		kept := list[:0]
		for _, i := range list {
			if i.Timestamp.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, i)
		}
		s.interactions[customerID] = kept
	}
	return purged, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
