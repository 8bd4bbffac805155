// Package campaign drives bulk template outreach: enrolling customers as
// campaign targets, claiming and sending pending targets, and keeping the
// per-campaign counters current.
package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/convo"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/messaging"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/store"
)

// DefaultBatchSize is how many targets one claim round fetches.
const DefaultBatchSize = 50

// Result summarizes one campaign run.
type Result struct {
	CampaignID string `json:"campaign_id"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Excluded   int    `json:"excluded"`
}

// Runner sends campaigns over a messaging service.
type Runner struct {
	store     store.Store
	msgSvc    messaging.Service
	batchSize int
}

// Option configures a Runner.
type Option func(*Runner)

// WithBatchSize overrides the claim batch size.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		r.batchSize = n
	}
}

// NewRunner creates a campaign runner.
func NewRunner(s store.Store, msgSvc messaging.Service, opts ...Option) *Runner {
	r := &Runner{store: s, msgSvc: msgSvc, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enroll adds customers as pending targets of a campaign. Customers who have
// opted out are enrolled as excluded so the campaign report shows them, and
// duplicates are ignored by the store.
func (r *Runner) Enroll(campaignID string, customerIDs []string) (int, error) {
	campaign, err := r.store.GetCampaign(campaignID)
	if err != nil {
		return 0, err
	}
	if campaign == nil {
		return 0, models.ErrCampaignNotFound
	}

	enrolled := 0
	for _, customerID := range customerIDs {
		customer, err := r.store.GetCustomerByID(customerID)
		if err != nil {
			return enrolled, err
		}
		if customer == nil {
			slog.Warn("Campaign enroll skipping unknown customer", "customer", customerID)
			continue
		}

		status := models.TargetStatusPending
		if customer.DoNotContact {
			status = models.TargetStatusExcluded
		}
		err = r.store.AddCampaignTarget(models.CampaignTarget{
			CampaignID: campaignID,
			CustomerID: customerID,
			Status:     status,
		})
		if err != nil {
			return enrolled, err
		}
		enrolled++
	}
	return enrolled, nil
}

// Run sends a campaign to all pending targets and marks it completed. The
// campaign must be in a startable status.
func (r *Runner) Run(ctx context.Context, campaignID string) (Result, error) {
	result := Result{CampaignID: campaignID}

	campaign, err := r.store.GetCampaign(campaignID)
	if err != nil {
		return result, err
	}
	if campaign == nil {
		return result, models.ErrCampaignNotFound
	}
	if !campaign.Status.IsStartable() {
		return result, fmt.Errorf("campaign %s in status %s: %w", campaignID, campaign.Status, models.ErrNotStartable)
	}

	template, err := r.store.GetTemplateByName(campaign.TemplateName)
	if err != nil {
		return result, err
	}
	if template == nil {
		return result, fmt.Errorf("template %s: %w", campaign.TemplateName, models.ErrTemplateNotFound)
	}

	if err := r.store.UpdateCampaignStatus(campaignID, models.CampaignStatusRunning); err != nil {
		return result, err
	}
	slog.Info("Campaign run started", "campaign", campaignID, "template", campaign.TemplateName)

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		targets, err := r.store.ClaimPendingTargets(campaignID, r.batchSize)
		if err != nil {
			return result, err
		}
		if len(targets) == 0 {
			break
		}

		for _, target := range targets {
			r.sendTarget(ctx, template.Content, target, &result)
		}
	}

	if err := r.store.UpdateCampaignStatus(campaignID, models.CampaignStatusCompleted); err != nil {
		return result, err
	}
	slog.Info("Campaign run completed",
		"campaign", campaignID, "sent", result.Sent, "failed", result.Failed, "excluded", result.Excluded)
	return result, nil
}

func (r *Runner) sendTarget(ctx context.Context, templateContent string, target models.CampaignTarget, result *Result) {
	customer, err := r.store.GetCustomerByID(target.CustomerID)
	if err != nil || customer == nil {
		r.markFailed(target.ID, fmt.Sprintf("customer %s not found", target.CustomerID))
		result.Failed++
		return
	}
	// The do-not-contact check repeats at send time; the flag may have been
	// set after enrollment.
	if customer.DoNotContact {
		if err := r.store.UpdateTargetStatus(target.ID, models.TargetStatusExcluded, "", ""); err != nil {
			slog.Warn("Campaign failed to exclude target", "error", err, "target", target.ID)
		}
		result.Excluded++
		return
	}

	message := convo.PersonalizeCampaignMessage(templateContent, customerData(customer))
	if err := r.msgSvc.SendTemplate(ctx, customer.PhoneNumber, message.TemplateName, message.TemplateParams); err != nil {
		slog.Error("Campaign send failed", "error", err, "target", target.ID, "customer", customer.ID)
		r.markFailed(target.ID, err.Error())
		result.Failed++
		return
	}

	if err := r.store.UpdateTargetStatus(target.ID, models.TargetStatusSent, "", ""); err != nil {
		slog.Warn("Campaign failed to mark target sent", "error", err, "target", target.ID)
	}
	if err := r.store.IncrementCampaignCounters(target.CampaignID, 1, 0); err != nil {
		slog.Warn("Campaign failed to bump sent counter", "error", err, "campaign", target.CampaignID)
	}

	outbound := models.Interaction{
		CustomerID:  customer.ID,
		Direction:   models.DirectionOutbound,
		MessageType: models.MessageTypeTemplate,
		Content:     message.Preview,
		Language:    customer.PreferredLanguage,
	}
	if err := r.store.AddInteraction(outbound); err != nil {
		slog.Warn("Campaign failed to record interaction", "error", err, "customer", customer.ID)
	}

	customer.LastContacted = time.Now()
	if err := r.store.SaveCustomer(customer); err != nil {
		slog.Warn("Campaign failed to update customer", "error", err, "customer", customer.ID)
	}
	result.Sent++
}

func (r *Runner) markFailed(targetID, reason string) {
	if err := r.store.UpdateTargetStatus(targetID, models.TargetStatusFailed, "", reason); err != nil {
		slog.Warn("Campaign failed to mark target failed", "error", err, "target", targetID)
	}
}

// customerData flattens the customer profile into template placeholders.
func customerData(c *models.Customer) map[string]string {
	name := c.Name
	if name == "" {
		name = "there"
	}
	data := map[string]string{
		"name":          name,
		"customer_name": name,
		"phone":         c.PhoneNumber,
	}
	if c.PropertyDetails.PropertyType != "" {
		data["property_type"] = c.PropertyDetails.PropertyType
	}
	if c.PropertyDetails.PropertyLocation != "" {
		data["property_location"] = c.PropertyDetails.PropertyLocation
	}
	if c.LoanRequirements.LoanPurpose != "" {
		data["loan_purpose"] = c.LoanRequirements.LoanPurpose
	}
	return data
}
