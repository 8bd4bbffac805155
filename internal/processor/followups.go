package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// ProcessDueFollowUps claims due follow-ups, generates a personalized
// message for each and sends it. It returns how many follow-ups were sent.
// Claimed rows end in sent or failed; the claim swap guarantees a row is
// handled by at most one sweep even when sweeps overlap.
func (p *Processor) ProcessDueFollowUps(ctx context.Context) (int, error) {
	claimed, err := p.store.ClaimDueFollowUps(time.Now(), DefaultFollowUpBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due follow-ups: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	slog.Info("Processor claimed due follow-ups", "count", len(claimed))

	sent := 0
	for _, followUp := range claimed {
		if err := p.sendFollowUp(ctx, followUp); err != nil {
			slog.Error("Processor follow-up failed", "error", err, "follow_up", followUp.ID)
			if failErr := p.store.FailFollowUp(followUp.ID, err.Error()); failErr != nil {
				slog.Warn("Processor failed to mark follow-up failed", "error", failErr, "follow_up", followUp.ID)
			}
			continue
		}
		sent++
	}
	return sent, nil
}

func (p *Processor) sendFollowUp(ctx context.Context, followUp models.FollowUp) error {
	customer, err := p.store.GetCustomerByID(followUp.CustomerID)
	if err != nil {
		return fmt.Errorf("failed to load customer: %w", err)
	}
	if customer == nil {
		return fmt.Errorf("customer %s no longer exists", followUp.CustomerID)
	}
	if customer.DoNotContact {
		return ErrDoNotContact
	}

	lock := p.phoneLock(customer.PhoneNumber)
	lock.Lock()
	defer lock.Unlock()

	daysSince := 0
	if !customer.LastContacted.IsZero() {
		daysSince = int(time.Since(customer.LastContacted).Hours() / 24)
	}

	message := p.engine.GenerateFollowUp(ctx, models.FollowUpContext{
		CustomerName:     customer.Name,
		LastState:        customer.ConversationState,
		Reason:           followUp.Reason,
		DaysSinceContact: daysSince,
		PropertyDetails:  customer.PropertyDetails,
		LoanRequirements: customer.LoanRequirements,
	})

	text := p.language.FromEnglish(ctx, message.Text, customer.PreferredLanguage)
	sentType := p.sendReply(ctx, customer.PhoneNumber, text, message.ShouldGenerateAudio)

	outbound := models.Interaction{
		CustomerID:        customer.ID,
		Direction:         models.DirectionOutbound,
		MessageType:       sentType,
		Content:           text,
		ConversationState: message.NewState,
		Language:          customer.PreferredLanguage,
	}
	if err := p.store.AddInteraction(outbound); err != nil {
		slog.Warn("Processor failed to record follow-up interaction", "error", err, "customer", customer.ID)
	}

	customer.ConversationState = message.NewState
	customer.LastContacted = time.Now()
	customer.NextContactDate = nil
	if err := p.store.SaveCustomer(customer); err != nil {
		return fmt.Errorf("failed to save customer after follow-up: %w", err)
	}

	if err := p.store.CompleteFollowUp(followUp.ID, "follow-up sent"); err != nil {
		return fmt.Errorf("failed to complete follow-up: %w", err)
	}
	slog.Debug("Processor sent follow-up", "customer", customer.ID, "state", message.NewState)
	return nil
}
