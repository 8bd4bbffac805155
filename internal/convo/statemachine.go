// Package convo implements the conversation engine for the loan outreach
// agent: the sales funnel state machine, intent classification, structured
// information extraction, profile merging and response generation.
package convo

import (
	"strings"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// Follow-up intervals derived from intent and conversation state.
const (
	followUpLaterInterval     = 7 * 24 * time.Hour
	followUpDefaultInterval   = 14 * 24 * time.Hour
	followUpColdInterval      = 90 * 24 * time.Hour
	followUpObjectionInterval = 21 * 24 * time.Hour
	followUpWarmInterval      = 30 * 24 * time.Hour
)

// audioLengthThreshold is the response length above which an audio
// rendition is generated alongside the text.
const audioLengthThreshold = 300

// complexLoanTerms flag responses that benefit from a spoken explanation
// when the conversation is in the loan details state.
var complexLoanTerms = []string{"interest rate", "emi", "tenure", "processing fee"}

// transitions is the full sales funnel transition table. An intent missing
// from a state's row means the conversation stays where it is. Completed has
// no outward edges; not_interested keeps a single change-of-mind re-entry.
var transitions = map[models.ConversationState]map[models.Intent]models.ConversationState{
	models.StateInitial: {
		models.IntentInterested:     models.StateIntroduction,
		models.IntentNeedsMoreInfo:  models.StateIntroduction,
		models.IntentNotInterested:  models.StateNotInterested,
		models.IntentAskingQuestion: models.StateIntroduction,
	},
	models.StateIntroduction: {
		models.IntentInterested:     models.StateQualifying,
		models.IntentNeedsMoreInfo:  models.StateQualifying,
		models.IntentObjection:      models.StateObjectionHandling,
		models.IntentNotInterested:  models.StateNotInterested,
		models.IntentAskingQuestion: models.StateQualifying,
	},
	models.StateQualifying: {
		models.IntentInterested:     models.StatePropertyDetails,
		models.IntentNeedsMoreInfo:  models.StateQualifying,
		models.IntentObjection:      models.StateObjectionHandling,
		models.IntentNotInterested:  models.StateNotInterested,
		models.IntentAskingQuestion: models.StateQualifying,
		models.IntentFollowUpLater:  models.StateFollowUpScheduling,
	},
	models.StatePropertyDetails: {
		models.IntentInterested:     models.StateLoanDetails,
		models.IntentNeedsMoreInfo:  models.StatePropertyDetails,
		models.IntentObjection:      models.StateObjectionHandling,
		models.IntentNotInterested:  models.StateNotInterested,
		models.IntentAskingQuestion: models.StatePropertyDetails,
		models.IntentFollowUpLater:  models.StateFollowUpScheduling,
	},
	models.StateLoanDetails: {
		models.IntentInterested:     models.StateClosing,
		models.IntentNeedsMoreInfo:  models.StateLoanDetails,
		models.IntentObjection:      models.StateObjectionHandling,
		models.IntentNotInterested:  models.StateNotInterested,
		models.IntentAskingQuestion: models.StateLoanDetails,
		models.IntentFollowUpLater:  models.StateFollowUpScheduling,
	},
	models.StateObjectionHandling: {
		models.IntentInterested:     models.StateLoanDetails,
		models.IntentNeedsMoreInfo:  models.StateLoanDetails,
		models.IntentObjection:      models.StateObjectionHandling,
		models.IntentNotInterested:  models.StateNotInterested,
		models.IntentAskingQuestion: models.StateLoanDetails,
		models.IntentFollowUpLater:  models.StateFollowUpScheduling,
	},
	models.StateClosing: {
		models.IntentInterested:     models.StateCompleted,
		models.IntentNeedsMoreInfo:  models.StateLoanDetails,
		models.IntentObjection:      models.StateObjectionHandling,
		models.IntentNotInterested:  models.StateNotInterested,
		models.IntentAskingQuestion: models.StateLoanDetails,
		models.IntentFollowUpLater:  models.StateFollowUpScheduling,
	},
	models.StateFollowUpScheduling: {
		models.IntentInterested:    models.StateLoanDetails,
		models.IntentNeedsMoreInfo: models.StateLoanDetails,
		models.IntentNotInterested: models.StateNotInterested,
	},
	models.StateCompleted: {},
	models.StateNotInterested: {
		models.IntentInterested: models.StateIntroduction,
	},
}

// NextState returns the state reached from current on the given intent.
// Unknown states and intents without an edge keep the current state.
func NextState(current models.ConversationState, intent models.Intent) models.ConversationState {
	if row, ok := transitions[current]; ok {
		if next, ok := row[intent]; ok {
			return next
		}
	}
	return current
}

// FollowUpAfter returns how long to wait before following up, based on the
// detected intent and the state the conversation landed in. Zero means no
// follow-up is warranted.
func FollowUpAfter(intent models.Intent, state models.ConversationState) time.Duration {
	switch {
	case intent == models.IntentFollowUpLater:
		return followUpLaterInterval
	case state == models.StateFollowUpScheduling:
		return followUpDefaultInterval
	case state == models.StateNotInterested:
		return followUpColdInterval
	case state == models.StateObjectionHandling:
		return followUpObjectionInterval
	case state == models.StateLoanDetails && intent != models.IntentInterested:
		return followUpWarmInterval
	}
	return 0
}

// ShouldGenerateAudio reports whether a spoken rendition of the response
// should accompany the text. Long responses, emotionally significant states
// and complex loan terminology all warrant audio.
func ShouldGenerateAudio(responseText string, state models.ConversationState) bool {
	if len(responseText) > audioLengthThreshold {
		return true
	}
	switch state {
	case models.StateObjectionHandling, models.StateClosing, models.StateNotInterested:
		return true
	}
	if state == models.StateLoanDetails {
		lower := strings.ToLower(responseText)
		for _, term := range complexLoanTerms {
			if strings.Contains(lower, term) {
				return true
			}
		}
	}
	return false
}

// StateDefinitions materializes the transition table as storable records,
// attaching the response prompt for each state when available.
func StateDefinitions(prompts Prompts) []models.StateDefinition {
	defs := make([]models.StateDefinition, 0, len(models.AllStates))
	for _, state := range models.AllStates {
		row := transitions[state]
		copied := make(map[models.Intent]models.ConversationState, len(row))
		for intent, next := range row {
			copied[intent] = next
		}
		defs = append(defs, models.StateDefinition{
			Name:        state,
			Transitions: copied,
			Prompt:      prompts[string(state)],
		})
	}
	return defs
}
