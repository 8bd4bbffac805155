// Package models defines the core data structures for the loan outreach agent.
package models

// ConversationState represents a customer's position in the sales funnel.
type ConversationState string

const (
	// StateInitial is the entry state for every new customer.
	StateInitial ConversationState = "initial"
	// StateIntroduction is the state after first contact is established.
	StateIntroduction ConversationState = "introduction"
	// StateQualifying covers basic eligibility questioning.
	StateQualifying ConversationState = "qualifying"
	// StatePropertyDetails covers collection of property information.
	StatePropertyDetails ConversationState = "property_details"
	// StateLoanDetails covers discussion of loan amounts and terms.
	StateLoanDetails ConversationState = "loan_details"
	// StateObjectionHandling is entered whenever the customer raises a concern.
	StateObjectionHandling ConversationState = "objection_handling"
	// StateClosing covers the move toward an application.
	StateClosing ConversationState = "closing"
	// StateFollowUpScheduling is entered when the customer defers the conversation.
	StateFollowUpScheduling ConversationState = "follow_up_scheduling"
	// StateCompleted is terminal: the customer agreed to proceed.
	StateCompleted ConversationState = "completed"
	// StateNotInterested is terminal except for a change-of-mind re-entry.
	StateNotInterested ConversationState = "not_interested"
)

// Intent represents the classified stance of a customer message.
type Intent string

const (
	IntentInterested     Intent = "interested"
	IntentNeedsMoreInfo  Intent = "needs_more_info"
	IntentObjection      Intent = "objection"
	IntentNotInterested  Intent = "not_interested"
	IntentAskingQuestion Intent = "asking_question"
	IntentFollowUpLater  Intent = "follow_up_later"
)

// AllStates lists every defined conversation state.
var AllStates = []ConversationState{
	StateInitial,
	StateIntroduction,
	StateQualifying,
	StatePropertyDetails,
	StateLoanDetails,
	StateObjectionHandling,
	StateClosing,
	StateFollowUpScheduling,
	StateCompleted,
	StateNotInterested,
}

// AllIntents lists every defined customer intent.
var AllIntents = []Intent{
	IntentInterested,
	IntentNeedsMoreInfo,
	IntentObjection,
	IntentNotInterested,
	IntentAskingQuestion,
	IntentFollowUpLater,
}

// IsValidState checks whether s is a member of the defined state set.
func IsValidState(s ConversationState) bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsValidIntent checks whether i is a member of the defined intent set.
func IsValidIntent(i Intent) bool {
	for _, known := range AllIntents {
		if i == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no ordinary outward transitions.
// StateNotInterested still allows the single change-of-mind re-entry edge.
func (s ConversationState) IsTerminal() bool {
	return s == StateCompleted || s == StateNotInterested
}
