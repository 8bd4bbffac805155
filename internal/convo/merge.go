package convo

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

// Interest level adjustments per detected intent. Positive signals are
// capped so a long info-gathering exchange cannot look like a hot lead,
// and negative signals floor above zero except for explicit disinterest.
const (
	interestGainStrong = 0.2
	interestCapStrong  = 1.0
	interestGainMild   = 0.1
	interestCapMild    = 0.8
	interestLossMild   = 0.1
	interestFloorMild  = 0.1
	interestLossStrong = 0.3
	interestFloorHard  = 0.0
)

var numericPattern = regexp.MustCompile(`(\d+\.?\d*)`)

// propertyFields and loanFields route extraction keys into the structured
// profile sections. Unrouted keys land in the matching Extra map so no
// extracted signal is silently dropped.
var (
	propertyFields = map[string]bool{
		"property_type":     true,
		"property_location": true,
		"property_value":    true,
		"ownership_status":  true,
	}
	loanFields = map[string]bool{
		"loan_amount_needed": true,
		"loan_purpose":       true,
		"current_loans":      true,
		"monthly_income":     true,
		"urgency":            true,
	}
)

// Merger applies extraction output, intent and state decisions onto a
// Customer aggregate. It never touches storage; the caller persists the
// mutated customer under the per-customer lock.
type Merger struct{}

// NewMerger creates a profile merger.
func NewMerger() *Merger {
	return &Merger{}
}

// Apply merges extracted profile information into the customer, moves the
// conversation state and adjusts the interest level for the intent. The
// do_not_contact flag is one-way: once set it is never cleared here.
func (m *Merger) Apply(customer *models.Customer, extracted map[string]any, intent models.Intent, state models.ConversationState) {
	for key, value := range extracted {
		if isEmptyValue(value) {
			continue
		}
		switch {
		case propertyFields[key]:
			m.applyPropertyField(customer, key, value)
		case loanFields[key]:
			m.applyLoanField(customer, key, value)
		case key == "name":
			if customer.Name == "" {
				if name, ok := value.(string); ok {
					customer.Name = name
				}
			}
		case key == "concerns":
			customer.LoanRequirements.Concerns = appendConcerns(customer.LoanRequirements.Concerns, value)
		case key == "do_not_contact":
			if flag, ok := value.(bool); ok && flag {
				customer.DoNotContact = true
			}
		case strings.HasPrefix(key, "property"):
			if customer.PropertyDetails.Extra == nil {
				customer.PropertyDetails.Extra = make(map[string]any)
			}
			customer.PropertyDetails.Extra[key] = value
		default:
			if customer.LoanRequirements.Extra == nil {
				customer.LoanRequirements.Extra = make(map[string]any)
			}
			customer.LoanRequirements.Extra[key] = value
		}
	}

	customer.ConversationState = state
	m.adjustInterest(customer, intent)
	customer.UpdatedAt = time.Now()

	slog.Debug("Merger applied extraction", "customer_id", customer.ID, "state", state,
		"intent", intent, "interest_level", customer.InterestLevel, "fields", len(extracted))
}

func (m *Merger) applyPropertyField(customer *models.Customer, key string, value any) {
	switch key {
	case "property_type":
		if s, ok := value.(string); ok {
			customer.PropertyDetails.PropertyType = s
		}
	case "property_location":
		if s, ok := value.(string); ok {
			customer.PropertyDetails.PropertyLocation = s
		}
	case "property_value":
		if amount := ToAmount(value); amount > 0 {
			customer.PropertyDetails.PropertyValue = amount
		}
	case "ownership_status":
		if s, ok := value.(string); ok {
			customer.PropertyDetails.OwnershipStatus = s
		}
	}
}

func (m *Merger) applyLoanField(customer *models.Customer, key string, value any) {
	switch key {
	case "loan_amount_needed":
		if amount := ToAmount(value); amount > 0 {
			customer.LoanRequirements.LoanAmountNeeded = amount
		}
	case "loan_purpose":
		if s, ok := value.(string); ok {
			customer.LoanRequirements.LoanPurpose = s
		}
	case "current_loans":
		customer.LoanRequirements.CurrentLoans = stringify(value)
	case "monthly_income":
		customer.LoanRequirements.MonthlyIncome = stringify(value)
	case "urgency":
		if s, ok := value.(string); ok {
			customer.LoanRequirements.Urgency = s
		}
	}
}

func (m *Merger) adjustInterest(customer *models.Customer, intent models.Intent) {
	switch intent {
	case models.IntentInterested:
		customer.InterestLevel = min(interestCapStrong, customer.InterestLevel+interestGainStrong)
	case models.IntentNeedsMoreInfo:
		customer.InterestLevel = min(interestCapMild, customer.InterestLevel+interestGainMild)
	case models.IntentObjection:
		customer.InterestLevel = max(interestFloorMild, customer.InterestLevel-interestLossMild)
	case models.IntentNotInterested:
		customer.InterestLevel = max(interestFloorHard, customer.InterestLevel-interestLossStrong)
	}
}

// ParseCurrencyAmount converts Indian currency expressions like "80 lakhs",
// "1.5 crores" or "500k" to rupees. Strings with no numeric portion yield 0.
// The lakh check runs before the bare "k" check because "lakh" contains one.
func ParseCurrencyAmount(value string) float64 {
	value = strings.ToLower(strings.TrimSpace(value))

	match := numericPattern.FindString(value)
	if match == "" {
		return 0
	}
	numeric, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}

	switch {
	case strings.Contains(value, "lakh") || strings.Contains(value, "lac"):
		return numeric * 100000
	case strings.Contains(value, "crore") || strings.Contains(value, "cr"):
		return numeric * 10000000
	case strings.Contains(value, "k") || strings.Contains(value, "thousand"):
		return numeric * 1000
	}
	return numeric
}

// ToAmount normalizes an extracted value to a rupee amount. Numeric JSON
// values pass through; strings go through the currency parser.
func ToAmount(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		return ParseCurrencyAmount(v)
	}
	return 0
}

func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	}
	return false
}

func appendConcerns(existing []string, value any) []string {
	switch v := value.(type) {
	case string:
		return append(existing, v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				existing = append(existing, s)
			}
		}
	case []string:
		return append(existing, v...)
	}
	return existing
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
