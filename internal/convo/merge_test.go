package convo

import (
	"math"
	"testing"

	"github.com/Harsh-Naicker/whatsapp-loan-agent/internal/models"
)

func TestParseCurrencyAmount(t *testing.T) {
	tests := []struct {
		input string
		want  float64
	}{
		{"80 lakhs", 8000000},
		{"1.5 crores", 15000000},
		{"75 lac", 7500000},
		{"5 cr", 50000000},
		{"500k", 500000},
		{"2 thousand", 2000},
		{"1234567", 1234567},
		{"Rs 50 Lakh", 5000000},
		{"no number here", 0},
		{"", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseCurrencyAmount(tt.input); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ParseCurrencyAmount(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestToAmount(t *testing.T) {
	if got := ToAmount(float64(5000000)); got != 5000000 {
		t.Errorf("numeric passthrough: got %v", got)
	}
	if got := ToAmount("50 lakhs"); got != 5000000 {
		t.Errorf("string conversion: got %v", got)
	}
	if got := ToAmount(nil); got != 0 {
		t.Errorf("nil: got %v", got)
	}
}

func TestMergerRoutesFields(t *testing.T) {
	merger := NewMerger()
	customer := &models.Customer{ConversationState: models.StateQualifying}

	merger.Apply(customer, map[string]any{
		"property_type":      "apartment",
		"property_location":  "Mumbai",
		"property_value":     "1.2 crores",
		"ownership_status":   "sole owner",
		"loan_amount_needed": float64(5000000),
		"loan_purpose":       "business expansion",
		"monthly_income":     "150000",
		"urgency":            "high",
		"name":               "Priya",
		"concerns":           []any{"interest rate", "processing time"},
		"tenure_preference":  "10 years",
	}, models.IntentInterested, models.StatePropertyDetails)

	if customer.PropertyDetails.PropertyType != "apartment" {
		t.Errorf("property_type: got %q", customer.PropertyDetails.PropertyType)
	}
	if customer.PropertyDetails.PropertyValue != 12000000 {
		t.Errorf("property_value: got %v", customer.PropertyDetails.PropertyValue)
	}
	if customer.LoanRequirements.LoanAmountNeeded != 5000000 {
		t.Errorf("loan_amount_needed: got %v", customer.LoanRequirements.LoanAmountNeeded)
	}
	if customer.Name != "Priya" {
		t.Errorf("name: got %q", customer.Name)
	}
	if len(customer.LoanRequirements.Concerns) != 2 {
		t.Errorf("concerns: got %v", customer.LoanRequirements.Concerns)
	}
	if customer.LoanRequirements.Extra["tenure_preference"] != "10 years" {
		t.Errorf("unrouted key should land in Extra, got %v", customer.LoanRequirements.Extra)
	}
	if customer.ConversationState != models.StatePropertyDetails {
		t.Errorf("state: got %s", customer.ConversationState)
	}
}

func TestMergerDoesNotOverwriteName(t *testing.T) {
	merger := NewMerger()
	customer := &models.Customer{Name: "Rahul"}
	merger.Apply(customer, map[string]any{"name": "Someone Else"}, models.IntentInterested, models.StateQualifying)
	if customer.Name != "Rahul" {
		t.Errorf("existing name should be kept, got %q", customer.Name)
	}
}

func TestMergerInterestLevel(t *testing.T) {
	merger := NewMerger()
	tests := []struct {
		name   string
		start  float64
		intent models.Intent
		want   float64
	}{
		{"interested gains", 0.5, models.IntentInterested, 0.7},
		{"interested caps at 1.0", 0.9, models.IntentInterested, 1.0},
		{"needs info gains", 0.5, models.IntentNeedsMoreInfo, 0.6},
		{"needs info caps at 0.8", 0.8, models.IntentNeedsMoreInfo, 0.8},
		{"objection drops", 0.5, models.IntentObjection, 0.4},
		{"objection floors at 0.1", 0.1, models.IntentObjection, 0.1},
		{"not interested drops hard", 0.5, models.IntentNotInterested, 0.2},
		{"not interested floors at 0.0", 0.2, models.IntentNotInterested, 0.0},
		{"question leaves level alone", 0.5, models.IntentAskingQuestion, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			customer := &models.Customer{InterestLevel: tt.start}
			merger.Apply(customer, nil, tt.intent, models.StateQualifying)
			if math.Abs(customer.InterestLevel-tt.want) > 1e-9 {
				t.Errorf("interest level: got %v, want %v", customer.InterestLevel, tt.want)
			}
		})
	}
}

func TestMergerDoNotContactIsOneWay(t *testing.T) {
	merger := NewMerger()
	customer := &models.Customer{}

	merger.Apply(customer, map[string]any{"do_not_contact": true}, models.IntentNotInterested, models.StateNotInterested)
	if !customer.DoNotContact {
		t.Fatal("expected do_not_contact to be set")
	}

	merger.Apply(customer, map[string]any{"do_not_contact": false}, models.IntentInterested, models.StateIntroduction)
	if !customer.DoNotContact {
		t.Error("do_not_contact must never be cleared by a merge")
	}
}

func TestMergerSkipsEmptyValues(t *testing.T) {
	merger := NewMerger()
	customer := &models.Customer{PropertyDetails: models.PropertyDetails{PropertyType: "villa"}}
	merger.Apply(customer, map[string]any{
		"property_type": "",
		"loan_purpose":  nil,
		"concerns":      []any{},
	}, models.IntentAskingQuestion, models.StateQualifying)
	if customer.PropertyDetails.PropertyType != "villa" {
		t.Errorf("empty value should not overwrite, got %q", customer.PropertyDetails.PropertyType)
	}
	if len(customer.LoanRequirements.Concerns) != 0 {
		t.Errorf("empty concerns should be skipped, got %v", customer.LoanRequirements.Concerns)
	}
}
