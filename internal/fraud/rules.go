package fraud

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Rules holds the lookup tables the engine evaluates against. They are data,
// loaded at startup, so they can change without touching the decision logic.
type Rules struct {
	KnownBadCounterparties []string          `json:"knownBadCounterparties"`
	HighRiskMCC            []string          `json:"highRiskMcc"`
	MCCCategories          map[string]string `json:"mccCategories"`
	NightStartHour         int               `json:"nightStartHour"`
	NightEndHour           int               `json:"nightEndHour"`
	NightSkewThreshold     float64           `json:"nightSkewThreshold"`

	bad      map[string]struct{}
	highRisk map[string]struct{}
}

const rulesSchema = `{
  "type": "object",
  "properties": {
    "knownBadCounterparties": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "highRiskMcc": {"type": "array", "items": {"type": "string", "pattern": "^[0-9]{4}$"}},
    "mccCategories": {
      "type": "object",
      "propertyNames": {"pattern": "^[0-9]{4}$"},
      "additionalProperties": {"type": "string"}
    },
    "nightStartHour": {"type": "integer", "minimum": 0, "maximum": 23},
    "nightEndHour": {"type": "integer", "minimum": 0, "maximum": 23},
    "nightSkewThreshold": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "additionalProperties": false
}`

// DefaultRules returns the built-in tables used when no rules file is configured.
func DefaultRules() *Rules {
	r := &Rules{
		HighRiskMCC: []string{"4829", "6051", "6211", "7273", "7995", "5967"},
		MCCCategories: map[string]string{
			"4829": "money_transfer",
			"5411": "groceries",
			"5541": "fuel",
			"5812": "restaurants",
			"5967": "direct_marketing",
			"6051": "quasi_cash",
			"6211": "securities",
			"7273": "dating",
			"7995": "gambling",
		},
		NightStartHour:     22,
		NightEndHour:       6,
		NightSkewThreshold: 0.3,
	}
	r.index()
	return r
}

// LoadRules reads and validates a JSON rules file. Missing fields keep their
// defaults.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(raw)
}

// ParseRules validates raw against the rules schema and decodes it.
func ParseRules(raw []byte) (*Rules, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(rulesSchema), gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate rules: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid rules: %s", strings.Join(msgs, "; "))
	}

	r := DefaultRules()
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	r.index()
	return r, nil
}

func (r *Rules) index() {
	r.bad = make(map[string]struct{}, len(r.KnownBadCounterparties))
	for _, c := range r.KnownBadCounterparties {
		r.bad[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	r.highRisk = make(map[string]struct{}, len(r.HighRiskMCC))
	for _, m := range r.HighRiskMCC {
		r.highRisk[m] = struct{}{}
	}
}

// IsKnownBad reports whether the counterparty is on the deny list.
func (r *Rules) IsKnownBad(counterparty string) bool {
	if counterparty == "" {
		return false
	}
	_, ok := r.bad[strings.ToLower(strings.TrimSpace(counterparty))]
	return ok
}

// IsHighRiskMCC reports whether the merchant category earns no cashback.
func (r *Rules) IsHighRiskMCC(mcc string) bool {
	_, ok := r.highRisk[mcc]
	return ok
}

// Category returns the descriptive category for an MCC, or "other".
func (r *Rules) Category(mcc string) string {
	if c, ok := r.MCCCategories[mcc]; ok {
		return c
	}
	return "other"
}

// IsNight reports whether hour falls outside the daytime window.
func (r *Rules) IsNight(hour int) bool {
	if r.NightStartHour > r.NightEndHour {
		return hour >= r.NightStartHour || hour < r.NightEndHour
	}
	return hour >= r.NightStartHour && hour < r.NightEndHour
}
