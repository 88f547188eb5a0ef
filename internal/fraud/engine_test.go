package fraud

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/spendguard/internal/account"
	"github.com/congo-pay/spendguard/internal/ledger"
	"github.com/congo-pay/spendguard/internal/logging"
)

// noon keeps the unusual-hour rule out of the way unless a test wants it.
var noon = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func seedHistory(l ledger.Ledger, n int, amount int64, counterparty string) {
	for i := 0; i < n; i++ {
		ledger.Seed(l, ledger.Transaction{
			AccountID:    "acct",
			InstrumentID: "card-hist",
			Amount:       decimal.NewFromInt(amount),
			Counterparty: counterparty,
			Status:       ledger.StatusCompleted,
			CreatedAt:    noon.Add(-time.Duration(i+1) * 24 * time.Hour),
		})
	}
}

func newEngine(rules *Rules) (*Engine, ledger.Ledger) {
	l := ledger.NewInMemory(account.NewMemoryRepository())
	return NewEngine(l, rules, logging.Discard()), l
}

func TestScoreRules(t *testing.T) {
	rules, err := ParseRules([]byte(`{"knownBadCounterparties": ["0xBAD"]}`))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}

	tests := []struct {
		name        string
		amount      int64
		party       string
		at          time.Time
		wantScore   int
		wantLevel   string
		suspicious  bool
		wantReasons []string
	}{
		{name: "ordinary", amount: 20, party: "shop", at: noon, wantScore: 0, wantLevel: LevelLow},
		{name: "3x to new recipient", amount: 40, party: "stranger", at: noon, wantScore: 25, wantLevel: LevelMedium, wantReasons: []string{ReasonNewRecipient}},
		{name: "10x to common recipient", amount: 100, party: "shop", at: noon, wantScore: 30, wantLevel: LevelHigh, suspicious: true, wantReasons: []string{ReasonAmountSpike}},
		{name: "10x to new recipient", amount: 100, party: "stranger", at: noon, wantScore: 55, wantLevel: LevelCritical, suspicious: true, wantReasons: []string{ReasonAmountSpike, ReasonNewRecipient}},
		{name: "known bad", amount: 5, party: "0xbad", at: noon, wantScore: 50, wantLevel: LevelCritical, suspicious: true, wantReasons: []string{ReasonKnownBad}},
		{name: "night", amount: 5, party: "shop", at: noon.Add(11 * time.Hour), wantScore: 10, wantLevel: LevelLow, wantReasons: []string{ReasonUnusualHour}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine, l := newEngine(rules)
			seedHistory(l, 5, 10, "shop")

			v, err := engine.Score(context.Background(), Input{
				AccountID:    "acct",
				InstrumentID: "card-new",
				Amount:       decimal.NewFromInt(tc.amount),
				Counterparty: tc.party,
				At:           tc.at,
			})
			if err != nil {
				t.Fatalf("score: %v", err)
			}
			if v.RiskScore != tc.wantScore || v.Level != tc.wantLevel || v.IsSuspicious != tc.suspicious {
				t.Fatalf("got score=%d level=%s suspicious=%v reasons=%v", v.RiskScore, v.Level, v.IsSuspicious, v.Reasons)
			}
			if len(v.Reasons) != len(tc.wantReasons) {
				t.Fatalf("expected reasons %v, got %v", tc.wantReasons, v.Reasons)
			}
			for i := range tc.wantReasons {
				if v.Reasons[i] != tc.wantReasons[i] {
					t.Fatalf("expected reasons %v, got %v", tc.wantReasons, v.Reasons)
				}
			}
		})
	}
}

func TestScoreVelocityContribution(t *testing.T) {
	engine, l := newEngine(nil)
	for i := 0; i < 6; i++ {
		ledger.Seed(l, ledger.Transaction{AccountID: "other", InstrumentID: "card-v", Amount: decimal.NewFromInt(1), Status: ledger.StatusCompleted, CreatedAt: noon.Add(-time.Duration(i+1) * time.Minute)})
	}
	v, err := engine.Score(context.Background(), Input{AccountID: "acct", InstrumentID: "card-v", Amount: decimal.NewFromInt(1), At: noon})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if v.RiskScore != 20 || v.Level != LevelMedium {
		t.Fatalf("expected velocity score 20, got %d (%v)", v.RiskScore, v.Reasons)
	}
}

func TestNightSkewedHistorySuppressesHourRule(t *testing.T) {
	engine, l := newEngine(nil)
	for i := 0; i < 4; i++ {
		ledger.Seed(l, ledger.Transaction{AccountID: "acct", InstrumentID: "c", Amount: decimal.NewFromInt(10), Status: ledger.StatusCompleted, CreatedAt: time.Date(2026, 5, i+1, 23, 30, 0, 0, time.UTC)})
	}
	v, err := engine.Score(context.Background(), Input{AccountID: "acct", InstrumentID: "c", Amount: decimal.NewFromInt(10), At: time.Date(2026, 5, 10, 2, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if v.RiskScore != 0 {
		t.Fatalf("night-skewed account should not score the hour rule, got %v", v.Reasons)
	}
}

func TestScoreUsesAccountTimezone(t *testing.T) {
	engine, _ := newEngine(nil)
	tokyo := time.FixedZone("JST", 9*3600)
	// 15:00 UTC is midnight in Tokyo.
	v, err := engine.Score(context.Background(), Input{AccountID: "acct", InstrumentID: "c", Amount: decimal.NewFromInt(1), At: time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC), Timezone: tokyo})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if v.RiskScore != 10 {
		t.Fatalf("expected unusual hour in account timezone, got %d", v.RiskScore)
	}
}

func TestCheckGeo(t *testing.T) {
	engine, l := newEngine(nil)
	ledger.Seed(l, ledger.Transaction{InstrumentID: "card-g", Amount: decimal.NewFromInt(5), Status: ledger.StatusCompleted, Location: &ledger.Location{Lat: 37.7749, Lon: -122.4194}, CreatedAt: noon.Add(-20 * time.Minute)})

	res, err := engine.CheckGeo(context.Background(), "card-g", &ledger.Location{Lat: 34.0522, Lon: -118.2437}, noon)
	if err != nil {
		t.Fatalf("check geo: %v", err)
	}
	if !res.IsAnomaly {
		t.Fatalf("expected anomaly at %.0f km", res.DistanceKm)
	}

	stale, err := engine.CheckGeo(context.Background(), "card-g", &ledger.Location{Lat: 34.0522, Lon: -118.2437}, noon.Add(2*time.Hour))
	if err != nil || stale.IsAnomaly {
		t.Fatalf("locations older than an hour must not flag: %+v %v", stale, err)
	}
}

func TestHaversineKm(t *testing.T) {
	d := HaversineKm(37.7749, -122.4194, 34.0522, -118.2437)
	if math.Abs(d-559) > 5 {
		t.Fatalf("expected ~559 km, got %.1f", d)
	}
	if HaversineKm(1, 1, 1, 1) != 0 {
		t.Fatal("expected zero distance for identical points")
	}
}

func TestParseRulesRejectsInvalid(t *testing.T) {
	if _, err := ParseRules([]byte(`{"highRiskMcc": ["79"]}`)); err == nil {
		t.Fatal("expected schema violation for short MCC")
	}
	if _, err := ParseRules([]byte(`{"unknown": true}`)); err == nil {
		t.Fatal("expected schema violation for unknown field")
	}
	rules, err := ParseRules([]byte(`{"highRiskMcc": ["1234"]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !rules.IsHighRiskMCC("1234") || rules.IsHighRiskMCC("7995") {
		t.Fatal("configured list must replace the default list")
	}
	if rules.Category("5411") != "groceries" {
		t.Fatal("unset tables keep defaults")
	}
}
