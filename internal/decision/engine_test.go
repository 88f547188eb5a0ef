package decision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/spendguard/internal/account"
	"github.com/congo-pay/spendguard/internal/fraud"
	"github.com/congo-pay/spendguard/internal/ledger"
	"github.com/congo-pay/spendguard/internal/limits"
	"github.com/congo-pay/spendguard/internal/logging"
	"github.com/congo-pay/spendguard/internal/notification"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notification.Message
}

func (r *recordingNotifier) Notify(accountID string, m notification.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.AccountID = accountID
	r.msgs = append(r.msgs, m)
	return true
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Kind)
	}
	return out
}

type fixture struct {
	repo     account.Repository
	accounts *account.Service
	ledger   ledger.Ledger
	alerts   fraud.AlertStore
	notes    *recordingNotifier
	engine   *Engine
	acct     account.Account
}

type fixtureConfig struct {
	rules    *fraud.Rules
	velocity int
	wrap     func(ledger.Ledger) ledger.Ledger
	opts     []Option
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	repo := account.NewMemoryRepository()
	l := ledger.NewInMemory(repo)
	reads := l
	if cfg.wrap != nil {
		reads = cfg.wrap(l)
	}
	velocity := cfg.velocity
	if velocity == 0 {
		velocity = 5
	}
	logger := logging.Discard()
	agg := limits.NewAggregator(reads, decimal.NewFromInt(1000), logger,
		limits.WithClock(func() time.Time { return testNow }),
		limits.WithVelocity(velocity, 10*time.Minute),
	)
	alerts := fraud.NewMemoryAlertStore()
	notes := &recordingNotifier{}
	opts := append([]Option{WithNotifier(notes)}, cfg.opts...)
	engine := NewEngine(repo, reads, agg, fraud.NewEngine(reads, cfg.rules, logger), alerts, logger, opts...)

	svc := account.NewService(repo)
	acct, err := svc.Open(context.Background(), account.OpenInput{})
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	return &fixture{repo: repo, accounts: svc, ledger: l, alerts: alerts, notes: notes, engine: engine, acct: acct}
}

func (f *fixture) issue(t *testing.T, in account.IssueCardInput) account.Card {
	t.Helper()
	in.AccountID = f.acct.ID
	card, err := f.accounts.IssueCard(context.Background(), in)
	if err != nil {
		t.Fatalf("issue card: %v", err)
	}
	return card
}

func (f *fixture) seed(card account.Card, amount int64, merchant, status string, ago time.Duration, loc *ledger.Location) {
	ledger.Seed(f.ledger, ledger.Transaction{
		AccountID:    card.AccountID,
		InstrumentID: card.ID,
		Kind:         ledger.KindCard,
		Amount:       decimal.NewFromInt(amount),
		Counterparty: merchant,
		Status:       status,
		Location:     loc,
		CreatedAt:    testNow.Add(-ago),
	})
}

func spend(cardID string, amount int64) AuthorizeRequest {
	return AuthorizeRequest{
		InstrumentID:    cardID,
		Amount:          decimal.NewFromInt(amount),
		Currency:        "usd",
		Merchant:        "Cafe",
		MerchantCountry: "us",
		MCC:             "5812",
	}
}

func mustDecide(t *testing.T, e *Engine, req AuthorizeRequest) Decision {
	t.Helper()
	d, err := e.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	return d
}

func TestAuthorizeApprovesAndRecords(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	card := f.issue(t, account.IssueCardInput{})

	d := mustDecide(t, f.engine, spend(card.ID, 20))
	if !d.Approved || d.TransactionID == "" {
		t.Fatalf("expected approval, got %+v", d)
	}
	if !d.CashbackAmount.Equal(decimal.RequireFromString("0.40")) {
		t.Fatalf("expected 0.40 cashback, got %s", d.CashbackAmount)
	}

	tx, err := f.ledger.Get(context.Background(), d.TransactionID)
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if tx.Status != ledger.StatusCompleted || tx.Kind != ledger.KindCard || tx.Country != "US" || tx.Currency != "USD" {
		t.Fatalf("unexpected ledger row: %+v", tx)
	}
	updated, _ := f.repo.Card(context.Background(), card.ID)
	if !updated.TotalSpent.Equal(decimal.NewFromInt(20)) || !updated.MonthlySpent.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected counters to be incremented, got %s/%s", updated.TotalSpent, updated.MonthlySpent)
	}
	if kinds := f.notes.kinds(); len(kinds) != 1 || kinds[0] != notification.KindCardApproved {
		t.Fatalf("expected approval notification, got %v", kinds)
	}
}

func TestAuthorizeNotifiesOutcomeWithCategory(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	card := f.issue(t, account.IssueCardInput{Limits: account.Limits{DailyLimit: decimal.NewFromInt(30)}})

	if d := mustDecide(t, f.engine, spend(card.ID, 20)); !d.Approved {
		t.Fatalf("expected approval, got %+v", d)
	}
	req := spend(card.ID, 20)
	req.MCC = "9999"
	if d := mustDecide(t, f.engine, req); d.ReasonCode != ReasonDailyLimit {
		t.Fatalf("expected DAILY_LIMIT_EXCEEDED, got %+v", d)
	}
	if d := mustDecide(t, f.engine, spend("missing", 5)); d.ReasonCode != ReasonCardNotFound {
		t.Fatalf("expected CARD_NOT_FOUND, got %+v", d)
	}

	f.notes.mu.Lock()
	msgs := append([]notification.Message(nil), f.notes.msgs...)
	f.notes.mu.Unlock()
	if len(msgs) != 2 {
		t.Fatalf("expected approval and decline notifications only, got %+v", msgs)
	}
	if msgs[0].Kind != notification.KindCardApproved || msgs[0].Data["category"] != "restaurants" {
		t.Fatalf("unexpected approval notification: %+v", msgs[0])
	}
	declined := msgs[1]
	if declined.Kind != notification.KindCardDeclined || declined.AccountID != f.acct.ID {
		t.Fatalf("unexpected decline notification: %+v", declined)
	}
	if declined.Data["reasonCode"] != ReasonDailyLimit || declined.Data["category"] != "other" {
		t.Fatalf("unexpected decline data: %+v", declined.Data)
	}
}

func TestAuthorizeDailyLimitCountsPending(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	card := f.issue(t, account.IssueCardInput{Limits: account.Limits{DailyLimit: decimal.NewFromInt(1000)}})
	f.seed(card, 950, "", ledger.StatusPending, time.Hour, nil)

	d := mustDecide(t, f.engine, spend(card.ID, 100))
	if d.Approved || d.ReasonCode != ReasonDailyLimit {
		t.Fatalf("expected DAILY_LIMIT_EXCEEDED, got %+v", d)
	}

	if d := mustDecide(t, f.engine, spend(card.ID, 50)); !d.Approved {
		t.Fatalf("expected 950+50 to fit exactly, got %+v", d)
	}
}

func TestAuthorizeVelocityCap(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	card := f.issue(t, account.IssueCardInput{})
	for i := 0; i < 5; i++ {
		f.seed(card, 10, "Cafe", ledger.StatusCompleted, time.Duration(i+1)*time.Minute+30*time.Second, nil)
	}

	d := mustDecide(t, f.engine, spend(card.ID, 1))
	if d.Approved || d.ReasonCode != ReasonVelocity {
		t.Fatalf("expected VELOCITY_EXCEEDED, got %+v", d)
	}
}

func TestAuthorizeGeoAnomalyFlagsWithoutBlocking(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	card := f.issue(t, account.IssueCardInput{})
	f.seed(card, 10, "Cafe", ledger.StatusCompleted, 20*time.Minute, &ledger.Location{Lat: 37.7749, Lon: -122.4194})

	req := spend(card.ID, 10)
	req.Geo = &ledger.Location{Lat: 34.0522, Lon: -118.2437}
	d := mustDecide(t, f.engine, req)
	if !d.Approved || !d.IsAnomaly {
		t.Fatalf("expected approved anomaly, got %+v", d)
	}

	alerts, _ := f.alerts.ListByAccount(context.Background(), f.acct.ID, 10)
	if len(alerts) != 1 || !alerts[0].Anomaly || alerts[0].TransactionID != d.TransactionID {
		t.Fatalf("expected one anomaly alert for the transaction, got %+v", alerts)
	}
	tx, _ := f.ledger.Get(context.Background(), d.TransactionID)
	if !tx.Flagged {
		t.Fatal("expected the ledger row to be flagged")
	}
}

func TestAuthorizeDisposableCard(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	card := f.issue(t, account.IssueCardInput{Disposable: true})

	if d := mustDecide(t, f.engine, spend(card.ID, 10)); !d.Approved {
		t.Fatalf("first swipe should approve, got %+v", d)
	}
	d := mustDecide(t, f.engine, spend(card.ID, 10))
	if d.Approved || d.ReasonCode != ReasonDisposableUsed {
		t.Fatalf("expected DISPOSABLE_CARD_USED, got %+v", d)
	}
	updated, _ := f.repo.Card(context.Background(), card.ID)
	if updated.Status != account.CardCancelled {
		t.Fatalf("expected card to be cancelled, got %s", updated.Status)
	}
	if d := mustDecide(t, f.engine, spend(card.ID, 10)); d.ReasonCode != ReasonCardInactive {
		t.Fatalf("expected CARD_INACTIVE after cancellation, got %+v", d)
	}
}

func TestAuthorizeDeclinePrecedence(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	card := f.issue(t, account.IssueCardInput{
		Limits:   account.Limits{SpendingLimit: decimal.NewFromInt(50)},
		Restrict: account.Restrictions{BlockedCountries: []string{"ru"}},
	})

	req := spend(card.ID, 100)
	req.MerchantCountry = "RU"
	for i := 0; i < 3; i++ {
		if d := mustDecide(t, f.engine, req); d.ReasonCode != ReasonCountryBlocked {
			t.Fatalf("expected COUNTRY_BLOCKED to win, got %+v", d)
		}
	}

	req.MerchantCountry = "US"
	if d := mustDecide(t, f.engine, req); d.ReasonCode != ReasonSpendingLimit {
		t.Fatalf("expected SPENDING_LIMIT_EXCEEDED, got %+v", d)
	}
}

func TestCheckRestrictions(t *testing.T) {
	tests := []struct {
		name    string
		r       account.Restrictions
		mcc     string
		country string
		want    string
	}{
		{name: "unrestricted", mcc: "5812", country: "US"},
		{name: "blocked mcc", r: account.Restrictions{BlockedMCC: []string{"7995"}}, mcc: "7995", country: "US", want: ReasonMCCBlocked},
		{name: "block wins over allow", r: account.Restrictions{AllowedMCC: []string{"7995"}, BlockedMCC: []string{"7995"}}, mcc: "7995", country: "US", want: ReasonMCCBlocked},
		{name: "mcc not allowed", r: account.Restrictions{AllowedMCC: []string{"5411"}}, mcc: "5812", country: "US", want: ReasonMCCNotAllowed},
		{name: "country blocked", r: account.Restrictions{BlockedCountries: []string{"KP"}}, mcc: "5812", country: "kp", want: ReasonCountryBlocked},
		{name: "country not allowed", r: account.Restrictions{AllowedCountries: []string{"FR"}}, mcc: "5812", country: "US", want: ReasonCountryNotAllowed},
		{name: "mcc checked before country", r: account.Restrictions{BlockedMCC: []string{"5812"}, BlockedCountries: []string{"US"}}, mcc: "5812", country: "US", want: ReasonMCCBlocked},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := checkRestrictions(tc.r, tc.mcc, tc.country); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAuthorizeFraudDeclineAndReviewOnly(t *testing.T) {
	rules, err := fraud.ParseRules([]byte(`{"knownBadCounterparties": ["Shady LLC"]}`))
	if err != nil {
		t.Fatalf("rules: %v", err)
	}

	f := newFixture(t, fixtureConfig{rules: rules})
	card := f.issue(t, account.IssueCardInput{})
	req := spend(card.ID, 10)
	req.Merchant = "shady llc"
	d := mustDecide(t, f.engine, req)
	if d.Approved || d.ReasonCode != ReasonFraudDetected || d.RiskLevel != fraud.LevelCritical {
		t.Fatalf("expected FRAUD_DETECTED, got %+v", d)
	}
	alerts, _ := f.alerts.ListByAccount(context.Background(), f.acct.ID, 10)
	if len(alerts) != 1 || alerts[0].TransactionID == "" {
		t.Fatalf("expected an alert for the attempt, got %+v", alerts)
	}

	review := newFixture(t, fixtureConfig{rules: rules, opts: []Option{WithReviewOnly(true)}})
	card = review.issue(t, account.IssueCardInput{})
	req.InstrumentID = card.ID
	d = mustDecide(t, review.engine, req)
	if !d.Approved || !d.FlaggedReview {
		t.Fatalf("expected flagged approval in review-only mode, got %+v", d)
	}
}

func TestAuthorizeInstrumentChecks(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	if d := mustDecide(t, f.engine, spend("missing", 10)); d.ReasonCode != ReasonCardNotFound {
		t.Fatalf("expected CARD_NOT_FOUND, got %+v", d)
	}

	card := f.issue(t, account.IssueCardInput{})
	if _, err := f.accounts.Freeze(context.Background(), f.acct.ID, card.ID); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if d := mustDecide(t, f.engine, spend(card.ID, 10)); d.ReasonCode != ReasonCardInactive {
		t.Fatalf("expected CARD_INACTIVE, got %+v", d)
	}
}

func TestAuthorizeFundsAndCashback(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	w, err := f.accounts.LinkWallet(ctx, account.LinkWalletInput{AccountID: f.acct.ID, Chain: "ethereum", Address: "0xabc"})
	if err != nil {
		t.Fatalf("link wallet: %v", err)
	}
	if err := f.accounts.RefreshWalletBalance(ctx, w.ID, decimal.NewFromInt(25)); err != nil {
		t.Fatalf("refresh balance: %v", err)
	}
	card := f.issue(t, account.IssueCardInput{WalletID: w.ID})

	if d := mustDecide(t, f.engine, spend(card.ID, 30)); d.ReasonCode != ReasonInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %+v", d)
	}

	req := spend(card.ID, 10)
	req.MCC = "7995"
	d := mustDecide(t, f.engine, req)
	if !d.Approved || !d.CashbackAmount.IsZero() {
		t.Fatalf("expected approval with no cashback for high-risk MCC, got %+v", d)
	}
}

type failingLedger struct {
	ledger.Ledger
	fail atomic.Bool
}

func (l *failingLedger) SpentBetween(ctx context.Context, id string, from, to time.Time) (ledger.Totals, error) {
	if l.fail.Load() {
		return ledger.Totals{}, errors.New("connection refused")
	}
	return l.Ledger.SpentBetween(ctx, id, from, to)
}

func TestAuthorizeFailsClosed(t *testing.T) {
	var fl *failingLedger
	f := newFixture(t, fixtureConfig{wrap: func(l ledger.Ledger) ledger.Ledger {
		fl = &failingLedger{Ledger: l}
		return fl
	}})
	card := f.issue(t, account.IssueCardInput{})
	fl.fail.Store(true)

	d, err := f.engine.Authorize(context.Background(), spend(card.ID, 10))
	if err == nil {
		t.Fatal("expected infrastructure error")
	}
	if d.Approved || d.ReasonCode != ReasonSystemError {
		t.Fatalf("expected SYSTEM_ERROR decline, got %+v", d)
	}
	updated, _ := f.repo.Card(context.Background(), card.ID)
	if !updated.TotalSpent.IsZero() {
		t.Fatal("failed authorization must not touch counters")
	}
}

func TestAuthorizeConcurrentSpendsRespectDailyCap(t *testing.T) {
	f := newFixture(t, fixtureConfig{velocity: 1000})
	card := f.issue(t, account.IssueCardInput{Limits: account.Limits{DailyLimit: decimal.NewFromInt(1000)}})

	var approved atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.engine.Authorize(context.Background(), spend(card.ID, 100))
			if err != nil {
				t.Errorf("authorize: %v", err)
				return
			}
			if d.Approved {
				approved.Add(1)
			} else if d.ReasonCode != ReasonDailyLimit {
				t.Errorf("unexpected decline %s", d.ReasonCode)
			}
		}()
	}
	wg.Wait()

	if n := approved.Load(); n != 10 {
		t.Fatalf("expected exactly 10 approvals under a 1000 cap, got %d", n)
	}
	totals, _ := f.ledger.SpentBetween(context.Background(), card.ID, testNow.Add(-time.Hour), testNow.Add(time.Hour))
	if !totals.Sum().Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected 1000 spent, got %s", totals.Sum())
	}
}

func TestAuthenticity(t *testing.T) {
	verifier := NewHMACVerifier(map[string]string{"marqeta": "s3cret"})
	allow, err := NewIPAllowList([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("allow list: %v", err)
	}
	f := newFixture(t, fixtureConfig{opts: []Option{WithAuthenticity(verifier, allow)}})
	card := f.issue(t, account.IssueCardInput{})

	body := []byte(`{"instrumentId":"x"}`)
	req := spend(card.ID, 10)
	req.Credentials = Credentials{Provider: "marqeta", Signature: "deadbeef", RawBody: body, SourceIP: "10.1.2.3"}
	if d := mustDecide(t, f.engine, req); d.ReasonCode != ReasonUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %+v", d)
	}

	req.Credentials.Signature = verifier.Sign(body, "marqeta")
	req.Credentials.SourceIP = "192.168.1.1"
	if d := mustDecide(t, f.engine, req); d.ReasonCode != ReasonForbidden {
		t.Fatalf("expected FORBIDDEN, got %+v", d)
	}

	req.Credentials.SourceIP = "10.9.9.9"
	if d := mustDecide(t, f.engine, req); !d.Approved {
		t.Fatalf("expected approval, got %+v", d)
	}
}

func TestAuthorizeSend(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	w, err := f.accounts.LinkWallet(ctx, account.LinkWalletInput{AccountID: f.acct.ID, Chain: "ethereum", Address: "0xabc"})
	if err != nil {
		t.Fatalf("link wallet: %v", err)
	}
	_ = f.accounts.RefreshWalletBalance(ctx, w.ID, decimal.NewFromInt(500))

	d, err := f.engine.AuthorizeSend(ctx, SendRequest{AccountID: "intruder", WalletID: w.ID, Chain: "ethereum", AmountUSD: decimal.NewFromInt(10)})
	if err != nil || d.ReasonCode != ReasonForbidden {
		t.Fatalf("expected FORBIDDEN for foreign wallet, got %+v %v", d, err)
	}

	d, err = f.engine.AuthorizeSend(ctx, SendRequest{AccountID: f.acct.ID, WalletID: w.ID, Chain: "ethereum", AmountUSD: decimal.NewFromInt(600)})
	if err != nil || d.ReasonCode != ReasonInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %+v %v", d, err)
	}

	d, err = f.engine.AuthorizeSend(ctx, SendRequest{AccountID: f.acct.ID, WalletID: w.ID, Chain: "ethereum", AmountUSD: decimal.NewFromInt(100), Recipient: "0xdef"})
	if err != nil || !d.Approved {
		t.Fatalf("expected approval, got %+v %v", d, err)
	}
	if d.Transaction.Status != ledger.StatusPending || d.Transaction.Kind != ledger.KindOnChain || d.Transaction.Chain != "ethereum" {
		t.Fatalf("expected a pending on-chain reservation, got %+v", d.Transaction)
	}
}
