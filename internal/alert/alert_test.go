package alert

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	version := time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)
	a := DeriveKey(1, TriggerMatch, KindDeposit, "WR0001B", version)
	b := DeriveKey(1, TriggerMatch, KindDeposit, "WR0001B", version)
	if a != b {
		t.Fatalf("same input produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}

	variants := []string{
		DeriveKey(2, TriggerMatch, KindDeposit, "WR0001B", version),
		DeriveKey(1, TriggerRateImproved, KindDeposit, "WR0001B", version),
		DeriveKey(1, TriggerMatch, KindSavings, "WR0001B", version),
		DeriveKey(1, TriggerMatch, KindDeposit, "WR0001C", version),
		DeriveKey(1, TriggerMatch, KindDeposit, "WR0001B", version.Add(time.Second)),
		DeriveKey(1, TriggerMatch, KindDeposit, "WR0001B", time.Time{}),
	}
	for i, v := range variants {
		if v == a {
			t.Fatalf("variant %d collided with base key", i)
		}
	}
}

func TestDeriveKeyTruncatesSubSecond(t *testing.T) {
	base := time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)
	a := DeriveKey(7, TriggerMatch, KindDeposit, "P1", base.Add(120*time.Millisecond))
	b := DeriveKey(7, TriggerMatch, KindDeposit, "P1", base.Add(980*time.Millisecond))
	if a != b {
		t.Fatal("sub-second differences must collapse into one key")
	}

	seoul := time.FixedZone("KST", 9*60*60)
	c := DeriveKey(7, TriggerMatch, KindDeposit, "P1", base.In(seoul))
	if c != DeriveKey(7, TriggerMatch, KindDeposit, "P1", base) {
		t.Fatal("the same instant in another zone must derive the same key")
	}
}

func TestEvaluate(t *testing.T) {
	deposit := ProductSnapshot{
		Kind: KindDeposit,
		Code: "D1",
		Options: []RateOption{
			{TermMonths: 6, Method: MethodSimple, BestRate: dec("3.5")},
			{TermMonths: 12, Method: MethodSimple, BestRate: dec("3.2")},
			{TermMonths: 24, Method: MethodCompound, BestRate: dec("4.0")},
		},
	}

	tests := []struct {
		name     string
		setting  Setting
		snapshot ProductSnapshot
		match    bool
		rate     string
	}{
		{
			name:     "best option within term",
			setting:  Setting{Deposit: true, MinRate: dec("3.0"), MaxTermMonths: 12},
			snapshot: deposit,
			match:    true,
			rate:     "3.5",
		},
		{
			name:     "rate below threshold",
			setting:  Setting{Deposit: true, MinRate: dec("4.5")},
			snapshot: deposit,
		},
		{
			name:     "wrong product kind",
			setting:  Setting{Savings: true},
			snapshot: deposit,
		},
		{
			name:     "all kind flags unset matches any kind",
			setting:  Setting{MinRate: dec("3.0")},
			snapshot: deposit,
			match:    true,
			rate:     "4.0",
		},
		{
			name:     "method filter",
			setting:  Setting{CompoundInterest: true},
			snapshot: deposit,
			match:    true,
			rate:     "4.0",
		},
		{
			name:     "method filter excludes everything within term",
			setting:  Setting{CompoundInterest: true, MaxTermMonths: 12},
			snapshot: deposit,
		},
		{
			name:    "setting minimum below product minimum",
			setting: Setting{MinAmount: dec("1000")},
			snapshot: ProductSnapshot{
				Kind:      KindDeposit,
				MinAmount: dec("5000"),
				Options:   []RateOption{{BestRate: dec("3")}},
			},
		},
		{
			name:    "setting bounds inside product range",
			setting: Setting{MinAmount: dec("10000"), MaxAmount: dec("500000")},
			snapshot: ProductSnapshot{
				Kind:      KindSavings,
				MinAmount: dec("1000"),
				MaxAmount: dec("1000000"),
				Options:   []RateOption{{Reserve: ReserveFixed, BestRate: dec("5")}},
			},
			match: true,
			rate:  "5",
		},
		{
			name:    "setting minimum above product maximum",
			setting: Setting{MinAmount: dec("10000000")},
			snapshot: ProductSnapshot{
				Kind:      KindDeposit,
				MaxAmount: dec("1000000"),
				Options:   []RateOption{{BestRate: dec("4")}},
			},
		},
		{
			name:    "setting maximum below product minimum",
			setting: Setting{MaxAmount: dec("500")},
			snapshot: ProductSnapshot{
				Kind:      KindDeposit,
				MinAmount: dec("1000"),
				Options:   []RateOption{{BestRate: dec("4")}},
			},
		},
		{
			name:    "setting maximum above product maximum",
			setting: Setting{MaxAmount: dec("2000000")},
			snapshot: ProductSnapshot{
				Kind:      KindDeposit,
				MaxAmount: dec("1000000"),
				Options:   []RateOption{{BestRate: dec("4")}},
			},
		},
		{
			name:    "reserve filter on savings",
			setting: Setting{FlexibleReserve: true},
			snapshot: ProductSnapshot{
				Kind:    KindSavings,
				Options: []RateOption{{Reserve: ReserveFixed, BestRate: dec("5")}},
			},
		},
		{
			name:     "reserve filter ignored for deposits",
			setting:  Setting{FixedReserve: true, MaxTermMonths: 6},
			snapshot: deposit,
			match:    true,
			rate:     "3.5",
		},
		{
			name:     "no options never matches",
			setting:  Setting{},
			snapshot: ProductSnapshot{Kind: KindDeposit},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, ok := Evaluate(tt.setting, tt.snapshot)
			if ok != tt.match {
				t.Fatalf("match = %v, want %v", ok, tt.match)
			}
			if ok && !opt.BestRate.Equal(dec(tt.rate)) {
				t.Fatalf("rate = %s, want %s", opt.BestRate, tt.rate)
			}
		})
	}
}

func TestCompose(t *testing.T) {
	ev := Event{Trigger: TriggerMatch, Kind: KindDeposit, ProductCode: "WR0001B", ProductName: "Super <Saver>", Rate: dec("3.2")}
	owner := "owner@example.com"

	email, err := Compose(ChannelEmail, ev, owner)
	if err != nil {
		t.Fatalf("compose email: %v", err)
	}
	if email.To != owner {
		t.Fatalf("email recipient = %q", email.To)
	}
	if !strings.Contains(email.Subject, MarketingTag) {
		t.Fatalf("subject must carry marketing tag: %q", email.Subject)
	}
	if !strings.Contains(email.Body, "WR0001B") || !strings.Contains(email.Body, "3.20%") {
		t.Fatalf("email body missing product details: %s", email.Body)
	}
	if strings.Contains(email.Body, "<Saver>") {
		t.Fatal("product name must be escaped in html body")
	}

	sms, err := Compose(ChannelSMS, ev, "")
	if err != nil {
		t.Fatalf("compose sms: %v", err)
	}
	if sms.To != "" {
		t.Fatalf("sms recipient should be empty without a phone, got %q", sms.To)
	}

	push, err := Compose(ChannelPush, ev, owner)
	if err != nil {
		t.Fatalf("compose push: %v", err)
	}
	if push.To != owner || push.Subject == "" {
		t.Fatalf("unexpected push message: %+v", push)
	}

	if _, err := Compose(Channel("FAX"), ev, owner); err == nil {
		t.Fatal("unknown channel must fail")
	}
}

func TestParseChannel(t *testing.T) {
	ch, err := ParseChannel(" sms ")
	if err != nil || ch != ChannelSMS {
		t.Fatalf("ParseChannel = %q, %v", ch, err)
	}
	if _, err := ParseChannel("pager"); err == nil {
		t.Fatal("unknown channel must fail")
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
