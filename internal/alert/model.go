package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "PUSH"
)

// Channels lists every supported channel in routing order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

// ParseChannel normalises a channel name.
func ParseChannel(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	switch ch {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return ch, nil
	}
	return "", fmt.Errorf("unknown alert channel %q", s)
}

// ProductKind distinguishes deposits from savings products.
type ProductKind string

const (
	KindDeposit ProductKind = "DEPOSIT"
	KindSavings ProductKind = "SAVINGS"
)

// Trigger explains why an event was enqueued.
type Trigger string

const (
	TriggerMatch        Trigger = "match"
	TriggerRateImproved Trigger = "rate_improved"
)

// Status is the delivery state of a queued event.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSent            Status = "SENT"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
)

// InterestMethod is how interest compounds on a rate option.
type InterestMethod string

const (
	MethodSimple   InterestMethod = "SIMPLE"
	MethodCompound InterestMethod = "COMPOUND"
)

// ReserveType applies to savings products only.
type ReserveType string

const (
	ReserveNone     ReserveType = ""
	ReserveFixed    ReserveType = "FIXED"
	ReserveFlexible ReserveType = "FLEXIBLE"
)

// Setting is a user's stored alert criteria. Zero values mean "not set".
type Setting struct {
	ID      int64
	UserID  int64
	Channel Channel
	Active  bool

	Deposit bool
	Savings bool

	MinRate decimal.Decimal

	SimpleInterest   bool
	CompoundInterest bool

	MaxTermMonths int

	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal

	FixedReserve    bool
	FlexibleReserve bool
}

// RateOption is one term/method combination offered by a product.
type RateOption struct {
	TermMonths int
	Method     InterestMethod
	Reserve    ReserveType
	BaseRate   decimal.Decimal
	BestRate   decimal.Decimal
}

// ProductSnapshot is a read-only view of a product's current rates.
type ProductSnapshot struct {
	Kind      ProductKind
	Code      string
	Name      string
	Company   string
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	Options   []RateOption
	// Version is the time the snapshot's rates last changed; zero when unknown.
	Version time.Time
}

// Event is a queued, deduplicated notification.
type Event struct {
	ID            int64
	SettingID     int64
	Trigger       Trigger
	Kind          ProductKind
	ProductCode   string
	ProductName   string
	Rate          decimal.Decimal
	Version       time.Time
	DedupKey      string
	Status        Status
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	Attempts      int
}

// Message is composed per dispatch attempt and never persisted.
type Message struct {
	To      string
	Subject string
	Body    string
}
