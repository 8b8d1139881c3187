package alert

import (
	"fmt"
	"html"
	"strings"
)

// MarketingTag prefixes every outbound subject; rate alerts are advertising
// messages and must be labelled as such.
const MarketingTag = "[AD]"

const (
	emailSubject = MarketingTag + " A savings product matches your rate alert"
	pushSubject  = "Rate alert"
)

// Compose builds the channel-specific message for an event addressed to the
// recipient resolved for that channel. It performs no I/O; an absent recipient
// is left empty for the sender to reject.
func Compose(ch Channel, ev Event, recipient string) (Message, error) {
	switch ch {
	case ChannelEmail:
		return Message{To: recipient, Subject: emailSubject, Body: emailBody(ev)}, nil
	case ChannelSMS:
		return Message{To: recipient, Body: smsBody(ev)}, nil
	case ChannelPush:
		return Message{To: recipient, Subject: pushSubject, Body: plainSummary(ev)}, nil
	}
	return Message{}, fmt.Errorf("compose: unknown channel %q", ch)
}

func emailBody(ev Event) string {
	var b strings.Builder
	b.WriteString("<html><body>\n")
	fmt.Fprintf(&b, "<h2>%s</h2>\n", html.EscapeString(headline(ev)))
	b.WriteString("<table>\n")
	fmt.Fprintf(&b, "<tr><th>Product</th><td>%s</td></tr>\n", html.EscapeString(productLabel(ev)))
	fmt.Fprintf(&b, "<tr><th>Product code</th><td>%s</td></tr>\n", html.EscapeString(ev.ProductCode))
	fmt.Fprintf(&b, "<tr><th>Type</th><td>%s</td></tr>\n", kindLabel(ev.Kind))
	fmt.Fprintf(&b, "<tr><th>Best rate</th><td>%s%%</td></tr>\n", ev.Rate.StringFixed(2))
	b.WriteString("</table>\n")
	b.WriteString("<p>You are receiving this because you saved a rate alert. Update or remove it in your alert settings.</p>\n")
	b.WriteString("</body></html>\n")
	return b.String()
}

func smsBody(ev Event) string {
	return fmt.Sprintf("%s %s %s%% (%s). Manage alerts in the app.", MarketingTag, productLabel(ev), ev.Rate.StringFixed(2), headline(ev))
}

func plainSummary(ev Event) string {
	return fmt.Sprintf("%s: %s %s at %s%%", headline(ev), kindLabel(ev.Kind), productLabel(ev), ev.Rate.StringFixed(2))
}

func headline(ev Event) string {
	if ev.Trigger == TriggerRateImproved {
		return "Rate improved"
	}
	return "New matching product"
}

func productLabel(ev Event) string {
	if ev.ProductName == "" {
		return ev.ProductCode
	}
	return ev.ProductName + " (" + ev.ProductCode + ")"
}

func kindLabel(kind ProductKind) string {
	if kind == KindSavings {
		return "Savings"
	}
	return "Deposit"
}
