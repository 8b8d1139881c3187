package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDispatch(t *testing.T) {
	tests := []struct {
		channel string
		outcome string
	}{
		{"EMAIL", OutcomeSent},
		{"SMS", OutcomeFailed},
		{"PUSH", OutcomeRetry},
	}

	for _, tt := range tests {
		t.Run(tt.channel+"_"+tt.outcome, func(t *testing.T) {
			initial := testutil.ToFloat64(dispatchOutcomesTotal.WithLabelValues(tt.channel, tt.outcome))
			RecordDispatch(tt.channel, tt.outcome)
			after := testutil.ToFloat64(dispatchOutcomesTotal.WithLabelValues(tt.channel, tt.outcome))
			if after != initial+1 {
				t.Errorf("RecordDispatch() counter = %v, want %v", after, initial+1)
			}
		})
	}
}

func TestRecordSlot(t *testing.T) {
	initial := testutil.ToFloat64(slotRunsTotal.WithLabelValues("scan", SlotOK))
	RecordSlot("scan", SlotOK, 150*time.Millisecond)
	if got := testutil.ToFloat64(slotRunsTotal.WithLabelValues("scan", SlotOK)); got != initial+1 {
		t.Errorf("RecordSlot() counter = %v, want %v", got, initial+1)
	}
}

func TestRecordEnqueued(t *testing.T) {
	initial := testutil.ToFloat64(eventsEnqueuedTotal.WithLabelValues("DEPOSIT", "match"))
	RecordEnqueued("DEPOSIT", "match")
	if got := testutil.ToFloat64(eventsEnqueuedTotal.WithLabelValues("DEPOSIT", "match")); got != initial+1 {
		t.Errorf("RecordEnqueued() counter = %v, want %v", got, initial+1)
	}
}
