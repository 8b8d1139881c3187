package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"savings-alerts/internal/alert"
)

// Show prints the most recently queued events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show events")
	}
	defer closeStore()

	events, err := store.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeEvents(os.Stdout, events)
}

func writeEvents(out io.Writer, events []alert.Event) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(out, "no events found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tCreated (UTC)\tSetting\tKind\tProduct\tRate%\tTrigger\tStatus\tAttempts\tLast Attempt")

	for _, ev := range events {
		lastAttempt := "-"
		if ev.LastAttemptAt != nil {
			lastAttempt = ev.LastAttemptAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			ev.ID,
			ev.CreatedAt.UTC().Format(time.RFC3339),
			ev.SettingID,
			ev.Kind,
			sanitizeInline(productLabel(ev)),
			ev.Rate.StringFixed(2),
			ev.Trigger,
			ev.Status,
			ev.Attempts,
			lastAttempt,
		)
	}

	return writer.Flush()
}

func productLabel(ev alert.Event) string {
	if ev.ProductName == "" {
		return ev.ProductCode
	}
	return ev.ProductName + " (" + ev.ProductCode + ")"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
