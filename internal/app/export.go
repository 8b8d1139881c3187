package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"savings-alerts/internal/alert"
	"savings-alerts/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// dailyRow is one day of queue activity pivoted by status.
type dailyRow struct {
	Day     time.Time
	Pending int64
	Sent    int64
	Failed  int64
}

// Export renders daily queue counts as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	counts, err := store.DailyStatusCounts(ctx, from, to)
	if err != nil {
		return err
	}
	rows := pivotCounts(counts)
	if len(rows) == 0 {
		a.Logger.Info().Msg("no events found for export window")
		return nil
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("days", len(rows)).Int("exported", len(downsampled)).Msg("exporting daily counts")

	if opts.CSVPath != "" {
		if err := writeCountsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeCountsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func pivotCounts(counts []storage.DailyCount) []dailyRow {
	byDay := make(map[time.Time]*dailyRow)
	for _, c := range counts {
		day := c.Day.UTC()
		row, ok := byDay[day]
		if !ok {
			row = &dailyRow{Day: day}
			byDay[day] = row
		}
		switch c.Status {
		case alert.StatusPending:
			row.Pending += c.Count
		case alert.StatusSent:
			row.Sent += c.Count
		case alert.StatusFailedPermanent:
			row.Failed += c.Count
		}
	}

	rows := make([]dailyRow, 0, len(byDay))
	for _, row := range byDay {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Day.Before(rows[j].Day) })
	return rows
}

func downsampleRows(rows []dailyRow, max int) []dailyRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]dailyRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeCountsCSV(path string, rows []dailyRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"day", "pending", "sent", "failed_permanent"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.Day.Format("2006-01-02"),
			strconv.FormatInt(row.Pending, 10),
			strconv.FormatInt(row.Sent, 10),
			strconv.FormatInt(row.Failed, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeCountsPNG(path string, rows []dailyRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	// go-chart needs at least two points per series.
	if len(rows) == 1 {
		prev := rows[0]
		prev.Day = prev.Day.AddDate(0, 0, -1)
		prev.Pending, prev.Sent, prev.Failed = 0, 0, 0
		rows = []dailyRow{prev, rows[0]}
	}

	x := make([]time.Time, len(rows))
	pending := make([]float64, len(rows))
	sent := make([]float64, len(rows))
	failed := make([]float64, len(rows))

	for i, row := range rows {
		x[i] = row.Day
		pending[i] = float64(row.Pending)
		sent[i] = float64(row.Sent)
		failed[i] = float64(row.Failed)
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Events",
			ValueFormatter: countFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Sent",
				XValues: x,
				YValues: sent,
			},
			chart.TimeSeries{
				Name:    "Pending",
				XValues: x,
				YValues: pending,
			},
			chart.TimeSeries{
				Name:    "Failed",
				XValues: x,
				YValues: failed,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
