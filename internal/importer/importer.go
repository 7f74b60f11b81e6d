// Package importer converts raw consumption exports (portal CSV or
// hourly JSON) into cumulative, duplicate-free statistics entries.
//
// Timezone policy: source rows carry naive local times in
// America/Toronto. Nonexistent local hours (spring forward) are skipped
// and logged. Ambiguous local hours (fall back) resolve to the first
// occurrence, the earlier UTC instant; a second row resolving to the
// same instant is dropped and logged, never double-counted.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hydroqc/hydroqcd/internal/models"
	"github.com/hydroqc/hydroqcd/internal/peaks"
	"github.com/hydroqc/hydroqcd/internal/statistics"
	"github.com/sirupsen/logrus"
)

var (
	ErrNonexistentLocalTime = errors.New("nonexistent local time")
	ErrBadHeader            = errors.New("unrecognized CSV header")
)

// Interval is one parsed consumption interval before cumulative-sum
// computation.
type Interval struct {
	Start       time.Time
	Consumption float64
}

// Importer turns raw rows into statistics entries and writes them to
// the store. Import failures never touch the live sensor snapshot; the
// two subsystems only share this package's output.
type Importer struct {
	repo   statistics.Repository
	meta   models.StatisticsMetadata
	logger *logrus.Logger
}

func New(repo statistics.Repository, meta models.StatisticsMetadata, logger *logrus.Logger) *Importer {
	return &Importer{repo: repo, meta: meta, logger: logger}
}

// StatisticID returns the series this importer writes to.
func (i *Importer) StatisticID() string {
	return i.meta.StatisticID
}

// parseDecimal accepts both dot and comma decimal separators. The
// portal CSV export uses the French locale ("12,5").
func parseDecimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", ".")
	return strconv.ParseFloat(s, 64)
}

// resolveLocal maps a naive local wall time onto an instant per the
// package policy.
func resolveLocal(day string, clock string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", day+" "+clock, peaks.LocalTZ)
	if err != nil {
		return time.Time{}, err
	}

	// Spring forward: the skipped hour normalizes to a different wall
	// clock. Such rows are phantoms and must not produce an entry.
	if t.Format("15:04") != clock {
		return time.Time{}, fmt.Errorf("%w: %s %s", ErrNonexistentLocalTime, day, clock)
	}

	// Fall back: when the wall time occurred twice, prefer the first
	// occurrence (the earlier instant).
	if prev := t.Add(-time.Hour); prev.In(peaks.LocalTZ).Format("2006-01-02 15:04") == day+" "+clock {
		return prev, nil
	}
	return t, nil
}

// ParseCSV reads a portal consumption CSV export:
//
//	Date,Heure début,Heure fin,Consommation (kWh)
//
// Rows with a blank consumption column are skipped with a log line.
func (i *Importer) ParseCSV(r io.Reader) ([]Interval, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(header) < 4 || !strings.EqualFold(header[0], "Date") {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, header)
	}

	var intervals []Interval
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", line, err)
		}
		line++
		if len(record) < 4 {
			return nil, fmt.Errorf("CSV row %d has %d columns, want 4", line, len(record))
		}

		if strings.TrimSpace(record[3]) == "" {
			i.logger.WithFields(logrus.Fields{
				"date": record[0],
				"hour": record[1],
			}).Warn("Skipping CSV row with missing consumption")
			continue
		}

		consumption, err := parseDecimal(record[3])
		if err != nil {
			return nil, fmt.Errorf("bad consumption value on CSV row %d: %w", line, err)
		}

		start, err := resolveLocal(record[0], record[1])
		if errors.Is(err, ErrNonexistentLocalTime) {
			i.logger.WithFields(logrus.Fields{
				"date": record[0],
				"hour": record[1],
			}).Warn("Skipping row in skipped DST hour")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("bad timestamp on CSV row %d: %w", line, err)
		}

		intervals = append(intervals, Interval{Start: start, Consumption: consumption})
	}

	return intervals, nil
}

// ParseHourlyRows converts the portal's hourly JSON rows. Rows without
// a total are skipped with a log line.
func (i *Importer) ParseHourlyRows(rows []models.HourlyRow) ([]Interval, error) {
	var intervals []Interval
	for _, row := range rows {
		if row.Total == nil {
			i.logger.WithField("start", row.Start).Warn("Skipping hourly row with missing total")
			continue
		}

		parts := strings.SplitN(row.Start, " ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad hourly timestamp: %q", row.Start)
		}
		start, err := resolveLocal(parts[0], parts[1])
		if errors.Is(err, ErrNonexistentLocalTime) {
			i.logger.WithField("start", row.Start).Warn("Skipping row in skipped DST hour")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("bad hourly timestamp %q: %w", row.Start, err)
		}

		intervals = append(intervals, Interval{Start: start, Consumption: *row.Total})
	}
	return intervals, nil
}

// Import writes intervals to the statistics store as cumulative
// entries.
//
// The cumulative sum is seeded from the store's last known value and
// intervals at or before the store's last timestamp are dropped, so
// re-importing an overlapping window is idempotent. Output timestamps
// are strictly increasing; a repeated resolved timestamp within the
// batch keeps its first occurrence only.
func (i *Importer) Import(ctx context.Context, intervals []Interval) (int, error) {
	if _, err := i.repo.EnsureMetadata(ctx, i.meta); err != nil {
		return 0, err
	}

	seed, lastTS, err := i.repo.LastCumulative(ctx, i.meta.StatisticID)
	if err != nil {
		return 0, err
	}

	sort.SliceStable(intervals, func(a, b int) bool {
		return intervals[a].Start.Before(intervals[b].Start)
	})

	running := seed
	var entries []models.ConsumptionEntry
	var prev time.Time
	for _, iv := range intervals {
		if !lastTS.IsZero() && !iv.Start.After(lastTS) {
			continue
		}
		if len(entries) > 0 && !iv.Start.After(prev) {
			i.logger.WithField("start", iv.Start).Warn("Dropping duplicate resolved timestamp")
			continue
		}
		running += iv.Consumption
		entries = append(entries, models.ConsumptionEntry{
			Start:       iv.Start,
			Consumption: iv.Consumption,
			Cumulative:  running,
		})
		prev = iv.Start
	}

	if len(entries) == 0 {
		i.logger.Debug("Nothing new to import")
		return 0, nil
	}

	inserted, err := i.repo.BatchInsert(ctx, i.meta.StatisticID, entries)
	if err != nil {
		return 0, fmt.Errorf("failed to insert statistics: %w", err)
	}

	i.logger.WithFields(logrus.Fields{
		"statistic_id": i.meta.StatisticID,
		"entries":      len(entries),
		"inserted":     inserted,
	}).Info("Imported consumption history")

	return inserted, nil
}
