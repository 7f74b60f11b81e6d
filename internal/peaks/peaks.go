// Package peaks models Hydro-Québec winter peak events and derives the
// pre-heat signals used for demand-response alerting.
package peaks

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Peak event times are published in local utility time (EST/EDT).
// LocalTZ is the utility's local timezone.
var LocalTZ = func() *time.Location {
	loc, err := time.LoadLocation("America/Toronto")
	if err != nil {
		panic(fmt.Errorf("failed to load America/Toronto location: %w", err))
	}
	return loc
}()

var ErrMissingDates = errors.New("peak event record is missing date fields")

const (
	sectorResidential = "Résidentiel"
	sectorCommercial  = "Affaires"
)

// Event is one winter peak event. Start/End are timezone-aware.
type Event struct {
	Offer    string
	Start    time.Time
	End      time.Time
	TimeSlot string // "AM" or "PM"
	Duration string
	Sector   string

	// forced overrides offer-based criticality detection: events read
	// from the open data announcement feed are critical by definition,
	// generated schedule peaks are not.
	forced *bool
}

// NewEvent builds an event from already-typed fields, with an explicit
// criticality flag.
func NewEvent(offer string, start, end time.Time, timeSlot, sector string, critical bool) Event {
	return Event{
		Offer:    offer,
		Start:    start,
		End:      end,
		TimeSlot: timeSlot,
		Sector:   sector,
		forced:   &critical,
	}
}

// Period is a derived time window attached to an event.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// ParseEvent builds an Event from a raw open data record. The API uses
// lowercase field names (datedebut) but older exports use camelCase
// (dateDebut); both are accepted. forceCritical follows the announcement
// feed convention: true for announced critical events, false for
// generated schedule peaks, nil to fall back to offer-code detection.
func ParseEvent(rec map[string]any, forceCritical *bool) (Event, error) {
	startStr := stringField(rec, "datedebut", "dateDebut")
	endStr := stringField(rec, "datefin", "dateFin")
	if startStr == "" || endStr == "" {
		return Event{}, fmt.Errorf("%w: %v", ErrMissingDates, rec)
	}

	start, err := parseLocalTime(startStr)
	if err != nil {
		return Event{}, fmt.Errorf("failed to parse event start %q: %w", startStr, err)
	}
	end, err := parseLocalTime(endStr)
	if err != nil {
		return Event{}, fmt.Errorf("failed to parse event end %q: %w", endStr, err)
	}

	return Event{
		Offer:    stringField(rec, "offre"),
		Start:    start,
		End:      end,
		TimeSlot: stringField(rec, "plagehoraire", "plageHoraire"),
		Duration: stringField(rec, "duree"),
		Sector:   stringField(rec, "secteurclient", "secteurClient"),
		forced:   forceCritical,
	}, nil
}

// parseLocalTime accepts both ISO timestamps (with or without offset)
// and the simple "YYYY-MM-DD HH:MM" format used by the records API.
// Naive timestamps are pinned to America/Toronto.
func parseLocalTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	} {
		if t, err := time.ParseInLocation(layout, s, LocalTZ); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

func stringField(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := rec[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// IsCritical reports whether this is a demand-response critical peak as
// opposed to a regular scheduled peak window. The offer-prefix fallback
// covers records without an explicit announcement flag.
func (e Event) IsCritical() bool {
	if e.forced != nil {
		return *e.forced
	}
	return len(e.Offer) >= 3 && (e.Offer[:3] == "TPC" || e.Offer[:3] == "ENG")
}

func (e Event) IsResidential() bool { return e.Sector == sectorResidential }
func (e Event) IsCommercial() bool  { return e.Sector == sectorCommercial }

// Preheat returns the pre-heat window leading into this event.
func (e Event) Preheat(d time.Duration) Period {
	return Period{Start: e.Start.Add(-d), End: e.Start}
}

// Anchor returns the anchor (notification) period for Winter Credits.
// Morning peaks (6:00-10:00): starts 5 hours before, lasts 3 hours.
// Evening peaks (16:00-20:00): starts 4 hours before, lasts 2 hours.
func (e Event) Anchor() Period {
	offset, duration := 4*time.Hour, 2*time.Hour
	if e.TimeSlot == "AM" {
		offset, duration = 5*time.Hour, 3*time.Hour
	}
	start := e.Start.Add(-offset)
	return Period{Start: start, End: start.Add(duration)}
}

// State is the derived pre-heat signal set for the nearest upcoming
// peak. Criticality gates both signals: a non-critical peak never
// activates pre-heat and never populates NextPreHeatStart, even when
// inside the pre-heat window.
type State struct {
	PreHeatActive    bool
	NextPreHeatStart *time.Time
	PeakInProgress   bool
	NextPeakStart    *time.Time
	NextPeakCritical bool
}

// Classify derives the pre-heat state from the outstanding events.
// Only the nearest event that has not yet ended is considered.
func Classify(events []Event, now time.Time, preheat time.Duration) State {
	next, ok := nextEvent(events, now)
	if !ok {
		return State{}
	}

	state := State{
		PeakInProgress:   !now.Before(next.Start) && now.Before(next.End),
		NextPeakStart:    timePtr(next.Start),
		NextPeakCritical: next.IsCritical(),
	}

	if !next.IsCritical() {
		return state
	}

	window := next.Preheat(preheat)
	state.PreHeatActive = window.Contains(now)
	state.NextPreHeatStart = timePtr(window.Start)
	return state
}

// nextEvent returns the earliest event whose end is still in the
// future, which is either in progress or the next one to start.
func nextEvent(events []Event, now time.Time) (Event, bool) {
	upcoming := make([]Event, 0, len(events))
	for _, e := range events {
		if e.End.After(now) {
			upcoming = append(upcoming, e)
		}
	}
	if len(upcoming) == 0 {
		return Event{}, false
	}
	sort.Slice(upcoming, func(i, j int) bool {
		return upcoming[i].Start.Before(upcoming[j].Start)
	})
	return upcoming[0], true
}

func timePtr(t time.Time) *time.Time { return &t }
