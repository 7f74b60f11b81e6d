package peaks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func mustEvent(t *testing.T, rec map[string]any, forced *bool) Event {
	t.Helper()
	e, err := ParseEvent(rec, forced)
	require.NoError(t, err)
	return e
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name      string
		rec       map[string]any
		wantStart string
		wantErr   bool
	}{
		{
			name: "lowercase fields, simple format",
			rec: map[string]any{
				"offre":         "TPC-DPC",
				"datedebut":     "2024-12-15 16:00",
				"datefin":       "2024-12-15 20:00",
				"plagehoraire":  "PM",
				"secteurclient": "Résidentiel",
			},
			wantStart: "2024-12-15T16:00:00-05:00",
		},
		{
			name: "camelCase fields, ISO format with offset",
			rec: map[string]any{
				"offre":     "CPC-D",
				"dateDebut": "2024-12-15T06:00:00-05:00",
				"dateFin":   "2024-12-15T10:00:00-05:00",
			},
			wantStart: "2024-12-15T06:00:00-05:00",
		},
		{
			name: "naive ISO format pinned to Toronto",
			rec: map[string]any{
				"offre":     "TPC-DPC",
				"datedebut": "2024-12-15T16:00:00",
				"datefin":   "2024-12-15T20:00:00",
			},
			wantStart: "2024-12-15T16:00:00-05:00",
		},
		{
			name:    "missing dates",
			rec:     map[string]any{"offre": "TPC-DPC"},
			wantErr: true,
		},
		{
			name: "garbage dates",
			rec: map[string]any{
				"datedebut": "tomorrow",
				"datefin":   "later",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseEvent(tt.rec, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			want, err := time.Parse(time.RFC3339, tt.wantStart)
			require.NoError(t, err)
			assert.True(t, e.Start.Equal(want), "start %s != %s", e.Start, want)
		})
	}
}

func TestIsCritical(t *testing.T) {
	rec := map[string]any{
		"offre":     "CPC-D",
		"datedebut": "2024-12-15 16:00",
		"datefin":   "2024-12-15 20:00",
	}

	// Offer-prefix fallback: CPC-D is not a dynamic pricing offer
	assert.False(t, mustEvent(t, rec, nil).IsCritical())

	rec["offre"] = "TPC-DPC"
	assert.True(t, mustEvent(t, rec, nil).IsCritical())

	// The explicit announcement flag wins over the offer code
	assert.False(t, mustEvent(t, rec, boolPtr(false)).IsCritical())
	rec["offre"] = "CPC-D"
	assert.True(t, mustEvent(t, rec, boolPtr(true)).IsCritical())
}

func TestSectorHelpers(t *testing.T) {
	rec := map[string]any{
		"datedebut":     "2024-12-15 16:00",
		"datefin":       "2024-12-15 20:00",
		"secteurclient": "Résidentiel",
	}
	e := mustEvent(t, rec, nil)
	assert.True(t, e.IsResidential())
	assert.False(t, e.IsCommercial())

	rec["secteurclient"] = "Affaires"
	e = mustEvent(t, rec, nil)
	assert.False(t, e.IsResidential())
	assert.True(t, e.IsCommercial())
}

func TestAnchorPeriods(t *testing.T) {
	start := time.Date(2024, 12, 15, 6, 0, 0, 0, LocalTZ)

	morning := Event{Start: start, TimeSlot: "AM"}
	a := morning.Anchor()
	assert.True(t, a.Start.Equal(start.Add(-5*time.Hour)))
	assert.True(t, a.End.Equal(start.Add(-2*time.Hour)))

	evening := Event{Start: start, TimeSlot: "PM"}
	a = evening.Anchor()
	assert.True(t, a.Start.Equal(start.Add(-4*time.Hour)))
	assert.True(t, a.End.Equal(start.Add(-2*time.Hour)))
}

func TestClassifyCriticalityGatesBothSignals(t *testing.T) {
	now := time.Date(2024, 12, 15, 15, 0, 0, 0, LocalTZ)
	start := now.Add(time.Hour) // inside a 2h pre-heat window
	end := start.Add(4 * time.Hour)
	preheat := 2 * time.Hour

	t.Run("non-critical peak inside window", func(t *testing.T) {
		events := []Event{{Offer: "CPC-D", Start: start, End: end, forced: boolPtr(false)}}
		state := Classify(events, now, preheat)

		assert.False(t, state.PreHeatActive)
		assert.Nil(t, state.NextPreHeatStart)
		assert.False(t, state.NextPeakCritical)
		require.NotNil(t, state.NextPeakStart)
		assert.True(t, state.NextPeakStart.Equal(start))
	})

	t.Run("critical peak inside window", func(t *testing.T) {
		events := []Event{{Offer: "TPC-DPC", Start: start, End: end}}
		state := Classify(events, now, preheat)

		assert.True(t, state.PreHeatActive)
		require.NotNil(t, state.NextPreHeatStart)
		assert.True(t, state.NextPreHeatStart.Equal(start.Add(-preheat)))
		assert.True(t, state.NextPeakCritical)
	})

	t.Run("critical peak outside window", func(t *testing.T) {
		far := now.Add(8 * time.Hour)
		events := []Event{{Offer: "TPC-DPC", Start: far, End: far.Add(4 * time.Hour)}}
		state := Classify(events, now, preheat)

		// Outside the window pre-heat is off, but the upcoming start is
		// still announced.
		assert.False(t, state.PreHeatActive)
		require.NotNil(t, state.NextPreHeatStart)
		assert.True(t, state.NextPreHeatStart.Equal(far.Add(-preheat)))
	})
}

func TestClassifySelectsNearestOutstandingEvent(t *testing.T) {
	now := time.Date(2024, 12, 15, 15, 0, 0, 0, LocalTZ)

	past := Event{Offer: "TPC-DPC", Start: now.Add(-6 * time.Hour), End: now.Add(-2 * time.Hour)}
	soon := Event{Offer: "TPC-DPC", Start: now.Add(time.Hour), End: now.Add(5 * time.Hour)}
	later := Event{Offer: "TPC-DPC", Start: now.Add(24 * time.Hour), End: now.Add(28 * time.Hour)}

	state := Classify([]Event{later, past, soon}, now, 2*time.Hour)
	require.NotNil(t, state.NextPeakStart)
	assert.True(t, state.NextPeakStart.Equal(soon.Start))
}

func TestClassifyPeakInProgress(t *testing.T) {
	now := time.Date(2024, 12, 15, 17, 0, 0, 0, LocalTZ)
	events := []Event{{
		Offer: "TPC-DPC",
		Start: now.Add(-time.Hour),
		End:   now.Add(3 * time.Hour),
	}}

	state := Classify(events, now, 2*time.Hour)
	assert.True(t, state.PeakInProgress)
	// In-progress peaks are past their pre-heat window
	assert.False(t, state.PreHeatActive)
}

func TestClassifyNoEvents(t *testing.T) {
	state := Classify(nil, time.Now(), 2*time.Hour)
	assert.False(t, state.PreHeatActive)
	assert.Nil(t, state.NextPreHeatStart)
	assert.Nil(t, state.NextPeakStart)
	assert.False(t, state.PeakInProgress)
}
