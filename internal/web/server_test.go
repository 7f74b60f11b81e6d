package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydroqc/hydroqcd/internal/config"
	"github.com/hydroqc/hydroqcd/internal/coordinator"
	"github.com/hydroqc/hydroqcd/internal/importer"
	"github.com/hydroqc/hydroqcd/internal/models"
	"github.com/hydroqc/hydroqcd/internal/peaks"
	"github.com/hydroqc/hydroqcd/internal/statistics"
)

type fakeClient struct {
	tree models.Tree
	rows []models.HourlyRow
	err  error
}

func (f *fakeClient) Fetch(ctx context.Context) (models.Tree, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tree, nil
}

func (f *fakeClient) FetchEvents(ctx context.Context) ([]peaks.Event, error) { return nil, nil }

func (f *fakeClient) FetchHourlyConsumption(ctx context.Context, day string) ([]models.HourlyRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeClient) Close() error { return nil }

type fakeRepo struct {
	entries map[time.Time]models.ConsumptionEntry
	order   []time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entries: map[time.Time]models.ConsumptionEntry{}}
}

func (f *fakeRepo) EnsureMetadata(ctx context.Context, meta models.StatisticsMetadata) (int64, error) {
	return 1, nil
}

func (f *fakeRepo) LastCumulative(ctx context.Context, statisticID string) (float64, time.Time, error) {
	if len(f.order) == 0 {
		return 0, time.Time{}, nil
	}
	last := f.order[len(f.order)-1]
	return f.entries[last].Cumulative, last, nil
}

func (f *fakeRepo) BatchInsert(ctx context.Context, statisticID string, entries []models.ConsumptionEntry) (int, error) {
	inserted := 0
	for _, e := range entries {
		key := e.Start.UTC()
		if _, dup := f.entries[key]; dup {
			continue
		}
		f.entries[key] = e
		f.order = append(f.order, key)
		inserted++
	}
	return inserted, nil
}

func (f *fakeRepo) Query(ctx context.Context, statisticID string, start, end time.Time, window, aggregation string) ([]statistics.Point, error) {
	return []statistics.Point{{Time: start, Value: 1.5}}, nil
}

func (f *fakeRepo) StoreSchemaVersion(ctx context.Context) (int, error) {
	return statistics.SchemaVersion, nil
}

func (f *fakeRepo) Close() error { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type harness struct {
	router *gin.Engine
	coord  *coordinator.Coordinator
	client *fakeClient
	repo   *fakeRepo
}

func newHarness(t *testing.T, client *fakeClient) *harness {
	t.Helper()
	logger := testLogger()

	coord := coordinator.New(client, config.HydroConfig{
		Mode:            config.ModePortal,
		RateCode:        "DPC",
		PreheatDuration: 120,
	}, logger)

	repo := newFakeRepo()
	imp := importer.New(repo, models.StatisticsMetadata{
		StatisticID: "hydroqc:consumption_hourly",
		Source:      "hydroqc",
		Unit:        "kWh",
	}, logger)

	srv := NewServer(coord, client, imp, repo, logger)
	router, err := SetupRouter(srv, ServerConfig{
		CacheSize:      16,
		RateLimit:      1000,
		RateLimitBurst: 1000,
	})
	require.NoError(t, err)

	return &harness{router: router, coord: coord, client: client, repo: repo}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	h.router.ServeHTTP(w, req)
	return w
}

func snapshotTree() models.Tree {
	return models.Tree{
		"account": models.Tree{"balance": 123.45},
		"contract": models.Tree{
			"contract_id":    "1234",
			"net_metering":   false,
			"projected_bill": nil,
		},
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, &fakeClient{tree: snapshotTree()})
	w := h.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSensorRead(t *testing.T) {
	h := newHarness(t, &fakeClient{tree: snapshotTree()})
	require.NoError(t, h.coord.Refresh(context.Background()))

	w := h.do(http.MethodGet, "/api/v1/sensors/account.balance", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "123.45")
}

func TestSensorUnavailable(t *testing.T) {
	h := newHarness(t, &fakeClient{tree: snapshotTree()})
	require.NoError(t, h.coord.Refresh(context.Background()))

	// Nil leaf
	w := h.do(http.MethodGet, "/api/v1/sensors/contract.projected_bill", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")

	// Missing branch
	w = h.do(http.MethodGet, "/api/v1/sensors/winter_credit.balance", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSensorsUnavailableAfterFailedRefresh(t *testing.T) {
	client := &fakeClient{tree: snapshotTree()}
	h := newHarness(t, client)
	require.NoError(t, h.coord.Refresh(context.Background()))

	client.err = errors.New("auth failure")
	require.Error(t, h.coord.Refresh(context.Background()))

	w := h.do(http.MethodGet, "/api/v1/sensors/account.balance", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCachedSensorReadInvalidatedByFailedRefresh(t *testing.T) {
	client := &fakeClient{tree: snapshotTree()}
	h := newHarness(t, client)
	require.NoError(t, h.coord.Refresh(context.Background()))

	// Prime the response cache while the snapshot is fresh
	w := h.do(http.MethodGet, "/api/v1/sensors/account.balance", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(http.MethodGet, "/api/v1/sensors/account.balance", "")
	require.Equal(t, http.StatusOK, w.Code)

	client.err = errors.New("portal down")
	require.Error(t, h.coord.Refresh(context.Background()))

	// The cached value must not outlive the failed cycle
	w = h.do(http.MethodGet, "/api/v1/sensors/account.balance", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusReportsFailureAfterEarlierRead(t *testing.T) {
	client := &fakeClient{tree: snapshotTree()}
	h := newHarness(t, client)
	require.NoError(t, h.coord.Refresh(context.Background()))

	w := h.do(http.MethodGet, "/api/v1/status", "")
	require.Contains(t, w.Body.String(), `"last_update_failed":false`)

	client.err = errors.New("portal down")
	require.Error(t, h.coord.Refresh(context.Background()))

	w = h.do(http.MethodGet, "/api/v1/status", "")
	assert.Contains(t, w.Body.String(), `"last_update_failed":true`)
}

func TestBinarySensorStrictBool(t *testing.T) {
	h := newHarness(t, &fakeClient{tree: snapshotTree()})
	require.NoError(t, h.coord.Refresh(context.Background()))

	// Present false value is 200 with value exactly false
	w := h.do(http.MethodGet, "/api/v1/binary-sensors/contract.net_metering", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"value":false`)
}

func TestPreheatEndpoint(t *testing.T) {
	now := time.Now()
	start := now.Add(time.Hour)
	tree := models.Tree{
		"peak_events": []any{
			models.Tree{
				"offer":    "TPC-DPC",
				"start":    start,
				"end":      start.Add(4 * time.Hour),
				"critical": true,
			},
		},
	}
	h := newHarness(t, &fakeClient{tree: tree})
	require.NoError(t, h.coord.Refresh(context.Background()))

	w := h.do(http.MethodGet, "/api/v1/preheat", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pre_heat_active":true`)
	assert.Contains(t, w.Body.String(), `"next_peak_critical":true`)
}

func TestPreheatServedLiveAcrossWindowBoundary(t *testing.T) {
	now := time.Now()
	start := now.Add(120 * time.Millisecond)
	tree := models.Tree{
		"peak_events": []any{
			models.Tree{
				"offer":    "TPC-DPC",
				"start":    start,
				"end":      start.Add(4 * time.Hour),
				"critical": true,
			},
		},
	}
	h := newHarness(t, &fakeClient{tree: tree})
	require.NoError(t, h.coord.Refresh(context.Background()))

	w := h.do(http.MethodGet, "/api/v1/preheat", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"peak_in_progress":false`)

	time.Sleep(200 * time.Millisecond)

	// No refresh in between; the window opened with the clock alone
	w = h.do(http.MethodGet, "/api/v1/preheat", "")
	assert.Contains(t, w.Body.String(), `"peak_in_progress":true`)
}

func TestRefreshDataService(t *testing.T) {
	h := newHarness(t, &fakeClient{tree: snapshotTree()})

	w := h.do(http.MethodPost, "/api/v1/services/refresh_data", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, h.coord.Snapshot())
}

func TestRefreshDataServiceFailure(t *testing.T) {
	h := newHarness(t, &fakeClient{err: errors.New("boom")})

	w := h.do(http.MethodPost, "/api/v1/services/refresh_data", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestFetchHourlyConsumptionService(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	client := &fakeClient{
		tree: snapshotTree(),
		rows: []models.HourlyRow{
			{Start: "2024-11-26 00:00", Total: f(1.2)},
			{Start: "2024-11-26 01:00", Total: f(1.5)},
		},
	}
	h := newHarness(t, client)

	w := h.do(http.MethodPost, "/api/v1/services/fetch_hourly_consumption", `{"date":"2024-11-26"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"inserted":2`)
	assert.Len(t, h.repo.order, 2)
}

func TestImportConsumptionCSVService(t *testing.T) {
	h := newHarness(t, &fakeClient{tree: snapshotTree()})

	csv := "Date,Heure début,Heure fin,Consommation (kWh)\n" +
		"2024-11-26,00:00,01:00,\"1,234\"\n" +
		"2024-11-26,01:00,02:00,1.567\n"

	w := h.do(http.MethodPost, "/api/v1/services/import_consumption_csv", csv)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"inserted":2`)
}

func TestStatisticsQueryValidation(t *testing.T) {
	h := newHarness(t, &fakeClient{tree: snapshotTree()})

	start := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)
	end := time.Now().UTC().Format(time.RFC3339)

	w := h.do(http.MethodGet, "/api/v1/statistics?start="+start+"&end="+end+"&window=1h&aggregation=SUM", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/api/v1/statistics?start="+start+"&end="+end+"&window=5m&aggregation=SUM", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid window")

	w = h.do(http.MethodGet, "/api/v1/statistics?start="+start+"&end="+end+"&window=1h&aggregation=COUNT", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid aggregation")

	w = h.do(http.MethodGet, "/api/v1/statistics?start=notatime&end="+end, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t, &fakeClient{tree: snapshotTree()})
	require.NoError(t, h.coord.Refresh(context.Background()))

	w := h.do(http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"portal"`)
	assert.Contains(t, w.Body.String(), `"last_update_failed":false`)
}
