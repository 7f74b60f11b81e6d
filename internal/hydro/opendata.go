package hydro

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/hydroqc/hydroqcd/internal/models"
	"github.com/hydroqc/hydroqcd/internal/peaks"
	ttlcache "github.com/jellydator/ttlcache/v2"
	"github.com/sirupsen/logrus"
)

// Opendatasoft v2.1 explore API.
const openDataBaseURL = "https://donnees.hydroquebec.com/api/explore/v2.1"

// Dataset with winter peak event announcements.
const peakEventsDataset = "evenements-pointe"

const openDataCacheTTL = 5 * time.Minute

// RateOption maps a published offer code onto a selectable rate.
type RateOption struct {
	Value  string `json:"value"`
	Label  string `json:"label"`
	Rate   string `json:"rate"`
	Option string `json:"option"`
}

// rateCodeMapping maps HQ offer codes to display names (residential
// rates only).
var rateCodeMapping = map[string]RateOption{
	"CPC-D":   {Value: "D|CPC", Label: "Rate D + Winter Credits (CPC)", Rate: "D", Option: "CPC"},
	"TPC-DPC": {Value: "DPC|", Label: "Flex-D (Dynamic Pricing)", Rate: "DPC", Option: ""},
}

// offersForRate returns the HQ offer codes covering a rate code, empty
// when the rate has no peak events published.
func offersForRate(rateCode string) []string {
	switch rateCode {
	case "DPC":
		return []string{"TPC-DPC"}
	case "D", "DCPC":
		return []string{"CPC-D"}
	default:
		return nil
	}
}

type recordsResponse struct {
	TotalCount int              `json:"total_count"`
	Results    []map[string]any `json:"results"`
}

// openDataClient reads the public open data API. Responses are cached
// for a short TTL so the coordinator and the offer listing don't hammer
// the public endpoint.
type openDataClient struct {
	baseURL  string
	rateCode string
	client   *http.Client
	cache    *ttlcache.Cache
	logger   *logrus.Logger
}

func newOpenDataClient(rateCode string, logger *logrus.Logger) *openDataClient {
	cache := ttlcache.NewCache()
	_ = cache.SetTTL(openDataCacheTTL)
	cache.SkipTTLExtensionOnHit(true)

	return &openDataClient{
		baseURL:  openDataBaseURL,
		rateCode: rateCode,
		client:   &http.Client{Timeout: 30 * time.Second},
		cache:    cache,
		logger:   logger,
	}
}

func (c *openDataClient) datasetURL(dataset string) string {
	return fmt.Sprintf("%s/catalog/datasets/%s/records", c.baseURL, dataset)
}

// fetchDataset performs a records query against a dataset, serving a
// cached response when the same query was made within the TTL.
func (c *openDataClient) fetchDataset(ctx context.Context, dataset string, params url.Values) (*recordsResponse, error) {
	fullURL := c.datasetURL(dataset) + "?" + params.Encode()

	if cached, err := c.cache.Get(fullURL); err == nil {
		return cached.(*recordsResponse), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: got %d from dataset %s", ErrStatus, resp.StatusCode, dataset)
	}

	var records recordsResponse
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode records response: %v", err)
	}

	c.logger.WithFields(logrus.Fields{
		"dataset": dataset,
		"results": len(records.Results),
	}).Debug("Fetched open data records")

	c.cache.Set(fullURL, &records)
	return &records, nil
}

// FetchEvents retrieves upcoming residential peak events for the
// configured rate. Events announced on this dataset are critical by
// definition.
func (c *openDataClient) FetchEvents(ctx context.Context) ([]peaks.Event, error) {
	offers := offersForRate(c.rateCode)
	if len(offers) == 0 {
		c.logger.WithField("rate_code", c.rateCode).Debug("No peak events published for rate, skipping fetch")
		return nil, nil
	}

	today := time.Now().In(peaks.LocalTZ).Format("2006-01-02")
	params := url.Values{}
	params.Set("limit", "100")
	params.Set("timezone", "America/Toronto")
	params.Set("refine", fmt.Sprintf("offre:%q", offers[0]))
	params.Set("where", fmt.Sprintf("datedebut>='%s'", today))

	records, err := c.fetchDataset(ctx, peakEventsDataset, params)
	if err != nil {
		return nil, err
	}

	critical := true
	var events []peaks.Event
	ignored := 0
	for _, rec := range records.Results {
		event, err := peaks.ParseEvent(rec, &critical)
		if err != nil {
			c.logger.WithError(err).Warn("Skipping unparseable peak event record")
			continue
		}
		// Commercial announcements share the dataset and are ignored.
		if !event.IsResidential() {
			ignored++
			continue
		}
		events = append(events, event)
	}

	c.logger.WithFields(logrus.Fields{
		"rate_code": c.rateCode,
		"events":    len(events),
		"ignored":   ignored,
	}).Debug("Filtered residential peak events")

	return events, nil
}

// Fetch builds the open data payload tree. The returned tree always
// contains the data actually fetched; an empty event list is
// represented explicitly, never as a missing branch.
func (c *openDataClient) Fetch(ctx context.Context) (models.Tree, error) {
	events, err := c.FetchEvents(ctx)
	if err != nil {
		return nil, err
	}

	eventTrees := make([]any, 0, len(events))
	for _, e := range events {
		eventTrees = append(eventTrees, models.Tree{
			"offer":     e.Offer,
			"start":     e.Start,
			"end":       e.End,
			"time_slot": e.TimeSlot,
			"sector":    e.Sector,
			"critical":  e.IsCritical(),
		})
	}

	return models.Tree{
		"public_client": models.Tree{
			"rate_code":  c.rateCode,
			"events":     eventTrees,
			"last_fetch": time.Now().UTC(),
		},
	}, nil
}

// FetchHourlyConsumption is a portal-only operation.
func (c *openDataClient) FetchHourlyConsumption(ctx context.Context, day string) ([]models.HourlyRow, error) {
	return nil, fmt.Errorf("%w: hourly consumption requires portal mode", ErrNotSupported)
}

// ListResidentialOffers queries the published offers and maps them to
// selectable rate options. Falls back to the static mapping when the
// API is unreachable so configuration never dead-ends.
func (c *openDataClient) ListResidentialOffers(ctx context.Context) []RateOption {
	params := url.Values{}
	params.Set("select", "offre")
	params.Set("refine", `secteurclient:"Residentiel"`)
	params.Set("limit", "100")
	params.Set("timezone", "America/Toronto")

	options := make([]RateOption, 0, len(rateCodeMapping))

	records, err := c.fetchDataset(ctx, peakEventsDataset, params)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to fetch residential offers, using defaults")
		for _, opt := range rateCodeMapping {
			options = append(options, opt)
		}
	} else {
		seen := map[string]bool{}
		for _, rec := range records.Results {
			offer, _ := rec["offre"].(string)
			if offer == "" || seen[offer] {
				continue
			}
			seen[offer] = true
			if opt, ok := rateCodeMapping[offer]; ok {
				options = append(options, opt)
			}
		}
	}

	sort.Slice(options, func(i, j int) bool { return options[i].Label < options[j].Label })
	return options
}

func (c *openDataClient) Close() error {
	c.cache.Close()
	return nil
}
