package hydro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/hydroqc/hydroqcd/internal/config"
	"github.com/hydroqc/hydroqcd/internal/models"
	"github.com/hydroqc/hydroqcd/internal/peaks"
	"github.com/sirupsen/logrus"
)

const (
	portalLoginURL = "https://session.hydroquebec.com/config/security/login"
	portalBaseURL  = "https://cl-ec-spring.hydroquebec.com/portail/fr/group/clientele"

	portalAccountPath = "/portrait-de-consommation/resourceObtenirCompte"
	portalPeriodsPath = "/portrait-de-consommation/resourceObtenirDonneesPeriodesConsommation"
	portalHourlyPath  = "/portrait-de-consommation/resourceObtenirDonneesConsommationHoraires"
	portalEventsPath  = "/portrait-de-consommation/resourceObtenirPointesCritiques"

	sessionLifetime = 10 * time.Minute
)

// portalClient is the authenticated customer-portal session. One login
// yields a cookie-backed session reused until it expires; requests
// against an expired session trigger a re-login.
type portalClient struct {
	params config.SessionParams
	client *http.Client
	logger *logrus.Logger

	mu       sync.Mutex
	loggedIn time.Time
}

func newPortalClient(params config.SessionParams, logger *logrus.Logger) *portalClient {
	jar, _ := cookiejar.New(nil)
	return &portalClient{
		params: params,
		client: &http.Client{Timeout: 30 * time.Second, Jar: jar},
		logger: logger,
	}
}

// ensureSession logs in if there is no live session. Serialized so
// concurrent callers never race two logins against the same credential
// session.
func (c *portalClient) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.loggedIn) < sessionLifetime {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"username": c.params.Username,
		"password": c.params.Password,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, portalLoginURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: got %d", ErrLoginFailed, resp.StatusCode)
	}

	c.loggedIn = time.Now()
	c.logger.WithField("contract_id", c.params.ContractID).Debug("Portal session established")
	return nil
}

// expireSession forces the next call to re-login.
func (c *portalClient) expireSession() {
	c.mu.Lock()
	c.loggedIn = time.Time{}
	c.mu.Unlock()
}

// getJSON performs an authenticated GET and decodes the response into
// out. A 401 expires the session and retries once after re-login.
func (c *portalClient) getJSON(ctx context.Context, path string, out any) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, portalBaseURL+path, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRequest, err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("NO_CONTRAT", c.params.ContractID)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRequest, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.logger.Debug("Portal session expired, re-authenticating")
			c.expireSession()
			if err := c.ensureSession(ctx); err != nil {
				return err
			}
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: got %d from %s", ErrStatus, resp.StatusCode, path)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %v", path, err)
		}
		return nil
	}
	return fmt.Errorf("%w: unauthorized after re-login", ErrLoginFailed)
}

type accountResponse struct {
	NoCompte string   `json:"noCompte"`
	Solde    *float64 `json:"solde"`
	Contrats []struct {
		NoContrat   string `json:"noContrat"`
		Adresse     string `json:"adresse"`
		Tarif       string `json:"tarif"`
		OptionTarif string `json:"optionTarif"`
	} `json:"contrats"`
}

type periodsResponse struct {
	Results []struct {
		DateDebutPeriode   string   `json:"dateDebutPeriode"`
		DateFinPeriode     string   `json:"dateFinPeriode"`
		ConsoTotalPeriode  *float64 `json:"consoTotalPeriode"`
		MontantFacturePer  *float64 `json:"montantFacturePeriode"`
		MontantProjetePer  *float64 `json:"montantProjetePeriode"`
		NbJourLecturePer   *int     `json:"nbJourLecturePeriode"`
		MoyenneKwhJourPer  *float64 `json:"moyenneKwhJourPeriode"`
		MoyenneDollarsJour *float64 `json:"moyenneDollarsJourPeriode"`
		TempMoyennePeriode *float64 `json:"tempMoyennePeriode"`
	} `json:"results"`
}

type hourlyResponse struct {
	Results struct {
		Rows []models.HourlyRow `json:"listeDonneesConsoEnergieHoraire"`
	} `json:"results"`
}

type eventsResponse struct {
	Results []map[string]any `json:"results"`
}

// Fetch retrieves the account, contract and billing-period data and
// assembles the snapshot tree. Numeric fields that may legitimately be
// absent stay nil in the tree; extraction maps them to UNAVAILABLE.
func (c *portalClient) Fetch(ctx context.Context) (models.Tree, error) {
	var account accountResponse
	if err := c.getJSON(ctx, portalAccountPath, &account); err != nil {
		return nil, err
	}

	var periods periodsResponse
	if err := c.getJSON(ctx, portalPeriodsPath, &periods); err != nil {
		return nil, err
	}

	contract := models.Tree{
		"contract_id": c.params.ContractID,
		"rate":        c.params.RateCode,
	}
	for _, ct := range account.Contrats {
		if ct.NoContrat != c.params.ContractID {
			continue
		}
		contract["contract_name"] = ct.Adresse
		contract["rate"] = ct.Tarif
		contract["rate_option"] = ct.OptionTarif
	}

	if len(periods.Results) > 0 {
		cur := periods.Results[0]
		contract["current_period"] = models.Tree{
			"start":             cur.DateDebutPeriode,
			"end":               cur.DateFinPeriode,
			"total_consumption": deref(cur.ConsoTotalPeriode),
			"current_bill":      deref(cur.MontantFacturePer),
			"projected_bill":    deref(cur.MontantProjetePer),
			"reading_days":      derefInt(cur.NbJourLecturePer),
			"avg_kwh_per_day":   deref(cur.MoyenneKwhJourPer),
			"avg_cost_per_day":  deref(cur.MoyenneDollarsJour),
			"avg_temperature":   deref(cur.TempMoyennePeriode),
		}
	}

	events, err := c.FetchEvents(ctx)
	if err != nil {
		// Peak events are supplementary; billing data is still a valid
		// snapshot without them.
		c.logger.WithError(err).Warn("Failed to fetch peak events, snapshot carries none")
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
		"account": models.Tree{
			"account_id": account.NoCompte,
			"balance":    deref(account.Solde),
		},
		"contract":    contract,
		"peak_events": eventTrees,
	}, nil
}

// FetchEvents retrieves critical peak announcements scoped to this
// contract.
func (c *portalClient) FetchEvents(ctx context.Context) ([]peaks.Event, error) {
	var raw eventsResponse
	if err := c.getJSON(ctx, portalEventsPath, &raw); err != nil {
		return nil, err
	}

	critical := true
	var events []peaks.Event
	for _, rec := range raw.Results {
		event, err := peaks.ParseEvent(rec, &critical)
		if err != nil {
			c.logger.WithError(err).Warn("Skipping unparseable peak event record")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// FetchHourlyConsumption retrieves the raw hourly rows for one day
// (YYYY-MM-DD).
func (c *portalClient) FetchHourlyConsumption(ctx context.Context, day string) ([]models.HourlyRow, error) {
	var raw hourlyResponse
	path := fmt.Sprintf("%s?date=%s", portalHourlyPath, day)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	return raw.Results.Rows, nil
}

func (c *portalClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// deref maps absent optional numerics to nil tree leaves.
func deref(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func derefInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
