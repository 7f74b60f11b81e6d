// Package hydro contains the Hydro-Québec API clients: an authenticated
// portal client for contract-scoped account data and an unauthenticated
// client for the public open data API.
package hydro

import (
	"context"
	"errors"

	"github.com/hydroqc/hydroqcd/internal/config"
	"github.com/hydroqc/hydroqcd/internal/models"
	"github.com/hydroqc/hydroqcd/internal/peaks"
	"github.com/sirupsen/logrus"
)

var (
	ErrRequest      = errors.New("error making API request")
	ErrStatus       = errors.New("unexpected status from API")
	ErrLoginFailed  = errors.New("portal login failed")
	ErrNotSupported = errors.New("operation not supported in this mode")
)

// DataClient is the narrow surface the refresh coordinator depends on.
// Implementations may raise on auth failure, network failure or
// malformed upstream data; callers convert those to the staleness
// policy.
type DataClient interface {
	// Fetch retrieves the full account payload for this mode as a
	// nested tree mirroring the upstream response shape.
	Fetch(ctx context.Context) (models.Tree, error)

	// FetchEvents retrieves the outstanding winter peak events.
	FetchEvents(ctx context.Context) ([]peaks.Event, error)

	// FetchHourlyConsumption retrieves raw hourly consumption rows for
	// the given day (portal mode only).
	FetchHourlyConsumption(ctx context.Context, day string) ([]models.HourlyRow, error)

	Close() error
}

// NewClient constructs the client matching the resolved session
// parameters.
func NewClient(params config.SessionParams, logger *logrus.Logger) (DataClient, error) {
	switch params.Mode {
	case config.ModePortal:
		return newPortalClient(params, logger), nil
	case config.ModeOpenData:
		return newOpenDataClient(params.RateCode, logger), nil
	default:
		return nil, config.ErrUnknownMode
	}
}
