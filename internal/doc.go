// Package hydroqcd implements a Hydro-Québec data service.
//
// # Architecture
//
// The service is structured into several key packages:
//   - hydro: Portal and open data clients for fetching account and peak data
//   - coordinator: Periodic refresh loop and snapshot access
//   - peaks: Peak event parsing and pre-heat classification
//   - importer: Hourly consumption import with DST handling
//   - statistics: TimescaleDB integration for consumption storage
//   - web: HTTP service implementation
//   - models: Shared data structures
//
// Key Features
//
//   - Snapshot Reads:
//     Sensors read dotted paths out of an atomically swapped snapshot,
//     so a failed refresh never mixes old and new data.
//
//   - Peak Events:
//     Winter credit peak events are classified into pre-heat and peak
//     signals, with criticality resolved per rate offer.
//
//   - Consumption History:
//     Hourly consumption is imported idempotently as a cumulative
//     series, from either the portal API or CSV exports.
//
// Example Usage
//
//	coord := coordinator.New(client, cfg.Hydro, logger)
//	if err := coord.Refresh(ctx); err != nil {
//	    logger.WithError(err).Warn("refresh failed")
//	}
//	balance, ok := coord.GetValue("account.balance")
//
// For more information about specific packages, see their respective
// documentation.
package hydroqcd
