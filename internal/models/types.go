package models

import "time"

// Tree is a loosely-shaped nested payload mirroring the upstream API
// response shape. Snapshots are trees; they are replaced wholesale on
// refresh and never mutated in place.
type Tree = map[string]any

// ConsumptionEntry is one hour (or day) of consumption destined for the
// statistics store. CumulativeSum is the running total the store uses
// to compute deltas between reporting periods.
type ConsumptionEntry struct {
	Start       time.Time `json:"start"`
	Consumption float64   `json:"consumption"`
	Cumulative  float64   `json:"cumulative"`
}

// StatisticsMetadata identifies a statistic series in the store.
type StatisticsMetadata struct {
	StatisticID string `json:"statistic_id"`
	Source      string `json:"source"`
	Unit        string `json:"unit"`
}

// HourlyRow is one raw hourly consumption row as returned by the portal
// API. Pointer fields distinguish a legitimate zero reading from an
// absent one.
type HourlyRow struct {
	Start string   `json:"dateHeureDebutPeriode"`
	Reg   *float64 `json:"consoReg"`
	High  *float64 `json:"consoHaut"`
	Total *float64 `json:"consoTotal"`
}
