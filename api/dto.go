/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the wire
  contract from the internal index types. The date-record shape is the
  legacy contract the original consumers already parse; do not change field
  names or the literal "Y".

TYPES:
  ReportingDateDTO:    One visible reporting date (the legacy record shape)
  StatusDTO:           /api/status payload
  RebuildResultDTO:    Result of a manual rebuild trigger
  InvalidateRequest:   Entitlement push-invalidation body
  ErrorResponse:       Standard error envelope

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/date-engine/dateindex"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ReportingDateDTO is one visible reporting date in the legacy contract
// shape. Verified is always the literal "Y"; consumers key on it.
type ReportingDateDTO struct {
	ReportingDate string `json:"reportingDate"`
	Verified      string `json:"verified"`
	CharDate      string `json:"charDate"`
}

// StatusDTO describes the serving state: current generation, registry
// size, and rebuild health. This is the alert surface for failed rebuilds.
type StatusDTO struct {
	GenerationVersion int64  `json:"generation_version"`
	GenerationBuiltAt string `json:"generation_built_at,omitempty"`
	RegistryDates     int    `json:"registry_dates"`
	Securities        int    `json:"securities"`
	CachedUsers       int    `json:"cached_users"`
	RebuildRuns       int    `json:"rebuild_runs"`
	RebuildFailures   int    `json:"rebuild_failures"`
	LastRebuildOK     string `json:"last_rebuild_ok,omitempty"`
	LastRebuildError  string `json:"last_rebuild_error,omitempty"`
	NextScheduledRun  string `json:"next_scheduled_run,omitempty"`
}

// RebuildResultDTO is the response to a successful manual rebuild.
type RebuildResultDTO struct {
	GenerationVersion int64 `json:"generation_version"`
	Securities        int   `json:"securities"`
	RegistryDates     int   `json:"registry_dates"`
}

// InvalidateRequest is the entitlement-change push notification body.
type InvalidateRequest struct {
	UserID string `json:"user_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toReportingDateDTOs(dates []time.Time) []ReportingDateDTO {
	dtos := make([]ReportingDateDTO, len(dates))
	for i, d := range dates {
		dtos[i] = ReportingDateDTO{
			ReportingDate: d.Format(time.RFC3339),
			Verified:      "Y",
			CharDate:      d.Format(dateindex.DateLayout),
		}
	}
	return dtos
}
