package persistence

import (
	"strings"
)

// ValidateSortOrder normalizes orderDir to ASC or DESC, returning
// defaultDir for anything else.
func ValidateSortOrder(orderDir, defaultDir string) string {
	switch strings.ToUpper(strings.TrimSpace(orderDir)) {
	case "ASC":
		return "ASC"
	case "DESC":
		return "DESC"
	}
	return defaultDir
}

// ValidateSortField validates the sort field against a whitelist of allowed fields.
// Returns the defaultField if the input is invalid, empty, or not in the whitelist.
func ValidateSortField(sortField string, allowedFields map[string]bool, defaultField string) string {
	trimmed := strings.TrimSpace(sortField)
	if trimmed == "" {
		return defaultField
	}
	if allowedFields[trimmed] {
		return trimmed
	}
	return defaultField
}

// orderClause builds a safe ORDER BY clause. id is appended as a tie
// breaker so paging is stable.
func orderClause(field, dir string, allowed map[string]bool, defaultField, defaultDir string) string {
	column := ValidateSortField(field, allowed, defaultField)
	order := ValidateSortOrder(dir, defaultDir)
	if column == "id" {
		return column + " " + order
	}
	return column + " " + order + ", id " + order
}

// LeadSortFields contains allowed sort fields for leads
var LeadSortFields = map[string]bool{
	"id":           true,
	"created_at":   true,
	"updated_at":   true,
	"status_id":    true,
	"responsible":  true,
	"contact_name": true,
	"price":        true,
}

// TaskSortFields contains allowed sort fields for tasks
var TaskSortFields = map[string]bool{
	"id":            true,
	"created_at":    true,
	"updated_at":    true,
	"complete_till": true,
	"responsible":   true,
	"lead_id":       true,
}
