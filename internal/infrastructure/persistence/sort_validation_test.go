package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSortOrder(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		fallback string
		expected string
	}{
		{"empty string returns default", "", "DESC", "DESC"},
		{"ASC uppercase returns ASC", "ASC", "DESC", "ASC"},
		{"asc lowercase returns ASC", "asc", "DESC", "ASC"},
		{"desc lowercase returns DESC", "desc", "ASC", "DESC"},
		{"invalid value returns default", "INVALID", "ASC", "ASC"},
		{"sql injection attempt returns default", "ASC; DROP TABLE leads;--", "DESC", "DESC"},
		{"whitespace around asc returns ASC", "  asc  ", "DESC", "ASC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidateSortOrder(tt.input, tt.fallback))
		})
	}
}

func TestValidateSortField(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string returns default", "", "created_at"},
		{"valid field returns field", "price", "price"},
		{"unknown field returns default", "password", "created_at"},
		{"sql injection attempt returns default", "id; DROP TABLE leads", "created_at"},
		{"whitespace is trimmed", " status_id ", "status_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidateSortField(tt.input, LeadSortFields, "created_at"))
		})
	}
}

func TestOrderClause(t *testing.T) {
	assert.Equal(t, "created_at DESC, id DESC", orderClause("", "", LeadSortFields, "created_at", "DESC"))
	assert.Equal(t, "price ASC, id ASC", orderClause("price", "asc", LeadSortFields, "created_at", "DESC"))
	assert.Equal(t, "id DESC", orderClause("id", "desc", LeadSortFields, "created_at", "DESC"))
	assert.Equal(t, "complete_till ASC, id ASC", orderClause("text", "", TaskSortFields, "complete_till", "ASC"))
}
