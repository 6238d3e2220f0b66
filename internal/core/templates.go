package core

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TemplateMatchThreshold is the minimum share of a template's headers that
// must appear in a file for the template to be offered.
const TemplateMatchThreshold = 0.7

// MappingTemplate is a saved mapping for files with a recurring layout.
// Fields maps canonical field names to the source header feeding them.
type MappingTemplate struct {
	ID         string            `json:"id"`
	EntityType string            `json:"entityType"`
	Name       string            `json:"name"`
	Headers    []string          `json:"headers"`
	Fields     map[string]string `json:"fields"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// TemplateMatch is a template scored against a file's headers.
type TemplateMatch struct {
	Template MappingTemplate `json:"template"`
	Score    float64         `json:"score"`
}

// NewMappingTemplate captures mapping m over headers under name.
func NewMappingTemplate(entityType, name string, headers []string, m ColumnMapping) (MappingTemplate, error) {
	if strings.TrimSpace(name) == "" {
		return MappingTemplate{}, errors.New("template name is required")
	}

	fields := make(map[string]string)
	for _, b := range m {
		if b.Ignored() || b.Column < 0 || b.Column >= len(headers) {
			continue
		}
		if _, taken := fields[b.Field]; !taken {
			fields[b.Field] = headers[b.Column]
		}
	}

	return MappingTemplate{
		ID:         uuid.NewString(),
		EntityType: entityType,
		Name:       strings.TrimSpace(name),
		Headers:    append([]string(nil), headers...),
		Fields:     fields,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Apply builds a mapping for headers from the template. Columns whose header
// the template does not know are ignored.
func (t MappingTemplate) Apply(headers []string) ColumnMapping {
	byHeader := make(map[string]string, len(t.Fields))
	for field, h := range t.Fields {
		byHeader[headerKey(h)] = field
	}

	m := make(ColumnMapping, len(headers))
	used := make(map[string]bool)
	for i, h := range headers {
		m[i] = ColumnBinding{Column: i, Header: h, Field: Ignored}
		if field, ok := byHeader[headerKey(h)]; ok && !used[field] {
			m[i].Field = field
			used[field] = true
		}
	}
	return m
}

// MatchTemplates scores templates against headers and returns those at or
// above TemplateMatchThreshold, best first.
func MatchTemplates(templates []MappingTemplate, headers []string) []TemplateMatch {
	var matches []TemplateMatch
	for _, t := range templates {
		score := matchTemplateHeaders(headers, t.Headers)
		if score >= TemplateMatchThreshold {
			matches = append(matches, TemplateMatch{Template: t, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

// matchTemplateHeaders returns the fraction of template headers present in
// the file.
func matchTemplateHeaders(fileHeaders, templateHeaders []string) float64 {
	if len(templateHeaders) == 0 {
		return 0
	}

	present := make(map[string]bool, len(fileHeaders))
	for _, h := range fileHeaders {
		present[headerKey(h)] = true
	}

	matched := 0
	for _, h := range templateHeaders {
		if present[headerKey(h)] {
			matched++
		}
	}
	return float64(matched) / float64(len(templateHeaders))
}

func headerKey(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
