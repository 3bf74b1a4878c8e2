package schema_test

import (
	"strings"
	"testing"

	"github.com/ignatij/agentflow/pkg/models"
	"github.com/ignatij/agentflow/pkg/schema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		schema     *models.OutputSchema
		violations []string
	}{
		{
			name:    "nil schema accepts everything",
			content: "anything",
		},
		{
			name:    "text format accepts everything",
			content: "plain notes",
			schema:  &models.OutputSchema{Format: schema.FormatText},
		},
		{
			name:    "valid json",
			content: `{"summary": "ok"}`,
			schema:  &models.OutputSchema{Format: schema.FormatJSON},
		},
		{
			name:       "invalid json",
			content:    `{"summary": `,
			schema:     &models.OutputSchema{Format: schema.FormatJSON},
			violations: []string{"invalid JSON"},
		},
		{
			name:    "valid yaml",
			content: "summary: ok\nitems:\n  - one\n",
			schema:  &models.OutputSchema{Format: schema.FormatYAML},
		},
		{
			name:       "invalid yaml",
			content:    "summary: [unclosed",
			schema:     &models.OutputSchema{Format: schema.FormatYAML},
			violations: []string{"invalid YAML"},
		},
		{
			name:       "unknown format",
			content:    "x",
			schema:     &models.OutputSchema{Format: "xml"},
			violations: []string{"unknown format 'xml'"},
		},
		{
			name:    "markdown sections present",
			content: "# Report\n\n## Findings\n\n...\n\n## Recommendations\n",
			schema: &models.OutputSchema{
				Format:           schema.FormatMarkdown,
				RequiredSections: []string{"## Findings", "## Recommendations"},
			},
		},
		{
			name:    "markdown section missing",
			content: "# Report\n\n## Findings\n",
			schema: &models.OutputSchema{
				Format:           schema.FormatMarkdown,
				RequiredSections: []string{"## Findings", "## Recommendations"},
			},
			violations: []string{"required section '## Recommendations' not found"},
		},
		{
			name:    "json required fields present",
			content: `{"summary": "ok", "items": []}`,
			schema: &models.OutputSchema{
				Format:           schema.FormatJSON,
				RequiredSections: []string{"summary", "items"},
			},
		},
		{
			name:    "json required field missing",
			content: `{"summary": "ok"}`,
			schema: &models.OutputSchema{
				Format:           schema.FormatJSON,
				RequiredSections: []string{"summary", "items"},
			},
			violations: []string{"required field 'items' is missing"},
		},
		{
			name:       "too short",
			content:    "brief",
			schema:     &models.OutputSchema{MinChars: 100},
			violations: []string{"output is 5 chars, minimum is 100"},
		},
		{
			name:       "too long",
			content:    strings.Repeat("x", 50),
			schema:     &models.OutputSchema{MaxChars: 10},
			violations: []string{"output is 50 chars, maximum is 10"},
		},
		{
			name:    "multiple violations collected",
			content: "x",
			schema: &models.OutputSchema{
				Format:           schema.FormatMarkdown,
				RequiredSections: []string{"## Findings"},
				MinChars:         10,
			},
			violations: []string{
				"required section '## Findings' not found",
				"output is 1 chars, minimum is 10",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(tt.content, tt.schema)
			if len(tt.violations) == 0 {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, schema.ErrViolation)
			var ve *schema.ViolationError
			assert.True(t, errors.As(err, &ve))
			assert.Len(t, ve.Violations, len(tt.violations))
			for i, want := range tt.violations {
				assert.Contains(t, ve.Violations[i], want)
			}
		})
	}
}
