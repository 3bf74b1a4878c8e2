// Package schema checks executor output against the shape a unit declares:
// parseable format, required sections or fields, and length bounds. A
// violation is not retryable by itself; the recovery policy decides whether
// repair attempts remain.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ignatij/agentflow/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Recognized output formats.
const (
	FormatText     = "text"
	FormatJSON     = "json"
	FormatYAML     = "yaml"
	FormatMarkdown = "markdown"
)

// ErrViolation is the sentinel matched by errors.Is for any schema failure.
var ErrViolation = errors.New("output violates schema")

// ViolationError carries the full violation list so retries can feed it back
// as correction notes.
type ViolationError struct {
	Violations []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("output violates schema: %s", strings.Join(e.Violations, "; "))
}

func (e *ViolationError) Unwrap() error {
	return ErrViolation
}

// Validate checks content against the declared schema. A nil schema accepts
// everything. On failure the returned error is a *ViolationError.
func Validate(content string, s *models.OutputSchema) error {
	if s == nil {
		return nil
	}
	var violations []string

	switch s.Format {
	case "", FormatText, FormatMarkdown:
		// no parse check
	case FormatJSON:
		if err := json.Unmarshal([]byte(content), new(interface{})); err != nil {
			violations = append(violations, fmt.Sprintf("invalid JSON: %v", err))
		}
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(content), new(interface{})); err != nil {
			violations = append(violations, fmt.Sprintf("invalid YAML: %s", firstLine(err.Error())))
		}
	default:
		violations = append(violations, fmt.Sprintf("unknown format '%s'", s.Format))
	}

	// required sections are headings for markdown/text and top-level fields
	// for structured formats
	if len(violations) == 0 && len(s.RequiredSections) > 0 {
		switch s.Format {
		case FormatJSON, FormatYAML:
			violations = append(violations, missingFields(content, s.Format, s.RequiredSections)...)
		default:
			for _, section := range s.RequiredSections {
				if !strings.Contains(content, section) {
					violations = append(violations, fmt.Sprintf("required section '%s' not found", section))
				}
			}
		}
	}

	if s.MinChars > 0 && len(content) < s.MinChars {
		violations = append(violations, fmt.Sprintf("output is %d chars, minimum is %d", len(content), s.MinChars))
	}
	if s.MaxChars > 0 && len(content) > s.MaxChars {
		violations = append(violations, fmt.Sprintf("output is %d chars, maximum is %d", len(content), s.MaxChars))
	}

	if len(violations) > 0 {
		return &ViolationError{Violations: violations}
	}
	return nil
}

func missingFields(content, format string, required []string) []string {
	data := map[string]interface{}{}
	var err error
	if format == FormatJSON {
		err = json.Unmarshal([]byte(content), &data)
	} else {
		err = yaml.Unmarshal([]byte(content), &data)
	}
	if err != nil {
		return []string{fmt.Sprintf("expected a top-level object for required field checks: %v", err)}
	}
	var violations []string
	for _, field := range required {
		if _, ok := data[field]; !ok {
			violations = append(violations, fmt.Sprintf("required field '%s' is missing", field))
		}
	}
	return violations
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
