// Package config loads declarative run definitions. A RunConfig is the
// single source a run is created from; the engine serializes it onto the run
// row so a resume never needs the original file.
package config

import (
	"encoding/json"
	"os"

	"github.com/ignatij/agentflow/pkg/graph"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RunConfig is the declarative definition of one workflow run.
type RunConfig struct {
	Name             string                  `json:"name" yaml:"name"`
	Units            []models.WorkUnit       `json:"units" yaml:"units"`
	Globals          []models.GlobalContext  `json:"globals,omitempty" yaml:"globals,omitempty"` // Pinned run-wide context
	TokenBudget      int                     `json:"token_budget,omitempty" yaml:"token_budget,omitempty"`     // Per-unit context budget
	RunTokenCap      int                     `json:"run_token_cap,omitempty" yaml:"run_token_cap,omitempty"`   // Run-wide ceiling, 0 disables
	MaxParallel      int                     `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`     // 0 picks the scheduler default
	CheckpointPolicy models.CheckpointPolicy `json:"checkpoint_policy,omitempty" yaml:"checkpoint_policy,omitempty"`
	ApprovalDefault  models.ApprovalKind     `json:"approval_default,omitempty" yaml:"approval_default,omitempty"`
}

// Load reads and parses a YAML run definition from disk.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config '%s'", path)
	}
	return Parse(data)
}

// Parse unmarshals a YAML run definition, applies defaults and validates it.
func Parse(data []byte) (*RunConfig, error) {
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills the defaults a hand-built config may omit. Parse and the
// engine both call it, so partially specified configs behave the same
// everywhere.
func (c *RunConfig) Normalize() {
	if c.CheckpointPolicy == "" {
		c.CheckpointPolicy = models.CheckpointEveryWave
	}
	if c.ApprovalDefault == "" {
		c.ApprovalDefault = models.NoApproval
	}
}

// Validate rejects configurations the engine cannot run. Graph validation
// runs here too, so cycles and broken references never reach the store.
func (c *RunConfig) Validate() error {
	if c.Name == "" {
		return errors.New("config: name is required")
	}
	if _, err := c.BuildGraph(); err != nil {
		return err
	}
	switch c.CheckpointPolicy {
	case models.CheckpointEveryWave, models.CheckpointEveryUnit, models.CheckpointManual:
	default:
		return errors.Errorf("config: unknown checkpoint policy '%s'", c.CheckpointPolicy)
	}
	switch c.ApprovalDefault {
	case models.NoApproval, models.HumanApproval, models.SeniorReviewerApproval:
	default:
		return errors.Errorf("config: unknown approval default '%s'", c.ApprovalDefault)
	}
	for _, u := range c.Units {
		switch u.Approval {
		case "", models.NoApproval, models.HumanApproval, models.SeniorReviewerApproval:
		default:
			return errors.Errorf("config: unit '%s' has unknown approval kind '%s'", u.ID, u.Approval)
		}
	}
	if c.TokenBudget < 0 || c.RunTokenCap < 0 || c.MaxParallel < 0 {
		return errors.New("config: budgets and parallelism must not be negative")
	}
	return nil
}

// BuildGraph resolves the unit list into a validated run graph.
func (c *RunConfig) BuildGraph() (*graph.RunGraph, error) {
	return graph.Build(c.Units)
}

// Encode serializes the config for the run row.
func (c *RunConfig) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "encode config")
	}
	return string(b), nil
}

// Decode restores a config serialized by Encode.
func Decode(s string) (*RunConfig, error) {
	var cfg RunConfig
	if err := json.Unmarshal([]byte(s), &cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.Normalize()
	return &cfg, nil
}
