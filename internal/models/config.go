// Package models: experiment configuration loading.
package models

import (
	"encoding/json"
	"fmt"
	"os"
)

// ExperimentConfig is the startup configuration: every experiment this
// deployment serves and the channel bindings that route inbound traffic.
type ExperimentConfig struct {
	Experiments []Experiment        `json:"experiments"`
	Channels    []ExperimentChannel `json:"channels"`
}

// LoadExperimentConfig reads and validates the experiment configuration file.
func LoadExperimentConfig(path string) (*ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment config %s: %w", path, err)
	}
	var cfg ExperimentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse experiment config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid experiment config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks cross-references between experiments, routes, and channels.
func (c *ExperimentConfig) Validate() error {
	byID := make(map[string]*Experiment, len(c.Experiments))
	for i := range c.Experiments {
		e := &c.Experiments[i]
		if e.ID == "" {
			return fmt.Errorf("experiment %q: missing id", e.Name)
		}
		if e.Prompt == "" {
			return fmt.Errorf("experiment %s: missing prompt", e.ID)
		}
		byID[e.ID] = e
	}
	for i := range c.Experiments {
		e := &c.Experiments[i]
		for _, r := range e.Routes {
			if _, ok := resolveChild(e, byID, r.ExperimentID); !ok {
				return fmt.Errorf("experiment %s: route %q references unknown experiment %s", e.ID, r.Keyword, r.ExperimentID)
			}
		}
		if e.TerminalExperimentID != "" {
			if _, ok := resolveChild(e, byID, e.TerminalExperimentID); !ok {
				return fmt.Errorf("experiment %s: terminal route references unknown experiment %s", e.ID, e.TerminalExperimentID)
			}
		}
	}
	for i := range c.Channels {
		ch := &c.Channels[i]
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("channel %s: %w", ch.ID, err)
		}
		if _, ok := byID[ch.ExperimentID]; !ok {
			return fmt.Errorf("channel %s: unknown experiment %s", ch.ID, ch.ExperimentID)
		}
	}
	return nil
}

// ExperimentByID resolves a top-level experiment.
func (c *ExperimentConfig) ExperimentByID(id string) (*Experiment, bool) {
	for i := range c.Experiments {
		if c.Experiments[i].ID == id {
			return &c.Experiments[i], true
		}
	}
	return nil, false
}

// ChildExperiment resolves a route target, checking the parent's inline
// children first and then the top-level experiment list.
func (c *ExperimentConfig) ChildExperiment(parent *Experiment, id string) (*Experiment, bool) {
	byID := make(map[string]*Experiment, len(c.Experiments))
	for i := range c.Experiments {
		byID[c.Experiments[i].ID] = &c.Experiments[i]
	}
	return resolveChild(parent, byID, id)
}

func resolveChild(parent *Experiment, byID map[string]*Experiment, id string) (*Experiment, bool) {
	if child, ok := parent.ChildExperiments[id]; ok {
		return child, true
	}
	child, ok := byID[id]
	return child, ok
}
