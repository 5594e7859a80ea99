package interfaces

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// CircuitSetup describes one circuit of a ceremony being created.
type CircuitSetup struct {
	ID               string `json:"id,omitempty" yaml:"id"`
	Name             string `json:"name" yaml:"name"`
	Prefix           string `json:"prefix" yaml:"prefix"`
	SequencePosition int    `json:"sequencePosition" yaml:"sequencePosition"`
	FixedTimeWindow  int    `json:"fixedTimeWindow" yaml:"fixedTimeWindow"`
	DynamicThreshold int    `json:"dynamicThreshold" yaml:"dynamicThreshold"`
	// CircuitHash is the hex digest of the constraint system.
	CircuitHash string `json:"circuitHash" yaml:"circuitHash"`
	// Powers is the number of G1 powers of the genesis artifact.
	Powers int `json:"powers" yaml:"powers"`
	// MaxQueueLength bounds the waiting participants. 0 means unbounded.
	MaxQueueLength int `json:"maxQueueLength,omitempty" yaml:"maxQueueLength"`
}

// CeremonySetup is the input of ceremony creation.
type CeremonySetup struct {
	ID               string           `json:"id,omitempty" yaml:"id"`
	Prefix           string           `json:"prefix" yaml:"prefix"`
	Title            string           `json:"title" yaml:"title"`
	Description      string           `json:"description,omitempty" yaml:"description"`
	TimeoutMechanism TimeoutMechanism `json:"timeoutMechanismType" yaml:"timeoutMechanismType"`
	Penalty          int              `json:"penalty" yaml:"penalty"`
	StartDate        time.Time        `json:"startDate" yaml:"startDate"`
	EndDate          time.Time        `json:"endDate" yaml:"endDate"`
	Circuits         []CircuitSetup   `json:"circuits" yaml:"circuits"`
}

// LoadSetup reads a YAML (or JSON) ceremony description and validates it.
func LoadSetup(r io.Reader) (*CeremonySetup, error) {
	var s CeremonySetup
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSetup, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the setup for missing or inconsistent fields.
func (s *CeremonySetup) Validate() error {
	if s.Prefix == "" || s.Title == "" {
		return fmt.Errorf("%w: prefix and title are required", ErrInvalidSetup)
	}
	if s.TimeoutMechanism != TimeoutFixed && s.TimeoutMechanism != TimeoutDynamic {
		return fmt.Errorf("%w: unknown timeout mechanism", ErrInvalidSetup)
	}
	if s.Penalty < 0 {
		return fmt.Errorf("%w: negative penalty", ErrInvalidSetup)
	}
	if !s.EndDate.After(s.StartDate) {
		return fmt.Errorf("%w: end date must be after start date", ErrInvalidSetup)
	}
	if len(s.Circuits) == 0 {
		return fmt.Errorf("%w: no circuits", ErrInvalidSetup)
	}
	positions := make(map[int]bool)
	prefixes := make(map[string]bool)
	for _, c := range s.Circuits {
		if c.Prefix == "" || c.Name == "" {
			return fmt.Errorf("%w: circuit name and prefix are required", ErrInvalidSetup)
		}
		if c.SequencePosition < 1 || c.SequencePosition > len(s.Circuits) || positions[c.SequencePosition] {
			return fmt.Errorf("%w: circuit %s: sequence positions must be 1..%d without repetition", ErrInvalidSetup, c.Prefix, len(s.Circuits))
		}
		if prefixes[c.Prefix] {
			return fmt.Errorf("%w: duplicate circuit prefix %s", ErrInvalidSetup, c.Prefix)
		}
		if c.FixedTimeWindow <= 0 {
			return fmt.Errorf("%w: circuit %s: fixed time window must be positive", ErrInvalidSetup, c.Prefix)
		}
		if c.DynamicThreshold < 0 {
			return fmt.Errorf("%w: circuit %s: negative dynamic threshold", ErrInvalidSetup, c.Prefix)
		}
		if c.MaxQueueLength < 0 {
			return fmt.Errorf("%w: circuit %s: negative queue length", ErrInvalidSetup, c.Prefix)
		}
		positions[c.SequencePosition] = true
		prefixes[c.Prefix] = true
	}
	return nil
}

// CircuitReport is the verification outcome of one circuit.
type CircuitReport struct {
	CircuitID     string   `json:"circuitId"`
	Prefix        string   `json:"prefix"`
	Contributions int      `json:"contributions"`
	Finalized     bool     `json:"finalized"`
	Valid         bool     `json:"valid"`
	Errors        []string `json:"errors,omitempty"`
}

// VerificationReport is the outcome of a full ceremony verification.
type VerificationReport struct {
	CeremonyID string          `json:"ceremonyId"`
	Valid      bool            `json:"valid"`
	Circuits   []CircuitReport `json:"circuits"`
}
