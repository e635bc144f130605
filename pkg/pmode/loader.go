package pmode

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a PMode definition file.
type File struct {
	PModes []*ProcessingMode `yaml:"pmodes"`
}

// LoadFile reads PModes from a YAML file. Environment variables in the
// file are expanded before parsing.
func LoadFile(path string) ([]*ProcessingMode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pmode file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates PMode definitions.
func Parse(data []byte) ([]*ProcessingMode, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing pmode file: %w", err)
	}

	seen := make(map[string]bool, len(f.PModes))
	for i, pm := range f.PModes {
		if err := pm.Validate(); err != nil {
			return nil, fmt.Errorf("pmode %d: %w", i, err)
		}
		if seen[pm.ID] {
			return nil, fmt.Errorf("duplicate pmode id %q", pm.ID)
		}
		seen[pm.ID] = true
	}
	return f.PModes, nil
}

// Validate checks structural consistency of the PMode.
func (pm *ProcessingMode) Validate() error {
	if pm.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch pm.MEP {
	case MEPOneWay:
		if len(pm.Legs) != 1 {
			return fmt.Errorf("one-way pmode %q needs exactly one leg", pm.ID)
		}
	case MEPTwoWay:
		if len(pm.Legs) != 2 {
			return fmt.Errorf("two-way pmode %q needs two legs", pm.ID)
		}
	default:
		return fmt.Errorf("pmode %q: unsupported mep %q", pm.ID, pm.MEP)
	}
	switch pm.MEPBinding {
	case BindingPush, BindingPull, BindingSync, BindingPushAndPush, BindingPushAndPull, BindingPullAndPush:
	default:
		return fmt.Errorf("pmode %q: unsupported mep binding %q", pm.ID, pm.MEPBinding)
	}
	for i := range pm.Legs {
		if v := pm.Legs[i].Protocol; v != nil && v.SOAPVersion != "" && !pm.Legs[i].SOAPVersion().IsKnown() {
			return fmt.Errorf("pmode %q leg %d: invalid soap version %q", pm.ID, i+1, v.SOAPVersion)
		}
	}
	return nil
}
