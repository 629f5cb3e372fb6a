package providersim

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
)

// DefaultFleet is a small fleet covering every capability: a cheap slow
// generalist, a fast expensive specialist, a high-quality certifier and a
// low-emission workshop.
func DefaultFleet() []Provider {
	all := []domain.Capability{
		domain.CapabilityAssessment, domain.CapabilityCleaning, domain.CapabilityDisassembly,
		domain.CapabilityRedesign, domain.CapabilityTurning, domain.CapabilityGrinding,
		domain.CapabilityPartSubstitution, domain.CapabilityReassembly, domain.CapabilityCertification,
	}
	return []Provider{
		{
			Snapshot: domain.ProviderSnapshot{ID: "main-remanufacturing-center", Name: "Main Remanufacturing Center", Type: "MainRemanufacturingCenter", Capabilities: all, Enabled: true},
			Profile:  Profile{CostPerHour: 60, HoursPerUnit: 2, Quality: 0.75, EmissionsPerHour: 4},
		},
		{
			Snapshot: domain.ProviderSnapshot{ID: "turning-and-grinding", Name: "Turning & Grinding Specialists", Type: "Specialist",
				Capabilities: []domain.Capability{domain.CapabilityTurning, domain.CapabilityGrinding, domain.CapabilityDisassembly}, Enabled: true},
			Profile: Profile{CostPerHour: 140, HoursPerUnit: 0.8, Quality: 0.85, EmissionsPerHour: 6},
		},
		{
			Snapshot: domain.ProviderSnapshot{ID: "engineering-design", Name: "Engineering Design Firm", Type: "EngineeringDesign",
				Capabilities: []domain.Capability{domain.CapabilityAssessment, domain.CapabilityRedesign, domain.CapabilityCertification}, Enabled: true},
			Profile: Profile{CostPerHour: 120, HoursPerUnit: 1.2, Quality: 0.97, EmissionsPerHour: 2},
		},
		{
			Snapshot: domain.ProviderSnapshot{ID: "green-workshop", Name: "Green Workshop", Type: "Workshop",
				Capabilities: []domain.Capability{domain.CapabilityCleaning, domain.CapabilityPartSubstitution, domain.CapabilityReassembly, domain.CapabilityGrinding}, Enabled: true},
			Profile: Profile{CostPerHour: 90, HoursPerUnit: 1.6, Quality: 0.8, EmissionsPerHour: 0.5},
		},
	}
}

// fleetFile is the YAML layout of a fleet definition.
type fleetFile struct {
	Providers []struct {
		ID           string              `yaml:"id"`
		Name         string              `yaml:"name"`
		Type         string              `yaml:"type"`
		Capabilities []domain.Capability `yaml:"capabilities"`
		MaxPowerKW   float64             `yaml:"max_power_kw"`
		MaxAxisMM    int                 `yaml:"max_axis_height_mm"`
		Profile      Profile             `yaml:"profile"`
	} `yaml:"providers"`
}

// LoadFleet reads a YAML fleet definition.
func LoadFleet(r io.Reader) ([]Provider, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f fleetFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding fleet: %w", err)
	}
	out := make([]Provider, 0, len(f.Providers))
	seen := make(map[string]bool)
	for i, p := range f.Providers {
		if p.ID == "" || len(p.Capabilities) == 0 {
			return nil, fmt.Errorf("%w: fleet entry %d needs an id and capabilities", domain.ErrInvalidArgument, i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate provider %s", domain.ErrInvalidArgument, p.ID)
		}
		seen[p.ID] = true
		if p.Profile.Quality < 0 || p.Profile.Quality > 1 {
			return nil, fmt.Errorf("%w: provider %s quality %g outside [0,1]", domain.ErrInvalidArgument, p.ID, p.Profile.Quality)
		}
		name := p.Name
		if name == "" {
			name = p.ID
		}
		out = append(out, Provider{
			Snapshot: domain.ProviderSnapshot{
				ID:           p.ID,
				Name:         name,
				Type:         p.Type,
				Capabilities: p.Capabilities,
				Limits:       domain.TechnicalLimits{MaxPowerKW: p.MaxPowerKW, MaxAxisHeightMM: p.MaxAxisMM},
				Enabled:      true,
			},
			Profile: p.Profile,
		})
	}
	return out, nil
}

// LoadFleetFile reads a fleet definition from path.
func LoadFleetFile(path string) ([]Provider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadFleet(f)
}
