// Package workflow classifies optimization requests into process templates.
package workflow

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
)

// Template is an ordered list of required capabilities.
type Template struct {
	Type  domain.WorkflowType `yaml:"type"`
	Steps []TemplateStep      `yaml:"steps"`
}

// TemplateStep is one activity of a template.
type TemplateStep struct {
	Capability domain.Capability `yaml:"capability"`
	Activity   string            `yaml:"activity"`
}

// TemplateFile is the YAML document accepted by LoadTemplates.
type TemplateFile struct {
	Version   string     `yaml:"version"`
	Templates []Template `yaml:"templates"`
}

// Builtin returns the default Upgrade and Refurbish templates.
func Builtin() []Template {
	return []Template{
		{
			Type: domain.WorkflowUpgrade,
			Steps: []TemplateStep{
				{domain.CapabilityAssessment, "Initial motor assessment and efficiency measurement"},
				{domain.CapabilityCleaning, "Cleaning of housing, stator and rotor"},
				{domain.CapabilityDisassembly, "Disassembly into serviceable components"},
				{domain.CapabilityRedesign, "Electromagnetic redesign for the target efficiency class"},
				{domain.CapabilityTurning, "Turning of rotor and shaft to redesigned tolerances"},
				{domain.CapabilityGrinding, "Grinding of bearing seats and shaft"},
				{domain.CapabilityReassembly, "Reassembly with upgraded components"},
				{domain.CapabilityCertification, "Efficiency test and certification"},
			},
		},
		{
			Type: domain.WorkflowRefurbish,
			Steps: []TemplateStep{
				{domain.CapabilityAssessment, "Initial motor assessment and fault diagnosis"},
				{domain.CapabilityCleaning, "Cleaning of housing, stator and rotor"},
				{domain.CapabilityDisassembly, "Disassembly into serviceable components"},
				{domain.CapabilityGrinding, "Grinding of worn bearing seats and shaft"},
				{domain.CapabilityPartSubstitution, "Replacement of worn or damaged parts"},
				{domain.CapabilityReassembly, "Reassembly"},
				{domain.CapabilityCertification, "Performance test and certification"},
			},
		},
	}
}

// LoadTemplates decodes a YAML template file.
func LoadTemplates(r io.Reader) ([]Template, error) {
	var file TemplateFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	for _, t := range file.Templates {
		if err := t.validate(); err != nil {
			return nil, err
		}
	}
	return file.Templates, nil
}

// LoadTemplatesFile reads templates from a YAML file.
func LoadTemplatesFile(path string) ([]Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening templates file: %w", err)
	}
	defer f.Close()
	return LoadTemplates(f)
}

func (t Template) validate() error {
	var errs []error
	if t.Type == "" {
		errs = append(errs, errors.New("template type is required"))
	}
	if len(t.Steps) == 0 {
		errs = append(errs, fmt.Errorf("template %s has no steps", t.Type))
	}
	for i, s := range t.Steps {
		if s.Capability == "" {
			errs = append(errs, fmt.Errorf("template %s step %d has no capability", t.Type, i+1))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidArgument, errors.Join(errs...))
}

// Resolver maps a request to a template.
type Resolver struct {
	templates map[domain.WorkflowType]Template
}

// NewResolver creates a resolver. Overrides replace built-in templates of the
// same type.
func NewResolver(overrides ...Template) (*Resolver, error) {
	r := &Resolver{templates: make(map[domain.WorkflowType]Template)}
	for _, t := range Builtin() {
		r.templates[t.Type] = t
	}
	for _, t := range overrides {
		if err := t.validate(); err != nil {
			return nil, err
		}
		r.templates[t.Type] = t
	}
	return r, nil
}

// Classify picks the workflow type from the efficiency classes: a higher
// target class is an Upgrade, an equal one a Refurbish. A lower target is
// inconsistent.
func Classify(req domain.OptimizationRequest) (domain.WorkflowType, error) {
	current := req.Motor.CurrentEfficiency.Rank()
	target := req.Motor.TargetEfficiency.Rank()
	switch {
	case current == 0 || target == 0:
		return "", fmt.Errorf("%w: unknown efficiency class (current %q, target %q)",
			domain.ErrTemplateResolution, req.Motor.CurrentEfficiency, req.Motor.TargetEfficiency)
	case target > current:
		return domain.WorkflowUpgrade, nil
	case target == current:
		return domain.WorkflowRefurbish, nil
	default:
		return "", fmt.Errorf("%w: target class %s is below current class %s",
			domain.ErrTemplateResolution, req.Motor.TargetEfficiency, req.Motor.CurrentEfficiency)
	}
}

// Resolve returns the workflow type and its numbered steps. Steps carry no
// candidates yet.
func (r *Resolver) Resolve(req domain.OptimizationRequest) (domain.WorkflowType, []domain.ProcessStep, error) {
	wt, err := Classify(req)
	if err != nil {
		return "", nil, err
	}
	tmpl, ok := r.templates[wt]
	if !ok {
		return "", nil, fmt.Errorf("%w: no template for workflow %s", domain.ErrTemplateResolution, wt)
	}
	steps := make([]domain.ProcessStep, len(tmpl.Steps))
	for i, s := range tmpl.Steps {
		steps[i] = domain.ProcessStep{
			Number:     i + 1,
			Capability: s.Capability,
			Activity:   s.Activity,
		}
	}
	return wt, steps, nil
}
