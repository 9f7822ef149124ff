package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// UseCaseConfig describes one monitoring scenario from the prompts file.
type UseCaseConfig struct {
	// Details is substituted for the {details} placeholder in the
	// monitoring user prompt.
	Details string `yaml:"details"`

	// Options is the ordered list of category labels. The first option
	// is the quiet "nothing happening" category.
	Options []string `yaml:"options"`

	// Keywords maps an option to the phrases that select it in a
	// free-form model answer. Optional; without it options are matched
	// directly against the response head.
	Keywords map[string][]string `yaml:"keywords"`
}

// Prompts is the use-case prompt configuration consumed by the worker.
type Prompts struct {
	SystemPrompt string `yaml:"system_prompt"`
	UserPrompt   string `yaml:"user_prompt"`

	// Active selects the use case to monitor. May be omitted when
	// exactly one use case is configured.
	Active string `yaml:"active_use_case"`

	UseCases map[string]UseCaseConfig `yaml:"use_cases"`
}

// DefaultPrompts returns a built-in retail monitoring configuration so
// the server can run without a prompts file.
func DefaultPrompts() *Prompts {
	return &Prompts{
		SystemPrompt: "You are a monitoring assistant watching a retail camera feed.",
		UserPrompt:   "Describe what the person in the image is doing. {details}",
		Active:       "shelf_activity",
		UseCases: map[string]UseCaseConfig{
			"shelf_activity": {
				Details: "Focus on whether they pick up an item or only look at the shelf.",
				Options: []string{"", "pickup", "browsing"},
				Keywords: map[string][]string{
					"pickup":   {"reaching", "picking", "grabbing", "holding"},
					"browsing": {"looking", "browsing", "standing", "watching"},
				},
			},
		},
	}
}

// LoadPrompts reads and validates a prompts file.
func LoadPrompts(path string) (*Prompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("prompts %s: %w", path, err)
	}
	return &p, nil
}

func (p *Prompts) validate() error {
	if len(p.UseCases) == 0 {
		return fmt.Errorf("no use_cases configured")
	}
	if p.Active == "" {
		if len(p.UseCases) > 1 {
			return fmt.Errorf("active_use_case required with multiple use_cases")
		}
		for name := range p.UseCases {
			p.Active = name
		}
	}
	if _, ok := p.UseCases[p.Active]; !ok {
		return fmt.Errorf("active_use_case %q is not defined", p.Active)
	}
	return nil
}

// ActiveUseCase returns the selected use case.
func (p *Prompts) ActiveUseCase() UseCaseConfig {
	return p.UseCases[p.Active]
}

// MonitorUserPrompt returns the user prompt with the active use case's
// details substituted for the {details} placeholder.
func (p *Prompts) MonitorUserPrompt() string {
	uc := p.ActiveUseCase()
	return strings.ReplaceAll(p.UserPrompt, "{details}", uc.Details)
}
