package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models ticketflow.yml, the template a project is seeded from.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"project" json:"project"`
	Statuses []StatusTemplate  `yaml:"statuses" json:"statuses"`
	Workflow *WorkflowTemplate `yaml:"workflow,omitempty" json:"workflow,omitempty"`
}

type StatusTemplate struct {
	Name      string `yaml:"name" json:"name"`
	Color     string `yaml:"color,omitempty" json:"color,omitempty"`
	Completed bool   `yaml:"completed,omitempty" json:"completed,omitempty"`
	Order     int    `yaml:"order" json:"order"`
}

// WorkflowTemplate expresses a workflow by status names.
type WorkflowTemplate struct {
	Initial     []string            `yaml:"initial" json:"initial"`
	Transitions map[string][]string `yaml:"transitions" json:"transitions"`
}

// Empty reports whether the template lists nothing.
func (w *WorkflowTemplate) Empty() bool {
	if w == nil {
		return true
	}
	if len(w.Initial) > 0 {
		return false
	}
	for _, to := range w.Transitions {
		if len(to) > 0 {
			return false
		}
	}
	return true
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Statuses) == 0 {
		return fmt.Errorf("config.statuses requires at least one status")
	}
	names := map[string]bool{}
	for i, st := range c.Statuses {
		name := strings.TrimSpace(st.Name)
		if name == "" {
			return fmt.Errorf("config.statuses[%d].name is required", i)
		}
		if names[name] {
			return fmt.Errorf("status %q declared twice", name)
		}
		names[name] = true
	}
	if c.Workflow != nil {
		if err := c.Workflow.validateNames(names); err != nil {
			return err
		}
	}
	return nil
}

func (w *WorkflowTemplate) validateNames(known map[string]bool) error {
	for _, name := range w.Initial {
		if !known[name] {
			return fmt.Errorf("workflow.initial references unknown status %q", name)
		}
	}
	for from, targets := range w.Transitions {
		if !known[from] {
			return fmt.Errorf("workflow.transitions references unknown status %q", from)
		}
		for _, to := range targets {
			if !known[to] {
				return fmt.Errorf("workflow.transitions[%s] references unknown status %q", from, to)
			}
		}
	}
	return nil
}

// Validate checks a standalone workflow file against the statuses of a project.
func (w *WorkflowTemplate) Validate(statusNames []string) error {
	known := make(map[string]bool, len(statusNames))
	for _, n := range statusNames {
		known[n] = true
	}
	return w.validateNames(known)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ticketflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in template for a project: three statuses and no
// workflow, so every transition is permitted until one is configured.
func Default(projectID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(projectID)))
	if err != nil {
		panic(fmt.Sprintf("default template invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// WorkflowFromYAML parses a workflow file:
//
//	initial: [Todo]
//	transitions:
//	  Todo: [In Progress]
//
// Status names are resolved by the caller.
func WorkflowFromYAML(data []byte) (*WorkflowTemplate, error) {
	var w WorkflowTemplate
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid workflow yaml: %w", err)
	}
	for from, targets := range w.Transitions {
		if strings.TrimSpace(from) == "" {
			return nil, fmt.Errorf("workflow.transitions has empty source status")
		}
		for _, to := range targets {
			if strings.TrimSpace(to) == "" {
				return nil, fmt.Errorf("workflow.transitions[%s] has empty target status", from)
			}
		}
	}
	return &w, nil
}

// WorkflowFromFile reads a workflow file from disk.
func WorkflowFromFile(path string) (*WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return WorkflowFromYAML(data)
}

// MarshalWorkflow renders a workflow template as YAML.
func MarshalWorkflow(w *WorkflowTemplate) ([]byte, error) {
	return yaml.Marshal(w)
}

const defaultTemplate = `project:
  id: %s
  name: %s

statuses:
  - name: Todo
    color: "#cecece"
    order: 1
  - name: In Progress
    color: "#ff7f00"
    order: 2
  - name: Done
    color: "#008000"
    completed: true
    order: 3

# Uncomment to restrict ticket status changes. Without a workflow every
# transition is allowed.
# workflow:
#   initial: [Todo]
#   transitions:
#     Todo: [In Progress]
#     In Progress: [Done, Todo]
`
