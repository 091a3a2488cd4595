// Package prompts manages the mutable prompt configuration the improvement
// loop is allowed to rewrite: the agent and task definitions of the email
// crew, stored as agents.yaml and tasks.yaml.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	AgentsFile = "agents.yaml"
	TasksFile  = "tasks.yaml"
)

// Agent section names. These are the logical roles of the crew; the failure
// analyzer binds clusters to them through the task sections below.
const (
	AgentLinkedInResearcher = "linkedin_researcher"
	AgentProspectResearcher = "prospect_researcher"
	AgentPersonalizer       = "content_personalizer"
	AgentCopywriter         = "email_copywriter"
)

// Task section names.
const (
	TaskLinkedInResearch = "linkedin_research_task"
	TaskResearchProspect = "research_prospect_task"
	TaskPersonalize      = "personalize_content_task"
	TaskWriteEmail       = "write_email_task"
)

// AgentSpec is one agent definition.
type AgentSpec struct {
	Role      string `yaml:"role"`
	Goal      string `yaml:"goal"`
	Backstory string `yaml:"backstory"`
}

// TaskSpec is one task definition.
type TaskSpec struct {
	Description    string `yaml:"description"`
	ExpectedOutput string `yaml:"expected_output"`
}

// Config is the full prompt configuration. It is a plain value: the
// orchestrator owns the on-disk artifact and passes copies down.
type Config struct {
	Agents map[string]AgentSpec `yaml:"agents"`
	Tasks  map[string]TaskSpec  `yaml:"tasks"`
}

// RequiredAgents and RequiredTasks are the sections a valid configuration
// must define.
var (
	RequiredAgents = []string{
		AgentLinkedInResearcher, AgentProspectResearcher,
		AgentPersonalizer, AgentCopywriter,
	}
	RequiredTasks = []string{
		TaskLinkedInResearch, TaskResearchProspect,
		TaskPersonalize, TaskWriteEmail,
	}
)

// Load reads agents.yaml and tasks.yaml from dir.
func Load(dir string) (*Config, error) {
	agentsData, err := os.ReadFile(filepath.Join(dir, AgentsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", AgentsFile, err)
	}
	tasksData, err := os.ReadFile(filepath.Join(dir, TasksFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", TasksFile, err)
	}
	return Parse(agentsData, tasksData)
}

// Parse builds a Config from raw YAML documents.
func Parse(agentsYAML, tasksYAML []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(agentsYAML, &cfg.Agents); err != nil {
		return nil, fmt.Errorf("failed to parse agents: %w", err)
	}
	if err := yaml.Unmarshal(tasksYAML, &cfg.Tasks); err != nil {
		return nil, fmt.Errorf("failed to parse tasks: %w", err)
	}
	return cfg, nil
}

// Marshal serializes the configuration back into the two YAML documents.
func (c *Config) Marshal() (agentsYAML, tasksYAML []byte, err error) {
	agentsYAML, err = yaml.Marshal(c.Agents)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal agents: %w", err)
	}
	tasksYAML, err = yaml.Marshal(c.Tasks)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal tasks: %w", err)
	}
	return agentsYAML, tasksYAML, nil
}

// Save writes both documents to dir atomically (temp file + rename), so a
// crash never leaves a half-written configuration active.
func (c *Config) Save(dir string) error {
	agentsYAML, tasksYAML, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, AgentsFile), agentsYAML); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, TasksFile), tasksYAML)
}

// Validate checks that every required section exists with non-empty content
// and that the configuration survives a serialize/parse round trip.
func (c *Config) Validate() error {
	for _, name := range RequiredAgents {
		spec, ok := c.Agents[name]
		if !ok {
			return fmt.Errorf("missing agent section %q", name)
		}
		if spec.Role == "" || spec.Goal == "" {
			return fmt.Errorf("agent %q has empty role or goal", name)
		}
	}
	for _, name := range RequiredTasks {
		spec, ok := c.Tasks[name]
		if !ok {
			return fmt.Errorf("missing task section %q", name)
		}
		if spec.Description == "" || spec.ExpectedOutput == "" {
			return fmt.Errorf("task %q has empty description or expected_output", name)
		}
	}

	agentsYAML, tasksYAML, err := c.Marshal()
	if err != nil {
		return err
	}
	if _, err := Parse(agentsYAML, tasksYAML); err != nil {
		return fmt.Errorf("round trip failed: %w", err)
	}
	return nil
}

// Clone returns a deep copy. Adapters patch the copy, never the original.
func (c *Config) Clone() *Config {
	out := &Config{
		Agents: make(map[string]AgentSpec, len(c.Agents)),
		Tasks:  make(map[string]TaskSpec, len(c.Tasks)),
	}
	for k, v := range c.Agents {
		out.Agents[k] = v
	}
	for k, v := range c.Tasks {
		out.Tasks[k] = v
	}
	return out
}

// SectionNames lists every section in deterministic order, for logs.
func (c *Config) SectionNames() []string {
	names := make([]string, 0, len(c.Agents)+len(c.Tasks))
	for k := range c.Agents {
		names = append(names, "agents."+k)
	}
	for k := range c.Tasks {
		names = append(names, "tasks."+k)
	}
	sort.Strings(names)
	return names
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".crewtune-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
