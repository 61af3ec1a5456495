// Package catalog owns the seed definitions for duties, missions and worker
// prompt templates. Defaults are embedded in the binary, scaffolded to the
// engine config directory on first run, and synced into the database so the
// schedulers only ever read their own tables.
package catalog

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults
var defaultsFS embed.FS

// DutyDef is one duty entry in duties.yaml.
type DutyDef struct {
	Slug           string `yaml:"slug"`
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	ScheduleTime   string `yaml:"schedule_time"`
	ScheduleDays   string `yaml:"schedule_days"`
	TimeoutMinutes int    `yaml:"timeout_minutes"`
	Prompt         string `yaml:"prompt"`
}

// MissionDef is one mission entry in missions.yaml.
type MissionDef struct {
	Slug           string `yaml:"slug"`
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	Role           string `yaml:"role"`
	ScheduleType   string `yaml:"schedule_type"`
	ScheduleTime   string `yaml:"schedule_time"`
	ScheduleDays   string `yaml:"schedule_days"`
	ScheduleCron   string `yaml:"schedule_cron"`
	TimeoutMinutes int    `yaml:"timeout_minutes"`
	Prompt         string `yaml:"prompt"`
}

type dutyFile struct {
	Duties []DutyDef `yaml:"duties"`
}

type missionFile struct {
	Missions []MissionDef `yaml:"missions"`
}

// WorkerPromptDef is one worker prompt template.
type WorkerPromptDef struct {
	Description string `yaml:"description"`
	Template    string `yaml:"template"`
}

type workerPromptFile struct {
	Templates map[string]WorkerPromptDef `yaml:"templates"`
}

// GenericTaskType is the fallback template for unknown worker task types.
const GenericTaskType = "generic"

// WorkerPrompts resolves task types to filled-in prompts.
type WorkerPrompts struct {
	templates map[string]WorkerPromptDef
}

// LoadDuties parses a duties.yaml file.
func LoadDuties(path string) ([]DutyDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read duties file: %w", err)
	}
	var f dutyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse duties file: %w", err)
	}
	if err := validateDuties(f.Duties); err != nil {
		return nil, err
	}
	return f.Duties, nil
}

// LoadMissions parses a missions.yaml file.
func LoadMissions(path string) ([]MissionDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read missions file: %w", err)
	}
	var f missionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse missions file: %w", err)
	}
	if err := validateMissions(f.Missions); err != nil {
		return nil, err
	}
	return f.Missions, nil
}

// LoadWorkerPrompts parses a worker_prompts.yaml file.
func LoadWorkerPrompts(path string) (*WorkerPrompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worker prompts file: %w", err)
	}
	var f workerPromptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse worker prompts file: %w", err)
	}
	if len(f.Templates) == 0 {
		return nil, fmt.Errorf("worker prompts file has no templates")
	}
	return &WorkerPrompts{templates: f.Templates}, nil
}

// TaskTypes lists the known task types, sorted.
func (w *WorkerPrompts) TaskTypes() []string {
	types := make([]string, 0, len(w.templates))
	for t := range w.templates {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Has reports whether a template exists for the task type.
func (w *WorkerPrompts) Has(taskType string) bool {
	_, ok := w.templates[taskType]
	return ok
}

// Render fills the template for taskType with params. Placeholders use
// {name} syntax. Unknown task types fall back to the generic template.
func (w *WorkerPrompts) Render(taskType string, params map[string]string) (string, error) {
	def, ok := w.templates[taskType]
	if !ok {
		def, ok = w.templates[GenericTaskType]
		if !ok {
			return "", fmt.Errorf("no worker prompt template for task type %q", taskType)
		}
	}
	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(def.Template), nil
}

func validateDuties(duties []DutyDef) error {
	seen := make(map[string]bool, len(duties))
	for _, d := range duties {
		if d.Slug == "" {
			return fmt.Errorf("duty with empty slug")
		}
		if seen[d.Slug] {
			return fmt.Errorf("duplicate duty slug: %s", d.Slug)
		}
		seen[d.Slug] = true
		if !validClockTime(d.ScheduleTime) {
			return fmt.Errorf("duty %s: schedule_time %q is not HH:MM", d.Slug, d.ScheduleTime)
		}
	}
	return nil
}

func validateMissions(missions []MissionDef) error {
	seen := make(map[string]bool, len(missions))
	for _, m := range missions {
		if m.Slug == "" {
			return fmt.Errorf("mission with empty slug")
		}
		if seen[m.Slug] {
			return fmt.Errorf("duplicate mission slug: %s", m.Slug)
		}
		seen[m.Slug] = true
		if m.Role == "" || strings.EqualFold(m.Role, "chief") {
			return fmt.Errorf("mission %s: role must be set and cannot be chief", m.Slug)
		}
		switch m.ScheduleType {
		case "time":
			if !validClockTime(m.ScheduleTime) {
				return fmt.Errorf("mission %s: schedule_time %q is not HH:MM", m.Slug, m.ScheduleTime)
			}
		case "cron":
			if strings.TrimSpace(m.ScheduleCron) == "" {
				return fmt.Errorf("mission %s: cron schedule requires schedule_cron", m.Slug)
			}
		case "":
			// Manual missions have no schedule.
		default:
			return fmt.Errorf("mission %s: unknown schedule_type %q", m.Slug, m.ScheduleType)
		}
	}
	return nil
}

// validClockTime accepts 24h HH:MM wall-clock strings.
func validClockTime(s string) bool {
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	hh := s[:2]
	mm := s[3:]
	for _, c := range hh + mm {
		if c < '0' || c > '9' {
			return false
		}
	}
	h := int(hh[0]-'0')*10 + int(hh[1]-'0')
	m := int(mm[0]-'0')*10 + int(mm[1]-'0')
	return h < 24 && m < 60
}
