package worker

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Report statuses a worker may submit through the report tool.
const (
	ReportComplete           = "complete"
	ReportNeedsClarification = "needs_clarification"
	ReportFailed             = "failed"
)

// Report is one invocation of the report tool.
type Report struct {
	WorkerID  string   `json:"worker_id"`
	Status    string   `json:"status"`
	Summary   string   `json:"summary"`
	Body      string   `json:"body,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Validate checks the report fields a worker controls.
func (r Report) Validate() error {
	if r.WorkerID == "" {
		return fmt.Errorf("report missing worker_id")
	}
	switch r.Status {
	case ReportComplete, ReportNeedsClarification, ReportFailed:
	default:
		return fmt.Errorf("report status %q is not one of complete, needs_clarification, failed", r.Status)
	}
	if strings.TrimSpace(r.Summary) == "" {
		return fmt.Errorf("report missing summary")
	}
	return nil
}

// AttentionKindForReport maps a report status onto the attention kind the
// messaging layer announces it with.
func AttentionKindForReport(status string) string {
	switch status {
	case ReportComplete:
		return AttentionResult
	case ReportNeedsClarification:
		return AttentionClarification
	default:
		return AttentionAlert
	}
}

// StatusForReport maps a report status onto the worker row status.
func StatusForReport(status string) string {
	switch status {
	case ReportComplete:
		return StatusComplete
	case ReportNeedsClarification:
		return StatusAwaitingClarification
	default:
		return StatusFailed
	}
}

type reportFrontmatter struct {
	Status    string   `yaml:"status"`
	Summary   string   `yaml:"summary"`
	Artifacts []string `yaml:"artifacts,omitempty"`
}

// ComposeReportMarkdown renders the canonical frontmatter-tagged report
// document stored in report_md.
func ComposeReportMarkdown(r Report) string {
	fm, err := yaml.Marshal(reportFrontmatter{
		Status:    r.Status,
		Summary:   r.Summary,
		Artifacts: r.Artifacts,
	})
	if err != nil {
		// yaml.Marshal of a plain struct cannot fail in practice; keep
		// the report rather than lose it.
		fm = []byte(fmt.Sprintf("status: %s\nsummary: %s\n", r.Status, r.Summary))
	}
	body := strings.TrimSpace(r.Body)
	if body == "" {
		body = r.Summary
	}
	return "---\n" + string(fm) + "---\n\n" + body + "\n"
}
