// Package runbook holds the per-category response playbooks: which
// diagnostic commands to run for a fault category and the deterministic
// fallback remediation to use when the advisor is unavailable.
package runbook

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opsmend/opsmend/internal/incident"
)

// Runbook defines the response for one fault category.
type Runbook struct {
	Category          incident.Category `yaml:"category"`
	Diagnostics       []string          `yaml:"diagnostics"`
	FallbackReasoning string            `yaml:"fallback_reasoning"`
	FallbackCommand   string            `yaml:"fallback_command"`
}

// Library is the set of runbooks keyed by category.
type Library struct {
	byCategory map[incident.Category]Runbook
}

// unknownReasoning/unknownCommand are returned for categories without a
// runbook. The command is deliberately inert.
const (
	unknownReasoning = "Unknown issue type. No specific remediation."
	unknownCommand   = "echo 'No remediation found'"
)

// DefaultLibrary returns the built-in runbooks. archiveBucket is
// interpolated into the disk remediation's upload target.
func DefaultLibrary(archiveBucket string) *Library {
	diskCmd := fmt.Sprintf(
		"export PATH=$PATH:/usr/local/bin; aws s3 cp /var/log/garbage.log s3://%s/garbage.log-$(date +%%s) && > /var/log/garbage.log",
		archiveBucket,
	)
	books := []Runbook{
		{
			Category:          incident.CategoryDiskCritical,
			Diagnostics:       []string{"df -h /", "ls -lRh /var/log/ | head -n 20"},
			FallbackReasoning: "Disk usage critical. Archiving garbage.log and clearing file to free space.",
			FallbackCommand:   diskCmd,
		},
		{
			Category:          incident.CategoryServiceDown,
			Diagnostics:       []string{"systemctl status nginx", "journalctl -u nginx -n 20"},
			FallbackReasoning: "Nginx service is down. Restarting service to restore availability.",
			FallbackCommand:   "systemctl restart nginx",
		},
		{
			Category:          incident.CategoryMemoryExhaustion,
			Diagnostics:       []string{"free -m", "ps aux --sort=-%mem | head -n 10"},
			FallbackReasoning: "Memory exhaustion detected. Terminating stress-ng process.",
			FallbackCommand:   "pkill -f 'stress-ng' || pkill -f 'python3'",
		},
	}

	lib := &Library{byCategory: make(map[incident.Category]Runbook, len(books))}
	for _, b := range books {
		lib.byCategory[b.Category] = b
	}
	return lib
}

// LoadLibrary reads runbook overrides from a YAML file. Categories absent
// from the file keep their built-in runbook.
func LoadLibrary(path, archiveBucket string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runbook file: %w", err)
	}

	var overrides []Runbook
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse runbook file: %w", err)
	}

	lib := DefaultLibrary(archiveBucket)
	for _, b := range overrides {
		if b.Category == "" {
			return nil, fmt.Errorf("runbook entry missing category")
		}
		lib.byCategory[b.Category] = b
	}
	return lib, nil
}

// For returns the runbook for a category.
func (l *Library) For(cat incident.Category) (Runbook, bool) {
	b, ok := l.byCategory[cat]
	return b, ok
}

// Fallback returns the deterministic remediation for a category. Categories
// without a runbook get an explanatory reasoning and an inert command.
func (l *Library) Fallback(cat incident.Category) (reasoning, command string) {
	b, ok := l.byCategory[cat]
	if !ok {
		return unknownReasoning, unknownCommand
	}
	return b.FallbackReasoning, b.FallbackCommand
}
