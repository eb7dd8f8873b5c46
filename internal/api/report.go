package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/opsmend/opsmend/internal/incident"
)

// RenderReport builds the fixed-structure post-incident report in markdown.
// Every field degrades to an explicit placeholder when absent.
func RenderReport(inc *incident.Incident) string {
	var b strings.Builder

	b.WriteString("# Post-Incident Report\n\n")
	b.WriteString("## Incident Summary\n\n")
	b.WriteString("| Field | Value |\n|-------|-------|\n")
	fmt.Fprintf(&b, "| **Incident ID** | `%s` |\n", inc.ID)
	fmt.Fprintf(&b, "| **Alarm** | %s |\n", orNA(inc.AlarmName))
	fmt.Fprintf(&b, "| **Host** | `%s` |\n", orNA(inc.TargetHost))
	fmt.Fprintf(&b, "| **Status** | %s |\n", statusTitle(inc.Status))
	fmt.Fprintf(&b, "| **Created** | %s |\n", timeOrNA(inc.CreatedAt))
	fmt.Fprintf(&b, "| **Resolved** | %s |\n", timeOrNA(inc.UpdatedAt))
	fmt.Fprintf(&b, "| **Duration** | %s |\n", duration(inc.CreatedAt, inc.UpdatedAt))

	b.WriteString("\n## Alarm Details\n\n")
	if inc.AlarmDescription != "" {
		b.WriteString(inc.AlarmDescription + "\n")
	} else {
		b.WriteString("No description available.\n")
	}

	b.WriteString("\n## Root Cause Analysis\n\n")
	if inc.SuggestedReasoning != "" {
		b.WriteString("**Advisor Analysis:** " + inc.SuggestedReasoning + "\n")
	} else {
		b.WriteString("**Advisor Analysis:** No analysis available.\n")
	}

	b.WriteString("\n## Remediation\n\n")
	b.WriteString("**Suggested Command:**\n```bash\n" + orNA(inc.SuggestedCommand) + "\n```\n")
	if inc.CustomCommand != "" {
		b.WriteString("\n**Custom Command Used:**\n```bash\n" + inc.CustomCommand + "\n```\n")
	}
	b.WriteString("\n**Remediation Output:**\n```\n")
	if inc.RemediationOutput != "" {
		b.WriteString(inc.RemediationOutput + "\n")
	} else {
		b.WriteString("No output recorded.\n")
	}
	b.WriteString("```\n")

	if len(inc.Timeline) > 0 {
		b.WriteString("\n## Timeline\n\n| Time | Event | Detail |\n|------|-------|--------|\n")
		for _, e := range inc.Timeline {
			detail := incident.Truncate(e.Detail, 100)
			fmt.Fprintf(&b, "| %s | %s | %s |\n",
				timeOrNA(e.Timestamp), orNA(e.Event), strings.ReplaceAll(detail, "\n", " "))
		}
	}

	b.WriteString("\n## Diagnostics\n\n```\n")
	if inc.Diagnostics != "" {
		b.WriteString(inc.Diagnostics + "\n")
	} else {
		b.WriteString("No diagnostics available.\n")
	}
	b.WriteString("```\n")

	b.WriteString("\n---\n*Report auto-generated by OpsMend*\n")
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func timeOrNA(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format(time.RFC3339)
}

func duration(created, updated time.Time) string {
	if created.IsZero() || updated.IsZero() || updated.Before(created) {
		return "N/A"
	}
	d := updated.Sub(created).Round(time.Second)
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

func statusTitle(s incident.Status) string {
	parts := strings.Split(string(s), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}
