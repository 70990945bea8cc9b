package usecase

import (
	"fmt"
	"html"
	"strings"

	units "github.com/docker/go-units"

	"github.com/judgeworker/worker/internal/domain"
)

// verdictLabel maps a verdict classifier to the descriptive text used in
// the one-line summary and the info table.
var verdictLabel = map[string]string{
	domain.VerdictOK:  "OK",
	domain.VerdictCE:  "Compile error",
	domain.VerdictWA:  "Wrong answer",
	domain.VerdictTLE: "Time limit exceeded",
	domain.VerdictMLE: "Memory limit exceeded",
	domain.VerdictRE:  "Runtime error",
	domain.VerdictSE:  "Sandbox error",
	domain.VerdictOLE: "Output limit exceeded",
}

var verdictColor = map[string]string{
	domain.VerdictOK:  "green",
	domain.VerdictCE:  "darkred",
	domain.VerdictWA:  "red",
	domain.VerdictTLE: "orange",
	domain.VerdictMLE: "orange",
	domain.VerdictRE:  "red",
	domain.VerdictSE:  "gray",
	domain.VerdictOLE: "orange",
}

// FormatResult produces the three UI payload fields: the machine-readable
// result block, the human-readable info HTML table, and the debug HTML
// (ANSI stage logs translated to inline spans).
func FormatResult(result domain.SubmissionResult) (resultPayload, infoPayload, debugPayload string) {
	total := len(result.TestResults)
	score := 0.0
	if total > 0 {
		score = 100.0 * float64(result.Points) / float64(total)
	}

	summary := firstFailureSummary(result.TestResults)
	resultPayload = fmt.Sprintf("result=%s\ninfoformat=html\ndebugformat=html\ninfo=%s\n",
		formatScore(score), summary)

	infoPayload = buildInfoHTML(result)
	debugPayload = buildDebugHTML(result)
	return resultPayload, infoPayload, debugPayload
}

func firstFailureSummary(results []domain.TestResult) string {
	for _, tr := range results {
		if !tr.Grade && tr.Info != "" {
			if label, ok := verdictLabel[tr.Info]; ok {
				return label
			}
			return tr.Info
		}
	}
	return "All tests passed"
}

func formatScore(score float64) string {
	s := fmt.Sprintf("%.4f", score)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func buildInfoHTML(result domain.SubmissionResult) string {
	var b strings.Builder
	b.WriteString("<table>\n")
	b.WriteString("<tr><th>test_name</th><th>verdict</th><th>time</th><th>memory</th><th>exit_code</th></tr>\n")
	for _, tr := range result.TestResults {
		verdict := domain.VerdictOK
		if !tr.Grade {
			verdict = tr.Info
		}
		color := verdictColor[verdict]
		if color == "" {
			color = "black"
		}
		label := verdictLabel[verdict]
		if label == "" {
			label = verdict
		}

		timeStr, memStr, codeStr := "-", "-", "-"
		if tr.Time != nil {
			timeStr = fmt.Sprintf("%.3f", *tr.Time)
		}
		if tr.Memory != nil {
			if s, err := sizeToString(int64(*tr.Memory)); err == nil {
				memStr = s
			}
		}
		if tr.RetCode != nil {
			codeStr = fmt.Sprintf("%d", *tr.RetCode)
		}

		fmt.Fprintf(&b, "<tr><td>%s</td><td style=\"color:%s\">%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			html.EscapeString(tr.TestName), color, html.EscapeString(label), timeStr, memStr, codeStr)
	}
	b.WriteString("</table>\n")

	if result.Info != "" {
		b.WriteString("<pre class=\"compile-info\">")
		b.WriteString(html.EscapeString(result.Info))
		b.WriteString("</pre>\n")
	}
	return b.String()
}

// sizeToString renders a byte count as a human-readable size (e.g.
// "2.5MB"), the inverse of units.FromHumanSize. Negative inputs are
// rejected since a negative byte count can't occur in a sandbox's
// peak-memory measurement.
func sizeToString(bytes int64) (string, error) {
	if bytes < 0 {
		return "", fmt.Errorf("size_to_string: negative byte count %d", bytes)
	}
	return units.HumanSize(float64(bytes)), nil
}

func buildDebugHTML(result domain.SubmissionResult) string {
	var b strings.Builder
	for _, log := range result.StageLogs {
		fmt.Fprintf(&b, "<h4>%s</h4>\n<pre>%s</pre>\n", html.EscapeString(log.Stage), translateANSI(log.Output))
	}
	return b.String()
}
