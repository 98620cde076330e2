package email

import (
	"context"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Result is the outcome for one recipient.
type Result struct {
	Email  string `json:"email"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Task is one line of a task digest.
type Task struct {
	Task     string `json:"task"`
	Owner    string `json:"owner"`
	DueDate  string `json:"due_date,omitempty"`
	Priority string `json:"priority"`
	Source   string `json:"source,omitempty"`
}

// MeetingSummary is what a completed L10 meeting reports to its attendees.
type MeetingSummary struct {
	Division        string
	MeetingDate     string
	DurationMinutes int
	Rating          *int64
	Segue           string
	Headlines       string
	ScorecardReview string
	RockReview      string
	ConcludeNotes   string
	NewTodos        []Task
}

// Dispatcher fans messages out to recipients with bounded concurrency. A failed
// recipient never fails the batch or the caller's state change; no retries.
type Dispatcher struct {
	sender Sender
	limit  int
}

func NewDispatcher(sender Sender, limit int) *Dispatcher {
	if limit <= 0 {
		limit = 4
	}
	return &Dispatcher{sender: sender, limit: limit}
}

func (d *Dispatcher) send(ctx context.Context, recipients []string, subject, text, html string) []Result {
	clean := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			clean = append(clean, r)
		}
	}
	results := make([]Result, len(clean))
	if d == nil || d.sender == nil || !d.sender.IsConfigured() {
		for i, r := range clean {
			results[i] = Result{Email: r, Status: StatusSkipped, Error: "email service not configured"}
		}
		return results
	}

	log := zerolog.Ctx(ctx)
	var g errgroup.Group
	g.SetLimit(d.limit)
	for i, r := range clean {
		g.Go(func() error {
			if err := d.sender.Send(ctx, []string{r}, subject, text, html); err != nil {
				log.Warn().Err(err).Str("recipient", r).Str("subject", subject).Msg("send email")
				results[i] = Result{Email: r, Status: StatusFailed, Error: err.Error()}
				return nil
			}
			results[i] = Result{Email: r, Status: StatusSent}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// SendTaskDigest mails the open tasks of one owner.
func (d *Dispatcher) SendTaskDigest(ctx context.Context, recipient, recipientName, divisionLabel string, tasks []Task) (Result, error) {
	if len(tasks) == 0 {
		return Result{}, fmt.Errorf("no tasks to notify about")
	}
	plural := "s"
	if len(tasks) == 1 {
		plural = ""
	}
	subject := fmt.Sprintf("EOS: %d Task%s Assigned - %s", len(tasks), plural, divisionLabel)
	data := struct {
		Name     string
		Division string
		Tasks    []Task
	}{recipientName, divisionLabel, tasks}

	text, err := renderTemplate(taskDigestText, data)
	if err != nil {
		return Result{}, fmt.Errorf("render task digest: %w", err)
	}
	html, err := renderTemplate(taskDigestHTML, data)
	if err != nil {
		return Result{}, fmt.Errorf("render task digest: %w", err)
	}
	results := d.send(ctx, []string{recipient}, subject, text, html)
	if len(results) == 0 {
		return Result{}, fmt.Errorf("no recipient")
	}
	return results[0], nil
}

// SendMeetingSummary mails the summary of a completed meeting to every
// recipient and reports each outcome.
func (d *Dispatcher) SendMeetingSummary(ctx context.Context, recipients []string, summary MeetingSummary) ([]Result, error) {
	subject := fmt.Sprintf("L10 Meeting Summary - %s - %s", summary.Division, summary.MeetingDate)
	text, err := renderTemplate(meetingSummaryText, summary)
	if err != nil {
		return nil, fmt.Errorf("render meeting summary: %w", err)
	}
	html, err := renderTemplate(meetingSummaryHTML, summary)
	if err != nil {
		return nil, fmt.Errorf("render meeting summary: %w", err)
	}
	return d.send(ctx, recipients, subject, text, html), nil
}

var funcs = map[string]any{
	"inc": func(i int) int { return i + 1 },
	"orDefault": func(s, def string) string {
		if s == "" {
			return def
		}
		return s
	},
}

var taskDigestText = texttemplate.Must(texttemplate.New("digest.txt").Funcs(funcs).Parse(`EOS Platform - Task Assignment
Division: {{.Division}}

Hello {{.Name}},

You have {{len .Tasks}} assigned task(s):
{{range $i, $t := .Tasks}}
  {{inc $i}}. {{$t.Task}} [Due: {{orDefault $t.DueDate "No due date"}}] [{{orDefault $t.Priority "MEDIUM"}}]{{end}}
`))

var taskDigestHTML = template.Must(template.New("digest.html").Funcs(funcs).Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; max-width: 650px; margin: 0 auto;">
    <h2>Task Assignment</h2>
    <p>{{.Division}}</p>
    <p>Hello {{.Name}},</p>
    <table cellpadding="6">
        <tr><th>#</th><th>Task</th><th>Due</th><th>Priority</th><th>Source</th></tr>
        {{range $i, $t := .Tasks}}<tr><td>{{inc $i}}</td><td>{{$t.Task}}</td><td>{{orDefault $t.DueDate "No due date"}}</td><td>{{orDefault $t.Priority "MEDIUM"}}</td><td>{{$t.Source}}</td></tr>
        {{end}}
    </table>
</body>
</html>`))

var meetingSummaryText = texttemplate.Must(texttemplate.New("summary.txt").Funcs(funcs).Parse(`L10 Meeting Summary
{{.Division}} - {{.MeetingDate}} - {{.DurationMinutes}} min
{{if .Rating}}Meeting Rating: {{.Rating}}/10
{{end}}{{if .Segue}}
Segue: {{.Segue}}{{end}}{{if .Headlines}}
Headlines: {{.Headlines}}{{end}}{{if .ScorecardReview}}
Scorecard Review: {{.ScorecardReview}}{{end}}{{if .RockReview}}
Rock Review: {{.RockReview}}{{end}}{{if .NewTodos}}

New To-Dos:{{range .NewTodos}}
  - {{.Owner}}: {{.Task}}{{end}}{{end}}{{if .ConcludeNotes}}

Conclude Notes: {{.ConcludeNotes}}{{end}}
`))

var meetingSummaryHTML = template.Must(template.New("summary.html").Funcs(funcs).Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; max-width: 650px; margin: 0 auto;">
    <h1>L10 Meeting Summary</h1>
    <p>{{.Division}} &bull; {{.MeetingDate}} &bull; {{.DurationMinutes}} min</p>
    {{if .Rating}}<p><strong>Meeting Rating:</strong> {{.Rating}}/10</p>{{end}}
    {{if .Segue}}<h3>Segue</h3><p>{{.Segue}}</p>{{end}}
    {{if .Headlines}}<h3>Headlines</h3><p>{{.Headlines}}</p>{{end}}
    {{if .ScorecardReview}}<h3>Scorecard Review</h3><p>{{.ScorecardReview}}</p>{{end}}
    {{if .RockReview}}<h3>Rock Review</h3><p>{{.RockReview}}</p>{{end}}
    {{if .NewTodos}}<h3>New To-Dos</h3><ul>{{range .NewTodos}}<li><strong>{{.Owner}}:</strong> {{.Task}}</li>{{end}}</ul>{{end}}
    {{if .ConcludeNotes}}<h3>Conclude Notes</h3><p>{{.ConcludeNotes}}</p>{{end}}
</body>
</html>`))
