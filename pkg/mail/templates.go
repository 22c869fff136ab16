package mail

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Template data only ever carries row state: identifiers, timestamps and
// provider reason strings. No user input beyond the identifier is
// interpolated.

const subjectPrefix = "[Sparkfleet]"

var expirationTmpl = template.Must(template.New("cluster-expiration").Parse(
	`Your cluster {{.Identifier}} will be terminated in roughly one hour, around {{.ExpiresAt}}.
Please save all unsaved work before the machine is shut down.

You can extend the cluster lifetime from the cluster detail page:
{{.SiteURL}}/clusters/{{.ClusterID}}

This is an automated message from the Sparkfleet analysis service.
`))

var timeoutTmpl = template.Must(template.New("job-timeout").Parse(
	`Your scheduled Spark job {{.Identifier}} ran longer than its configured
timeout of {{.TimeoutHours}} hours and has been terminated. The run was
scheduled at {{.ScheduledAt}}.

The job remains on the schedule and will run again at its next interval.

This is an automated message from the Sparkfleet analysis service.
`))

var failedTmpl = template.Must(template.New("job-failed").Parse(
	`The last run of your scheduled Spark job {{.Identifier}} failed.

Reason code:    {{.ReasonCode}}
Reason message: {{.ReasonMessage}}

Please check the job logs and its notebook before the next scheduled run.

This is an automated message from the Sparkfleet analysis service.
`))

var expiredTmpl = template.Must(template.New("job-expired").Parse(
	`Your scheduled Spark job {{.Identifier}} reached its end date{{if .EndDate}} ({{.EndDate}}){{end}}
and has been removed from the schedule. It will not run again.

This is an automated message from the Sparkfleet analysis service.
`))

func render(tmpl *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return sb.String(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}

// ClusterExpiration renders the one-hour expiry warning for a cluster.
func ClusterExpiration(to, identifier string, clusterID int64, expiresAt time.Time, siteURL string) (Message, error) {
	body, err := render(expirationTmpl, struct {
		Identifier string
		ClusterID  int64
		ExpiresAt  string
		SiteURL    string
	}{identifier, clusterID, formatTime(expiresAt), siteURL})
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("%s Cluster %s is expiring soon!", subjectPrefix, identifier),
		Body:    body,
	}, nil
}

// JobTimeout renders the notice sent when a run exceeded its timeout and
// was terminated.
func JobTimeout(to, cc, identifier string, scheduledAt time.Time, timeoutHours int) (Message, error) {
	body, err := render(timeoutTmpl, struct {
		Identifier   string
		ScheduledAt  string
		TimeoutHours int
	}{identifier, formatTime(scheduledAt), timeoutHours})
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		CC:      cc,
		Subject: fmt.Sprintf("%s Running Spark job %s timed out", subjectPrefix, identifier),
		Body:    body,
	}, nil
}

// JobFailed renders the failure alert carrying the provider reason.
func JobFailed(to, cc, identifier, reasonCode, reasonMessage string) (Message, error) {
	body, err := render(failedTmpl, struct {
		Identifier    string
		ReasonCode    string
		ReasonMessage string
	}{identifier, reasonCode, reasonMessage})
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		CC:      cc,
		Subject: fmt.Sprintf("%s Running Spark job %s failed", subjectPrefix, identifier),
		Body:    body,
	}, nil
}

// JobExpired renders the confirmation sent once a job is unscheduled for
// good.
func JobExpired(to, cc, identifier string, endDate *time.Time) (Message, error) {
	var formatted string
	if endDate != nil {
		formatted = formatTime(*endDate)
	}
	body, err := render(expiredTmpl, struct {
		Identifier string
		EndDate    string
	}{identifier, formatted})
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		CC:      cc,
		Subject: fmt.Sprintf("%s Spark job %s expired", subjectPrefix, identifier),
		Body:    body,
	}, nil
}
