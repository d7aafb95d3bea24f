package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// fact is one labelled value describing the machine an alert is about.
type fact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// machineFacts lists the machine state recorded on a's last transition.
func machineFacts(a *Alert) []fact {
	return []fact{
		{"Machine", strconv.FormatUint(a.MachineID, 10)},
		{"Session", a.SessionID},
		{"Cursor", strconv.FormatUint(a.Cursor, 10)},
		{"Sessions", strconv.FormatUint(a.Sessions, 10)},
		{"Rejected batches", strconv.FormatUint(a.Rejected, 10)},
		{"State", a.State},
	}
}

// slackPayload is an incoming-webhook message with one attachment per alert.
type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// teamsPayload is a legacy connector MessageCard.
type teamsPayload struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor"`
	Summary    string         `json:"summary"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Sections   []teamsSection `json:"sections"`
}

type teamsSection struct {
	Facts []fact `json:"facts"`
}

// deliver sends webhook notifications for a to all configured targets.
// Errors are logged but do not affect the caller.
func (e *Engine) deliver(a *Alert) {
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var body any
		switch wh.Type {
		case "slack":
			body = slackBody(a)
		case "teams":
			body = teamsBody(a)
		case "http":
			body = map[string]any{"alert": a}
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err := e.post(url, body); err != nil {
			slog.Error("alerts: webhook delivery failed",
				"type", wh.Type,
				"rule", a.RuleName,
				"machine_id", a.MachineID,
				"err", err,
			)
			continue
		}
		slog.Debug("alerts: webhook delivered",
			"type", wh.Type,
			"rule", a.RuleName,
			"machine_id", a.MachineID,
			"state", a.State,
		)
	}
}

func slackBody(a *Alert) slackPayload {
	facts := machineFacts(a)
	fields := make([]slackField, 0, len(facts))
	for _, f := range facts {
		fields = append(fields, slackField{Title: f.Name, Value: f.Value, Short: true})
	}
	return slackPayload{
		Text:        fmt.Sprintf("*%s* %s", severityLabel(a.Severity), a.Message),
		Attachments: []slackAttachment{{Color: "#" + severityColor(a.Severity), Fields: fields}},
	}
}

func teamsBody(a *Alert) teamsPayload {
	return teamsPayload{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: severityColor(a.Severity),
		Summary:    a.RuleName,
		Title:      fmt.Sprintf("changeagent alert: %s (machine %d)", a.RuleName, a.MachineID),
		Text:       a.Message,
		Sections:   []teamsSection{{Facts: machineFacts(a)}},
	}
}

func (e *Engine) post(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s string) string {
	switch s {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
