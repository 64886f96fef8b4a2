package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// DefaultSendGridHost is the production SendGrid API endpoint.
const DefaultSendGridHost = "https://api.sendgrid.com"

// SendGridHorizon is how far ahead SendGrid accepts a send_at.
const SendGridHorizon = 72 * time.Hour

// SendGrid schedules reminder e-mails with SendGrid's send_at feature.  Each
// reminder gets its own batch, and the batch ID is the delivery handle, so a
// reminder is cancelled by cancelling its batch.
type SendGrid struct {
	apiKey string
	host   string
	from   *mail.Email
	clock  func() time.Time
}

var (
	_ Scheduler = (*SendGrid)(nil)
	_ Canceller = (*SendGrid)(nil)
)

type SendGridOpt func(*SendGrid)

// WithSendGridHost overrides the API endpoint.
func WithSendGridHost(host string) SendGridOpt {
	return func(s *SendGrid) {
		s.host = host
	}
}

// WithFrom sets the sender of reminder e-mails.
func WithFrom(name, address string) SendGridOpt {
	return func(s *SendGrid) {
		s.from = mail.NewEmail(name, address)
	}
}

// WithSendGridClock replaces time.Now when checking the scheduling horizon.
func WithSendGridClock(clock func() time.Time) SendGridOpt {
	return func(s *SendGrid) {
		s.clock = clock
	}
}

func NewSendGrid(apiKey string, opts ...SendGridOpt) *SendGrid {
	s := &SendGrid{
		apiKey: apiKey,
		host:   DefaultSendGridHost,
		from:   mail.NewEmail("MedTracker Bot", "bot@medtracker.dev"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SendGrid) do(ctx context.Context, method rest.Method, endpoint string, body []byte) (*rest.Response, error) {
	req := sendgrid.GetRequest(s.apiKey, endpoint, s.host)
	req.Method = method
	req.Body = body

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("while calling SendGrid %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("non-2XX response from SendGrid %s: %d %s", endpoint, resp.StatusCode, resp.Body)
	}
	return resp, nil
}

func (s *SendGrid) createBatch(ctx context.Context) (string, error) {
	resp, err := s.do(ctx, rest.Post, "/v3/mail/batch", nil)
	if err != nil {
		return "", err
	}

	batch := struct {
		BatchID string `json:"batch_id"`
	}{}
	if err := json.Unmarshal([]byte(resp.Body), &batch); err != nil {
		return "", fmt.Errorf("while unmarshaling batch response: %w", err)
	}
	if batch.BatchID == "" {
		return "", fmt.Errorf("SendGrid returned an empty batch ID")
	}
	return batch.BatchID, nil
}

const reminderPlain = `
{{- if .DisplayName}}Hi {{.DisplayName}},

{{end -}}
It's time to take {{if .MedicationName}}{{.MedicationName}}{{else}}your medication (RxCUI {{.Rxcui}}){{end}}.

Record whether you took it in the MedTracker app.
`

var reminderPlainTemplate = template.Must(template.New("reminder").Parse(reminderPlain))

func (s *SendGrid) Schedule(ctx context.Context, trigger time.Time, reminder Reminder) (string, error) {
	if reminder.Email == "" {
		return "", fmt.Errorf("user %s has no e-mail address", reminder.UserID)
	}
	if limit := s.clock().Add(SendGridHorizon); trigger.After(limit) {
		return "", fmt.Errorf("send_at %s is after %s: %w", trigger.Format(time.RFC3339), limit.Format(time.RFC3339), ErrBeyondHorizon)
	}

	batchID, err := s.createBatch(ctx)
	if err != nil {
		return "", fmt.Errorf("while creating SendGrid batch: %w", err)
	}

	message := mail.NewV3Mail()
	message.SetFrom(s.from)
	message.Subject = "Medication reminder"
	message.SetSendAt(int(trigger.Unix()))
	message.SetBatchID(batchID)

	personalization := mail.NewPersonalization()
	personalization.AddTos(mail.NewEmail(reminder.DisplayName, reminder.Email))
	message.AddPersonalizations(personalization)

	textContent := &bytes.Buffer{}
	if err := reminderPlainTemplate.Execute(textContent, reminder); err != nil {
		return "", fmt.Errorf("while templating plain-text email content: %w", err)
	}
	message.AddContent(mail.NewContent("text/plain", textContent.String()))

	if _, err := s.do(ctx, rest.Post, "/v3/mail/send", mail.GetRequestBody(message)); err != nil {
		return "", fmt.Errorf("while scheduling mail through SendGrid: %w", err)
	}

	return batchID, nil
}

// Cancel cancels the batch named by handle.  SendGrid refuses to cancel a
// batch twice, so a refused request is checked against the batch's existing
// cancellations before it is reported.
func (s *SendGrid) Cancel(ctx context.Context, handle string) error {
	body, err := json.Marshal(map[string]string{
		"batch_id": handle,
		"status":   "cancel",
	})
	if err != nil {
		return &DeliveryError{Handle: handle, Err: err}
	}

	_, err = s.do(ctx, rest.Post, "/v3/user/scheduled_sends", body)
	if err == nil {
		return nil
	}
	if cancelled, lerr := s.alreadyCancelled(ctx, handle); lerr == nil && cancelled {
		return nil
	}
	return &DeliveryError{Handle: handle, Err: err}
}

func (s *SendGrid) alreadyCancelled(ctx context.Context, handle string) (bool, error) {
	resp, err := s.do(ctx, rest.Get, "/v3/user/scheduled_sends/"+handle, nil)
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var sends []struct {
		BatchID string `json:"batch_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal([]byte(resp.Body), &sends); err != nil {
		return false, fmt.Errorf("while unmarshaling scheduled sends: %w", err)
	}
	for _, send := range sends {
		if send.BatchID == handle && send.Status == "cancel" {
			return true, nil
		}
	}
	return false, nil
}
