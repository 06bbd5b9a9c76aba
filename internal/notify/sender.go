package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
	"gopkg.in/gomail.v2"

	"github.com/driftlab/marketpulse/internal/model"
)

// Sender delivers one alert notification to its target.
type Sender interface {
	Send(ctx context.Context, ev *model.AlertEvent) error
}

// SMTPConfig configures the email sender.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// EmailSender delivers alert emails over SMTP.
type EmailSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewEmailSender creates an EmailSender.
func NewEmailSender(cfg SMTPConfig) (*EmailSender, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("smtp host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass),
		from:   cfg.From,
	}, nil
}

// Send emails the alert to its target address.
func (s *EmailSender) Send(ctx context.Context, ev *model.AlertEvent) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", ev.Target)
	m.SetHeader("Subject", fmt.Sprintf("New listing matched your alert: %s", ev.Listing.Title))
	m.SetBody("text/plain", formatAlertBody(ev))

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send email to %s: %w", ev.Target, err)
	}
	return nil
}

func formatAlertBody(ev *model.AlertEvent) string {
	price := "price not listed"
	if ev.Listing.Price != nil {
		price = fmt.Sprintf("$%.2f", *ev.Listing.Price)
	}
	body := fmt.Sprintf("Your alert matched a new listing.\n\n%s\n%s", ev.Listing.Title, price)
	if ev.Listing.Location != "" {
		body += "\n" + ev.Listing.Location
	}
	if ev.Listing.URL != "" {
		body += "\n\n" + ev.Listing.URL
	}
	return body
}

// PushSender delivers alerts as JSON POSTs to a push gateway. The target in
// the alert identifies the device or webhook on the gateway side.
type PushSender struct {
	client     *resty.Client
	gatewayURL string
}

// NewPushSender creates a PushSender posting to gatewayURL.
func NewPushSender(gatewayURL string) (*PushSender, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("push gateway URL is required")
	}
	return &PushSender{
		client:     resty.New().SetTimeout(30 * time.Second),
		gatewayURL: gatewayURL,
	}, nil
}

// Send posts the alert event to the gateway.
func (s *PushSender) Send(ctx context.Context, ev *model.AlertEvent) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"target":  ev.Target,
			"title":   "New listing matched your alert",
			"body":    ev.Listing.Title,
			"url":     ev.Listing.URL,
			"alert":   ev.AlertID,
			"listing": ev.Listing.ListingID,
		}).
		Post(s.gatewayURL)
	if err != nil {
		return fmt.Errorf("push to %s: %w", s.gatewayURL, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("push gateway returned status %d: %s", resp.StatusCode(), resp.Body())
	}
	return nil
}

// SMSSender is a placeholder until an SMS provider is wired up. It logs the
// would-be message and reports failure so receipts reflect reality.
type SMSSender struct{}

// NewSMSSender creates an SMSSender.
func NewSMSSender() *SMSSender { return &SMSSender{} }

// Send always fails: no provider is configured.
func (s *SMSSender) Send(ctx context.Context, ev *model.AlertEvent) error {
	log.Printf("notify: sms to %s suppressed, no provider configured", ev.Target)
	return fmt.Errorf("sms provider not configured")
}
