package alert

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/signalscan/models"
)

// SMTPConfig holds the outbound mail relay parameters.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
}

// EmailAlerter delivers signal notifications over SMTP. Recipient and
// sender come from runtime settings so operators can change them without
// a restart.
type EmailAlerter struct {
	cfg    SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger zerolog.Logger
}

// NewEmailAlerter builds the email channel.
func NewEmailAlerter(cfg SMTPConfig) *EmailAlerter {
	return &EmailAlerter{
		cfg:    cfg,
		send:   smtp.SendMail,
		logger: log.With().Str("component", "email_alerter").Logger(),
	}
}

// Send composes and delivers one signal notification.
func (a *EmailAlerter) Send(ctx context.Context, sig *models.Signal, inst *models.Instrument, settings *models.Settings) models.DispatchResult {
	res := models.DispatchResult{
		Channel:   "email",
		Recipient: settings.AlertRecipient,
		Subject:   subjectLine(sig, inst),
	}
	if settings.AlertRecipient == "" || settings.AlertFrom == "" {
		res.Err = fmt.Errorf("alert recipient or sender not configured")
		return res
	}

	body := FormatSignal(sig, inst)
	msg := buildMessage(settings.AlertFrom, settings.AlertRecipient, res.Subject, body)

	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}
	addr := a.cfg.Host + ":" + a.cfg.Port

	done := make(chan error, 1)
	go func() {
		done <- a.send(addr, auth, settings.AlertFrom, []string{settings.AlertRecipient}, msg)
	}()
	select {
	case <-ctx.Done():
		res.Err = ctx.Err()
	case err := <-done:
		res.Err = err
	}
	if res.Err == nil {
		a.logger.Info().Str("to", res.Recipient).Str("subject", res.Subject).Msg("alert email sent")
	}
	return res
}

func subjectLine(sig *models.Signal, inst *models.Instrument) string {
	return sanitizeHeader(fmt.Sprintf("[signalscan] %s %s %s score %d",
		sig.Direction, inst.Symbol, sig.Strategy, sig.Score))
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", sanitizeHeader(from))
	fmt.Fprintf(&b, "To: %s\r\n", sanitizeHeader(to))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// FormatSignal renders the notification body shared by every channel.
func FormatSignal(sig *models.Signal, inst *models.Instrument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s signal on %s (%s, %s)\n\n", sig.Direction, inst.Symbol, sig.Timeframe, sig.Strategy)
	fmt.Fprintf(&b, "Score:       %d\n", sig.Score)
	fmt.Fprintf(&b, "Bar:         %s\n", sig.CandleDatetime.UTC().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Entry:       %.5f\n", sig.Reason.Entry)
	fmt.Fprintf(&b, "Stop loss:   %.5f\n", sig.Reason.StopLoss)
	fmt.Fprintf(&b, "Take profit: %.5f\n", sig.Reason.TakeProfit)
	if len(sig.Reason.Factors) > 0 {
		fmt.Fprintf(&b, "Factors:     %s\n", strings.Join(sig.Reason.Factors, ", "))
	}
	return b.String()
}
