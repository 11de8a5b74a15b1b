// Package notification alerts on-call agents over email and SMS when a
// conversation is waiting for a human. Alerts are advisory; handoff
// processing never depends on their delivery.
package notification

import (
	"fmt"
	"html"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomail"
	"github.com/real-rm/gomongo"
	"github.com/real-rm/gosms"
	"github.com/real-rm/handoff/internal/util"
)

// Service sends email and SMS alerts to configured agent contacts.
type Service struct {
	mailer        *gomail.Mailer
	smsSender     *gosms.SMSSender
	logger        *golog.Logger
	config        *goconfig.ConfigAccessor
	rateLimiter   *RateLimiter
	dashboardURL  string // agent dashboard URL for session links
	mu            sync.RWMutex
}

// RateLimiter prevents notification flooding per event key.
type RateLimiter struct {
	events map[string][]time.Time
	window time.Duration
	limit  int
	mu     sync.RWMutex
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(window time.Duration, limit int) *RateLimiter {
	return &RateLimiter{
		events: make(map[string][]time.Time),
		window: window,
		limit:  limit,
	}
}

// Allow checks if an event is allowed based on rate limiting
func (rl *RateLimiter) Allow(eventKey string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	// Cap map growth: reject new keys when at capacity
	const maxTrackedEvents = 100000
	events := rl.events[eventKey]
	if events == nil && len(rl.events) >= maxTrackedEvents {
		return false
	}

	var recent []time.Time
	for _, t := range events {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 && len(events) > 0 {
		delete(rl.events, eventKey)
	}

	if len(recent) >= rl.limit {
		rl.events[eventKey] = recent
		return false
	}

	rl.events[eventKey] = append(recent, now)
	return true
}

// NewService creates a notification service. SMS is optional; without
// Twilio credentials only email alerts go out.
func NewService(
	logger *golog.Logger,
	config *goconfig.ConfigAccessor,
	mongo *gomongo.Mongo,
) (*Service, error) {
	mailer, err := gomail.GetSendMailObj(gomail.MailerOptions{
		Logger: logger,
		Config: config,
		Mongo:  mongo, // enable email logging
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gomail: %w", err)
	}

	// SMS credentials: environment variables take precedence over config.
	accountSID := os.Getenv("SMS_ACCOUNT_SID")
	if accountSID == "" {
		accountSID, err = config.ConfigString("sms.accountSID")
		if err != nil {
			logger.Warn("SMS account SID not configured", "error", err)
			accountSID = ""
		}
	}

	authToken := os.Getenv("SMS_AUTH_TOKEN")
	if authToken == "" {
		authToken, err = config.ConfigString("sms.authToken")
		if err != nil {
			logger.Warn("SMS auth token not configured", "error", err)
			authToken = ""
		}
	}

	var smsSender *gosms.SMSSender
	if accountSID != "" && authToken != "" {
		twilioEngine, err := gosms.NewTwilioEngine(accountSID, authToken)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Twilio engine: %w", err)
		}

		smsSender, err = gosms.NewSMSSender(twilioEngine)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SMS sender: %w", err)
		}
	} else {
		logger.Warn("SMS not configured - SMS notifications will be skipped")
	}

	// Max 5 alerts per 5 minutes per event key.
	rateLimiter := NewRateLimiter(5*time.Minute, 5)

	dashboardURL := os.Getenv("AGENT_DASHBOARD_URL")
	if dashboardURL == "" {
		dashboardURL, _ = config.ConfigString("notification.dashboardURL")
	}

	return &Service{
		mailer:       mailer,
		smsSender:    smsSender,
		logger:       logger,
		config:       config,
		rateLimiter:  rateLimiter,
		dashboardURL: dashboardURL,
	}, nil
}

// SendHandoffAlert notifies agent contacts that a conversation is waiting
// for a human. Rate limited per session so repeated requests from the
// same conversation do not flood inboxes.
func (s *Service) SendHandoffAlert(conversationID, sessionID string) error {
	eventKey := fmt.Sprintf("handoff_request:%s", sessionID)

	if !s.rateLimiter.Allow(eventKey) {
		s.logger.Warn("Handoff alert rate limited", "session_id", sessionID)
		return nil
	}

	agentEmails, err := s.getAgentEmails()
	if err != nil {
		return fmt.Errorf("failed to get agent emails: %w", err)
	}

	agentPhones, err := s.getAgentPhones()
	if err != nil {
		return fmt.Errorf("failed to get agent phones: %w", err)
	}

	if len(agentEmails) > 0 {
		msg := &gomail.EmailMessage{
			To:      agentEmails,
			Subject: fmt.Sprintf("Live Support Request - Conversation %s", conversationID),
			HTML:    buildHandoffAlertHTML(conversationID, sessionID, s.dashboardURL),
			Text: fmt.Sprintf("Live Support Request - Conversation: %s, Session: %s, Time: %s",
				conversationID, sessionID, time.Now().Format(time.RFC3339)),
		}

		engines := s.mailer.GetEngineNames()
		if err := s.mailer.SendWithRetry(engines, msg); err != nil {
			util.LogError(s.logger, "notification", "send handoff alert email", err, "session_id", sessionID)
			return fmt.Errorf("failed to send email: %w", err)
		}

		s.logger.Info("Handoff alert email sent", "session_id", sessionID, "recipients", len(agentEmails))
	}

	if s.smsSender != nil && len(agentPhones) > 0 {
		fromNumber, err := s.config.ConfigString("sms.fromNumber")
		if err != nil {
			s.logger.Warn("SMS from number not configured", "error", err)
			fromNumber = ""
		}

		text := fmt.Sprintf("Live support requested for conversation %s. Session: %s", conversationID, sessionID)

		for _, phone := range agentPhones {
			opt := gosms.SendOption{
				To:      phone,
				From:    fromNumber,
				Message: text,
			}

			if err := s.smsSender.Send(opt); err != nil {
				util.LogError(s.logger, "notification", "send handoff alert SMS", err, "phone", phone)
				// Continue to the next number.
			} else {
				s.logger.Info("Handoff alert SMS sent", "phone", phone)
			}
		}
	}

	return nil
}

// SendTimeoutAlert notifies agent contacts that a waiting conversation
// went unanswered past the timeout. Email only; a missed handoff is
// informational rather than urgent.
func (s *Service) SendTimeoutAlert(conversationID, sessionID string) error {
	eventKey := fmt.Sprintf("handoff_timeout:%s", sessionID)

	if !s.rateLimiter.Allow(eventKey) {
		return nil
	}

	agentEmails, err := s.getAgentEmails()
	if err != nil {
		return fmt.Errorf("failed to get agent emails: %w", err)
	}
	if len(agentEmails) == 0 {
		s.logger.Warn("No agent emails configured for timeout alert")
		return nil
	}

	msg := &gomail.EmailMessage{
		To:      agentEmails,
		Subject: fmt.Sprintf("Missed Support Request - Conversation %s", conversationID),
		HTML: fmt.Sprintf(`
			<h2>Missed Support Request</h2>
			<p>No agent accepted this conversation before it timed out.</p>
			<ul>
				<li><strong>Conversation:</strong> %s</li>
				<li><strong>Session:</strong> %s</li>
				<li><strong>Time:</strong> %s</li>
			</ul>
		`, html.EscapeString(conversationID), html.EscapeString(sessionID), time.Now().Format(time.RFC3339)),
		Text: fmt.Sprintf("Missed support request - Conversation: %s, Session: %s, Time: %s",
			conversationID, sessionID, time.Now().Format(time.RFC3339)),
	}

	engines := s.mailer.GetEngineNames()
	if len(engines) == 0 {
		return fmt.Errorf("no mail engines configured")
	}

	if err := s.mailer.SendMail(engines[0], msg); err != nil {
		util.LogError(s.logger, "notification", "send timeout alert email", err, "session_id", sessionID)
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("Timeout alert email sent", "session_id", sessionID, "recipients", len(agentEmails))
	return nil
}

// getAgentEmails retrieves agent contact emails from config
func (s *Service) getAgentEmails() ([]string, error) {
	agentEmailsStr, err := s.config.ConfigString("notification.agentEmails")
	if err == nil && agentEmailsStr != "" {
		emails := []string{}
		for _, email := range splitAndTrim(agentEmailsStr) {
			if email != "" {
				emails = append(emails, email)
			}
		}
		if len(emails) > 0 {
			return emails, nil
		}
	}

	// Fallback to the shared mail contact.
	agentEmail, err := s.config.ConfigString("mail.adminEmail")
	if err != nil {
		return nil, err
	}

	if agentEmail == "" {
		return []string{}, nil
	}

	return []string{agentEmail}, nil
}

// getAgentPhones retrieves agent phone numbers from config
func (s *Service) getAgentPhones() ([]string, error) {
	agentPhonesStr, err := s.config.ConfigString("notification.agentPhones")
	if err != nil {
		// Not configured is okay.
		return []string{}, nil
	}

	if agentPhonesStr == "" {
		return []string{}, nil
	}

	phones := []string{}
	for _, phone := range splitAndTrim(agentPhonesStr) {
		if phone != "" {
			phones = append(phones, phone)
		}
	}

	return phones, nil
}

// buildHandoffAlertHTML builds the HTML body for handoff alert emails.
// If dashboardURL is empty, no link is rendered.
func buildHandoffAlertHTML(conversationID, sessionID, dashboardURL string) string {
	timestamp := time.Now().Format(time.RFC3339)
	safeConversationID := html.EscapeString(conversationID)
	safeSessionID := html.EscapeString(sessionID)
	linkSection := "<p>Please open the agent dashboard to accept this conversation.</p>"
	if dashboardURL != "" {
		safeDashboardURL := html.EscapeString(dashboardURL)
		linkSection = fmt.Sprintf(`<p><a href="%s/%s">Accept Conversation</a></p>`, safeDashboardURL, safeSessionID)
	}
	return fmt.Sprintf(`
		<h2>Live Support Request</h2>
		<p>A user is waiting for a human agent.</p>
		<ul>
			<li><strong>Conversation:</strong> %s</li>
			<li><strong>Session:</strong> %s</li>
			<li><strong>Time:</strong> %s</li>
		</ul>
		%s
	`, safeConversationID, safeSessionID, timestamp, linkSection)
}

// splitAndTrim splits a string by comma and trims whitespace from each part
func splitAndTrim(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}
