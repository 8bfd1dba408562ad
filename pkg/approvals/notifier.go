package approvals

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clearspend/approvals/pkg/workflow"
)

const (
	defaultDispatchBatchSize = 100
	maxDispatchBackoff       = 5 * time.Minute
	maxNotificationAttempts  = 10
)

// Summarizer builds the human-facing subject and body for a
// notification.
type Summarizer interface {
	Summarize(Notification) (subject, body string)
}

// TemplateSummarizer is deterministic and renders fixed text per
// notification kind.
type TemplateSummarizer struct{}

func (TemplateSummarizer) Summarize(n Notification) (string, string) {
	switch n.Kind {
	case workflow.NotifyApprovalRequested:
		return fmt.Sprintf("Approval needed: expense report %s", n.ExpenseReportID),
			fmt.Sprintf("Expense report %s is waiting on your decision (step %d, request %s).",
				n.ExpenseReportID, n.StepIndex+1, n.RequestID)
	case workflow.NotifyApproved:
		return fmt.Sprintf("Approved: expense report %s", n.ExpenseReportID),
			fmt.Sprintf("Expense report %s has been fully approved (request %s).",
				n.ExpenseReportID, n.RequestID)
	case workflow.NotifyRejected:
		body := fmt.Sprintf("Expense report %s was rejected (request %s).", n.ExpenseReportID, n.RequestID)
		if n.Comment != "" {
			body += " Reason: " + n.Comment
		}
		return fmt.Sprintf("Rejected: expense report %s", n.ExpenseReportID), body
	case workflow.NotifyInfoRequested:
		body := fmt.Sprintf("An approver needs more information on expense report %s (request %s).",
			n.ExpenseReportID, n.RequestID)
		if n.Comment != "" {
			body += " Question: " + n.Comment
		}
		return fmt.Sprintf("Information requested: expense report %s", n.ExpenseReportID), body
	default:
		return fmt.Sprintf("Expense report %s update", n.ExpenseReportID),
			fmt.Sprintf("Approval request %s changed state.", n.RequestID)
	}
}

// Dispatcher drains the notification outbox. Claimed rows are delivered
// over the row's channel; failures reschedule with exponential backoff
// until maxNotificationAttempts, then the row is marked failed.
type Dispatcher struct {
	store      notificationStore
	httpClient *http.Client
	source     string
	summarizer Summarizer

	mailerURL     string
	webhookURL    string
	webhookSecret string
	internalToken string

	SkipWebhookValidation bool // testing only, disables SSRF URL checks
}

type notificationStore interface {
	ClaimDueNotifications(context.Context, int) ([]Notification, error)
	MarkNotificationSent(context.Context, string) error
	MarkNotificationRetry(context.Context, string, int, time.Time, string) error
	MarkNotificationFailed(context.Context, string, string) error
}

// NewDispatcher creates a dispatcher. mailerURL is the internal mailer
// service; webhookURL, when set, receives CloudEvents signed with
// webhookSecret.
func NewDispatcher(store notificationStore, source, mailerURL, webhookURL, webhookSecret, internalToken string) *Dispatcher {
	return &Dispatcher{
		store:         store,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		source:        source,
		summarizer:    TemplateSummarizer{},
		mailerURL:     strings.TrimRight(mailerURL, "/"),
		webhookURL:    webhookURL,
		webhookSecret: webhookSecret,
		internalToken: internalToken,
	}
}

// DispatchOnce claims due notifications and attempts delivery for each.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	items, err := d.store.ClaimDueNotifications(ctx, defaultDispatchBatchSize)
	if err != nil {
		return err
	}
	for _, item := range items {
		var deliverErr error
		switch strings.ToLower(item.Channel) {
		case "email":
			deliverErr = d.deliverEmail(ctx, item)
		case "webhook":
			deliverErr = d.deliverWebhook(ctx, item)
		default:
			_ = d.store.MarkNotificationFailed(ctx, item.ID, "unsupported channel")
			continue
		}

		if deliverErr != nil {
			if item.Attempts >= maxNotificationAttempts {
				if markErr := d.store.MarkNotificationFailed(ctx, item.ID, "max retries exceeded: "+deliverErr.Error()); markErr != nil {
					slog.Error("mark notification failed error", "id", item.ID, "error", markErr)
				}
				continue
			}
			next := time.Now().UTC().Add(backoffForAttempt(item.Attempts))
			if markErr := d.store.MarkNotificationRetry(ctx, item.ID, item.Attempts, next, deliverErr.Error()); markErr != nil {
				slog.Error("mark notification retry error", "id", item.ID, "error", markErr)
			}
			continue
		}
		if markErr := d.store.MarkNotificationSent(ctx, item.ID); markErr != nil {
			slog.Error("mark notification sent error", "id", item.ID, "error", markErr)
		}
	}
	return nil
}

func (d *Dispatcher) deliverEmail(ctx context.Context, item Notification) error {
	if d.mailerURL == "" {
		return fmt.Errorf("mailer url is empty")
	}
	subject, body := d.summarizer.Summarize(item)
	msg, err := json.Marshal(map[string]any{
		"recipient_id":      item.RecipientID,
		"subject":           subject,
		"body":              body,
		"kind":              item.Kind,
		"request_id":        item.RequestID,
		"expense_report_id": item.ExpenseReportID,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.mailerURL+"/v1/messages", bytes.NewReader(msg))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.internalToken != "" {
		req.Header.Set("X-Internal-Token", d.internalToken)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("mailer status=%d", resp.StatusCode)
}

// ValidateWebhookURL rejects non-https and private-network endpoints.
func ValidateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("only https scheme allowed, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty hostname")
	}
	ip := net.ParseIP(host)
	if ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fmt.Errorf("private/loopback IP not allowed: %s", ip)
		}
	}
	return nil
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, item Notification) error {
	if d.webhookURL == "" {
		return fmt.Errorf("webhook url is empty")
	}
	if !d.SkipWebhookValidation {
		if err := ValidateWebhookURL(d.webhookURL); err != nil {
			return fmt.Errorf("webhook URL validation: %w", err)
		}
	}
	_, summary := d.summarizer.Summarize(item)
	body, err := BuildNotificationCloudEvent(item, d.source, summary)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/cloudevents+json")
	req.Header.Set("Ce-Specversion", "1.0")
	req.Header.Set("Ce-Type", cloudEventType(item.Kind))
	req.Header.Set("Ce-Id", item.ID)
	req.Header.Set("Ce-Source", d.source)
	if d.webhookSecret != "" {
		req.Header.Set("X-Approvals-Signature-256", SignBodyHMACSHA256(body, d.webhookSecret))
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook status=%d", resp.StatusCode)
}

func backoffForAttempt(attempt int) time.Duration {
	if attempt <= 0 {
		return time.Second
	}
	d := time.Second * time.Duration(1<<min(attempt, 8))
	if d > maxDispatchBackoff {
		return maxDispatchBackoff
	}
	return d
}

// SignBodyHMACSHA256 signs rawBody for webhook receivers.
func SignBodyHMACSHA256(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func cloudEventType(kind workflow.TemplateKind) string {
	return "approvals." + string(kind)
}

type cloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Time            string         `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// BuildNotificationCloudEvent renders a notification as a CloudEvents
// 1.0 structured-mode payload.
func BuildNotificationCloudEvent(n Notification, source, summary string) ([]byte, error) {
	ev := cloudEvent{
		SpecVersion:     "1.0",
		ID:              n.ID,
		Type:            cloudEventType(n.Kind),
		Source:          source,
		Time:            time.Now().UTC().Format(time.RFC3339Nano),
		DataContentType: "application/json",
		Data: map[string]any{
			"request_id":        n.RequestID,
			"expense_report_id": n.ExpenseReportID,
			"recipient_id":      n.RecipientID,
			"kind":              string(n.Kind),
			"step_index":        n.StepIndex,
			"comment":           n.Comment,
			"summary":           summary,
		},
	}
	return json.Marshal(ev)
}
