// Package notifier delivers terminal download events to an external webhook.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/hub"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	webhookTimeout    = 10 * time.Second
	webhookRetryWait  = 2 * time.Second
	webhookMaxRetries = 2
)

// Payload is POSTed to WEBHOOK_URL when a download completes or fails.
type Payload struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Status  string `json:"status"` // completed, failed
	Error   string `json:"error,omitempty"`
	EventID string `json:"event_id"`
}

// Source is the subscription side of the progress hub.
type Source interface {
	Subscribe() *hub.Subscription
	Unsubscribe(sub *hub.Subscription)
	Closed() bool
}

type Webhook struct {
	client *resty.Client
	url    string
	wg     sync.WaitGroup
}

type Option func(*Webhook)

// WithRetryWait overrides the delay between delivery attempts.
func WithRetryWait(d time.Duration) Option {
	return func(w *Webhook) { w.client.SetRetryWaitTime(d).SetRetryMaxWaitTime(d) }
}

func NewWebhook(url, token string, opts ...Option) *Webhook {
	client := resty.New().
		SetTimeout(webhookTimeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(webhookMaxRetries).
		SetRetryWaitTime(webhookRetryWait).
		SetRetryMaxWaitTime(webhookRetryWait).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= 500 || resp.StatusCode() == 429
		})
	if token != "" {
		client.SetAuthToken(token)
	}
	w := &Webhook{client: client, url: url}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run forwards terminal events from src until ctx ends. A dropped subscription is renewed;
// terminal events missed while disconnected are not replayed.
func (w *Webhook) Run(ctx context.Context, src Source) {
	defer w.wg.Wait()
	for {
		sub := src.Subscribe()
		if !w.consume(ctx, sub) {
			src.Unsubscribe(sub)
			return
		}
		src.Unsubscribe(sub)
		if src.Closed() {
			return
		}
		logutils.Log.Warn("Webhook subscription dropped, resubscribing")

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// consume reports false when ctx ended.
func (w *Webhook) consume(ctx context.Context, sub *hub.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.C():
			if !ok {
				return ctx.Err() == nil
			}
			if msg.Type != hub.MessageStateChange || !msg.Terminal || msg.Download == nil {
				continue
			}
			p := payloadFor(msg.Download)
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				if err := w.Send(ctx, p); err != nil {
					logutils.Log.WithError(err).WithFields(map[string]any{
						"download_id": p.ID,
						"event_id":    p.EventID,
					}).Warn("Webhook: failed to deliver after all retries")
				}
			}()
		}
	}
}

func payloadFor(dl *models.Download) Payload {
	p := Payload{
		ID:      dl.ID,
		Title:   dl.DisplayName,
		Status:  "completed",
		EventID: uuid.NewString(),
	}
	if dl.Status == models.StatusError {
		p.Status = "failed"
		if dl.LastError != nil {
			p.Error = *dl.LastError
		}
	}
	return p
}

// Send POSTs one payload, retrying transport errors and 5xx responses.
func (w *Webhook) Send(ctx context.Context, p Payload) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(p).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	logutils.Log.WithFields(map[string]any{"download_id": p.ID, "event_id": p.EventID}).Debug("Webhook delivered")
	return nil
}
