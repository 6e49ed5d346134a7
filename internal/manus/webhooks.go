package manus

import (
	"context"
	"fmt"
	"log"
	"net/http"
)

type Webhook struct {
	ID        string `json:"id,omitempty"`
	WebhookID string `json:"webhook_id,omitempty"`
	URL       string `json:"url,omitempty"`
}

func (w Webhook) EffectiveID() string {
	if w.WebhookID != "" {
		return w.WebhookID
	}
	return w.ID
}

type registerWebhookRequest struct {
	Webhook struct {
		URL string `json:"url"`
	} `json:"webhook"`
}

// RegisterWebhook registers callbackURL and returns the webhook id.
// When the API answers 409 because the URL is already registered, the
// existing id is recovered by listing webhooks and matching the URL,
// so the caller can still unregister it later.
func (c *Client) RegisterWebhook(ctx context.Context, callbackURL string) (string, error) {
	var req registerWebhookRequest
	req.Webhook.URL = callbackURL

	var created Webhook
	err := c.post(ctx, "/v1/webhooks", req, &created)
	if err == nil {
		log.Printf("manus: webhook registered, id=%s url=%s", created.EffectiveID(), callbackURL)
		return created.EffectiveID(), nil
	}
	if !IsStatus(err, http.StatusConflict) {
		return "", fmt.Errorf("register webhook: %w", err)
	}

	existing, listErr := c.ListWebhooks(ctx)
	if listErr != nil {
		return "", fmt.Errorf("register webhook: conflict, and listing failed: %w", listErr)
	}
	for _, hook := range existing {
		if hook.URL == callbackURL {
			log.Printf("manus: webhook already registered, recovered id=%s", hook.EffectiveID())
			return hook.EffectiveID(), nil
		}
	}
	return "", fmt.Errorf("register webhook: conflict for %q but no matching registration found", callbackURL)
}

type webhookList struct {
	Webhooks []Webhook `json:"webhooks"`
}

func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var list webhookList
	if err := c.get(ctx, "/v1/webhooks", nil, &list); err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return list.Webhooks, nil
}

func (c *Client) UnregisterWebhook(ctx context.Context, webhookID string) error {
	if webhookID == "" {
		return nil
	}
	if err := c.delete(ctx, "/v1/webhooks/"+webhookID); err != nil {
		return fmt.Errorf("unregister webhook %s: %w", webhookID, err)
	}
	log.Printf("manus: webhook unregistered, id=%s", webhookID)
	return nil
}
