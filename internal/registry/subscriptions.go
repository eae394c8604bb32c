package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"civreg/internal/payload"
	dErrors "civreg/pkg/domain-errors"
)

// retryPolicy asks the registry to retry deliveries every hour, forever.
const retryPolicy = "3600,-1"

// SubscriptionDoc is the registry's view of a push subscription.
type SubscriptionDoc struct {
	UUID    uuid.UUID `json:"uuid"`
	Topic   string    `json:"topic"`
	Address string    `json:"address"`
}

// Subscribe registers the webhook address for topic.
func (c *Client) Subscribe(ctx context.Context, topic payload.Topic) (*SubscriptionDoc, error) {
	if topic != payload.TopicLifeEvent && topic != payload.TopicLocationEvent {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid topic: "+string(topic))
	}
	ctx, span := c.tracer.Start(ctx, "registry.subscribe")
	defer span.End()
	spanAttrs(span, "registry.topic", string(topic))

	query := url.Values{
		"topic":   {string(topic)},
		"address": {c.webhookAddress},
		"policy":  {retryPolicy},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.subscriptionsURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build subscribe request: %w", err)
	}

	c.logger.InfoContext(ctx, "subscribing to registry topic", "topic", topic)
	status, body, err := c.authorized(ctx, "subscribe", req)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if !isSuccess(status) {
		err := dErrors.New(dErrors.CodeSubscription, fmt.Sprintf("couldn't subscribe to %s (%d): %s", topic, status, upstreamMessage(body)))
		recordSpanError(span, err)
		return nil, err
	}

	doc := &SubscriptionDoc{}
	if err := json.Unmarshal(body, doc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeSubscription, "subscription response is not valid JSON")
	}
	if doc.UUID == uuid.Nil {
		return nil, dErrors.New(dErrors.CodeSubscription, "subscription response has no uuid")
	}
	c.logger.InfoContext(ctx, "subscribed to registry topic", "topic", topic, "subscription", doc.UUID)
	return doc, nil
}

// Unsubscribe cancels the subscription with the given id.
func (c *Client) Unsubscribe(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "registry.unsubscribe")
	defer span.End()
	spanAttrs(span, "registry.subscription", id.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.subscriptionsURL+"/"+id.String(), nil)
	if err != nil {
		return false, fmt.Errorf("build unsubscribe request: %w", err)
	}

	status, body, err := c.authorized(ctx, "unsubscribe", req)
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	if !isSuccess(status) {
		err := dErrors.New(dErrors.CodeSubscription, fmt.Sprintf("couldn't unsubscribe from %s (%d): %s", id, status, upstreamMessage(body)))
		recordSpanError(span, err)
		return false, err
	}
	c.logger.InfoContext(ctx, "unsubscribed from registry", "subscription", id)
	return true, nil
}
