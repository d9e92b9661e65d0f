package webhooks

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "fleetattend/internal/store"
)

// Publisher fans an event out to every matching subscription as a queued
// delivery; the worker drains the queue.
type Publisher struct {
    Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
    return &Publisher{Store: s}
}

// Emit enqueues one delivery per subscription for the tenant and event
// type. Enqueue failures are ignored here; the delivery queue is best
// effort and the attendance store remains the source of truth.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) {
    subs, err := p.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
    if err != nil || len(subs) == 0 {
        return
    }
    payload := map[string]any{
        "id":       fmt.Sprintf("evt_%d", time.Now().UnixNano()),
        "type":     eventType,
        "tenantId": tenantID,
        "ts":       time.Now().UTC().Format(time.RFC3339),
        "data":     data,
    }
    body, _ := json.Marshal(payload)
    for _, s := range subs {
        _, _ = p.Store.EnqueueWebhook(ctx, tenantID, s.ID, eventType, s.URL, s.Secret, body)
    }
}
