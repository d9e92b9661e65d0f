package api

import (
    "testing"
    "time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
    b := NewBroker()
    topic := "attendance:default"
    ch := b.Subscribe(topic)

    evt := SSEEvent{Type: "attendance.updated", Data: map[string]any{"driverId": "d1"}}
    b.Publish(topic, evt)

    select {
    case got := <-ch:
        if got.Type != evt.Type { t.Fatalf("got type %s, want %s", got.Type, evt.Type) }
        if got.Data["driverId"].(string) != "d1" { t.Fatalf("bad payload: %+v", got.Data) }
    case <-time.After(200 * time.Millisecond):
        t.Fatal("timeout waiting for event")
    }

    b.Unsubscribe(topic, ch)
    select {
    case _, ok := <-ch:
        if ok { t.Fatal("channel should be closed after unsubscribe") }
    case <-time.After(50 * time.Millisecond):
        // acceptable if already drained and closed
    }
}

func TestBrokerTopicsIsolated(t *testing.T) {
    b := NewBroker()
    ch1 := b.Subscribe("attendance:t1")
    defer b.Unsubscribe("attendance:t1", ch1)
    b.Publish("attendance:t2", SSEEvent{Type: "attendance.updated"})
    select {
    case evt := <-ch1:
        t.Fatalf("event leaked across topics: %+v", evt)
    case <-time.After(50 * time.Millisecond):
    }
}
