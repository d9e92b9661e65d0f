package store

import (
    "reflect"
    "testing"
)

func TestDecodeEventsFromBytes(t *testing.T) {
    got := decodeEvents([]byte(`["attendance.finalized","attendance.updated"]`))
    want := []string{"attendance.finalized", "attendance.updated"}
    if !reflect.DeepEqual(got, want) {
        t.Fatalf("decodeEvents = %v, want %v", got, want)
    }
}

func TestDecodeEventsFromString(t *testing.T) {
    got := decodeEvents(`["attendance.finalized"]`)
    if len(got) != 1 || got[0] != "attendance.finalized" {
        t.Fatalf("decodeEvents = %v", got)
    }
}

func TestDecodeEventsGarbage(t *testing.T) {
    if got := decodeEvents(nil); got != nil {
        t.Fatalf("nil input -> nil expected, got %v", got)
    }
    if got := decodeEvents([]byte("not json")); got != nil {
        t.Fatalf("bad json -> nil expected, got %v", got)
    }
}
