package api

import (
    "encoding/json"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/websocket"

    "fleetattend/internal/telemetry"
)

// WebSocket telemetry ingest: clients push ping batches and receive an
// ack per batch.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
    Type    string          `json:"type"`
    ID      string          `json:"id,omitempty"`
    Payload json.RawMessage `json:"payload,omitempty"`
}

type ingestPayload struct {
    BaseDate string              `json:"baseDate"`
    Rows     []telemetry.RawPing `json:"rows"`
}

// TelemetryWSHandler handles /v1/telemetry/stream. Protocol: the client
// sends connection_init, then any number of ingest messages; each ingest
// is acked with accepted/rejected counts.
func (s *Server) TelemetryWSHandler(w http.ResponseWriter, r *http.Request) {
    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil {
        return
    }
    defer func() { _ = conn.Close() }()

    _, tenant := s.withTenant(r)

    conn.SetReadLimit(1 << 20)
    _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
    conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

    // One writer at a time: acks from the read loop and pings from the
    // keepalive goroutine share the connection.
    var mu sync.Mutex
    write := func(v any) error {
        mu.Lock()
        defer mu.Unlock()
        return conn.WriteJSON(v)
    }

    for {
        var msg wsMessage
        if err := conn.ReadJSON(&msg); err != nil {
            break
        }
        _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
        switch msg.Type {
        case "connection_init":
            _ = write(wsMessage{Type: "connection_ack"})
            go func() {
                ticker := time.NewTicker(20 * time.Second)
                defer ticker.Stop()
                for range ticker.C {
                    if err := write(wsMessage{Type: "ping"}); err != nil {
                        return
                    }
                }
            }()
        case "ping":
            _ = write(wsMessage{Type: "pong"})
        case "ingest":
            if !s.limiter.Allow() {
                _ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"rate limited"}`)})
                continue
            }
            var pl ingestPayload
            if err := json.Unmarshal(msg.Payload, &pl); err != nil {
                _ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"invalid payload"}`)})
                continue
            }
            accepted, rejected, events, err := s.ingest(r.Context(), tenant, pl.BaseDate, pl.Rows, "stream")
            if err != nil {
                _ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"storage failure"}`)})
                continue
            }
            if len(events) > 0 {
                s.reconcileProvisional(r.Context(), tenant, events)
            }
            ack, _ := json.Marshal(map[string]int{"accepted": accepted, "rejected": rejected})
            _ = write(wsMessage{Type: "ack", ID: msg.ID, Payload: ack})
        case "complete":
            return
        default:
            // ignore
        }
    }
}
