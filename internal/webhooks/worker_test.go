package webhooks

import (
    "context"
    "io"
    "net/http"
    "net/http/httptest"
    "sync"
    "testing"
    "time"

    "fleetattend/internal/store"
)

type recordStore struct {
    *store.Memory
    mu    sync.Mutex
    marks []markRec
    fails []failRec
}
type markRec struct {
    ID            string
    Success       bool
    Code, Latency int
    LastErr       string
}
type failRec struct {
    ID            string
    Code, Latency int
    LastErr       string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    r.mu.Lock()
    r.marks = append(r.marks, markRec{ID: id, Success: success, Code: responseCode, Latency: latencyMs, LastErr: lastError})
    r.mu.Unlock()
    return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}
func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    r.mu.Lock()
    r.fails = append(r.fails, failRec{ID: id, Code: responseCode, Latency: latencyMs, LastErr: lastError})
    r.mu.Unlock()
    return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
    var gotSig, gotType string
    var gotBody []byte
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        gotSig = r.Header.Get("X-Signature")
        gotType = r.Header.Get("X-Event-Type")
        gotBody, _ = io.ReadAll(r.Body)
        w.WriteHeader(200)
    }))
    defer srv.Close()

    rs := &recordStore{Memory: store.NewMemory()}
    w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 3}
    body := []byte(`{"id":"evt1","type":"attendance.finalized"}`)
    id, err := rs.Memory.EnqueueWebhook(context.Background(), "t1", "", "attendance.finalized", srv.URL, "secret", body)
    if err != nil || id == "" {
        t.Fatalf("enqueue failed: %v", err)
    }

    w.processOnce()

    if gotType != "attendance.finalized" {
        t.Fatalf("missing event type header: %q", gotType)
    }
    if !VerifyHMAC("secret", gotBody, gotSig) {
        t.Fatalf("signature does not verify: sig=%q body=%s", gotSig, gotBody)
    }
    if len(rs.marks) == 0 || !rs.marks[0].Success {
        t.Fatalf("expected mark success, got: %+v", rs.marks)
    }
}

func TestWorkerProcessOnce_RetryThenFail(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
    defer srv.Close()
    rs := &recordStore{Memory: store.NewMemory()}
    w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 2}
    id, _ := rs.Memory.EnqueueWebhook(context.Background(), "t1", "", "attendance.finalized", srv.URL, "", []byte(`{}`))

    // First attempt schedules a retry.
    w.processOnce()
    if len(rs.marks) != 1 || rs.marks[0].Success {
        t.Fatalf("expected retry mark, got marks=%+v fails=%+v", rs.marks, rs.fails)
    }
    // Force it due again, second attempt exhausts MaxAttempts.
    _ = rs.Memory.RetryWebhookDelivery(context.Background(), "t1", id)
    w.processOnce()
    if len(rs.fails) != 1 {
        t.Fatalf("expected terminal failure, got fails=%+v", rs.fails)
    }
}

func TestNextBackoffGrowsAndCaps(t *testing.T) {
    if nextBackoff(0) != time.Second { t.Fatalf("attempt 0: %v", nextBackoff(0)) }
    if nextBackoff(3) != 8*time.Second { t.Fatalf("attempt 3: %v", nextBackoff(3)) }
    if nextBackoff(50) != nextBackoff(10) { t.Fatal("backoff should cap") }
    if nextBackoff(50) > time.Hour { t.Fatal("backoff over cap") }
}

func TestSignVerifyHMAC(t *testing.T) {
    body := []byte(`{"x":1}`)
    sig := SignHMAC("k", body)
    if !VerifyHMAC("k", body, sig) { t.Fatal("round trip failed") }
    if !VerifyHMAC("k", body, "sha256="+sig) { t.Fatal("prefixed form should verify") }
    if VerifyHMAC("other", body, sig) { t.Fatal("wrong key verified") }
    if VerifyHMAC("k", []byte(`{"x":2}`), sig) { t.Fatal("tampered body verified") }
}
