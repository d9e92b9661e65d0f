package webhooks

import (
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "strings"
)

// SignHMAC returns the lowercase hex HMAC-SHA256 of body under secret,
// as placed in the X-Signature header of outbound deliveries.
func SignHMAC(secret string, body []byte) string {
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write(body)
    return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a signature against the raw body. An optional
// "sha256=" prefix on the provided value is accepted.
func VerifyHMAC(secret string, body []byte, provided string) bool {
    provided = strings.TrimPrefix(provided, "sha256=")
    b, err := hex.DecodeString(provided)
    if err != nil { return false }
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write(body)
    return hmac.Equal(mac.Sum(nil), b)
}
