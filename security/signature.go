package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VerifySignature checks a webhook payload against a single signing key.
// The header format is "t=<unix-seconds>,v1=<hex-hmac-sha256>" and the HMAC
// is computed over timestamp + "." + raw body bytes. Any malformed input is
// treated as "not verified"; this function never fails loudly.
func VerifySignature(raw []byte, signatureHeader, signingKey string) bool {
	if signatureHeader == "" || signingKey == "" {
		return false
	}

	var timestamp, sigHex string
	for _, part := range strings.Split(signatureHeader, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "t="):
			timestamp = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "v1="):
			sigHex = strings.TrimPrefix(part, "v1=")
		}
	}
	if timestamp == "" || sigHex == "" {
		return false
	}

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(raw)
	computed := mac.Sum(nil)

	// hmac.Equal is constant-time; a length mismatch is just "not verified".
	return hmac.Equal(computed, signature)
}

// SignPayload produces the signature header a provider would attach for the
// given payload, timestamp and key. Used by tests and local delivery tooling.
func SignPayload(raw []byte, ts time.Time, signingKey string) string {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(raw)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}
