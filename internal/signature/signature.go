// Package signature implements the timestamp-then-HMAC scheme used to sign
// outbound webhook deliveries and to verify inbound callbacks that reuse the
// same primitive. The wire format is "t=<unixSeconds>,v1=<hex>", the signed
// payload is "t=<unixSeconds>.<body>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds the accepted clock skew in both directions.
const DefaultTolerance = 300 * time.Second

// Sign computes the signature header value for body at the given unix
// timestamp.
func Sign(secret string, body []byte, timestamp int64) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, digest(secret, body, timestamp))
}

// Verify checks header against body using secret. Signatures older or newer
// than tolerance relative to now are rejected. Malformed headers return false,
// never an error.
func Verify(secret string, body []byte, header string, tolerance time.Duration) bool {
	return VerifyAt(secret, body, header, tolerance, time.Now())
}

// VerifyAt is Verify with an explicit reference time.
func VerifyAt(secret string, body []byte, header string, tolerance time.Duration, now time.Time) bool {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	timestamp, signatures, ok := parseHeader(header)
	if !ok {
		return false
	}

	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > tolerance {
		return false
	}

	expected := digest(secret, body, timestamp)
	for _, candidate := range signatures {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return true
		}
	}
	return false
}

func digest(secret string, body []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "t=%d.", timestamp)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseHeader(header string) (int64, []string, bool) {
	var timestamp int64
	var seenTimestamp bool
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, false
			}
			timestamp = parsed
			seenTimestamp = true
		case "v1":
			if value != "" {
				signatures = append(signatures, value)
			}
		}
	}

	if !seenTimestamp || len(signatures) == 0 {
		return 0, nil, false
	}
	return timestamp, signatures, true
}
