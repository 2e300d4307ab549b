package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// SignHMAC creates an HMAC signature for a message using the provided secret
func SignHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// VerifyHMAC verifies an HMAC signature against a message using the provided secret
// Uses constant-time comparison to prevent timing attacks
func VerifyHMAC(message, signature, secret string) bool {
	expectedMAC := SignHMAC(message, secret)

	return subtle.ConstantTimeCompare([]byte(signature), []byte(expectedMAC)) == 1
}

// SignHMACHex is the hex-encoded variant, used where the signature travels
// in a URL and base64 padding characters would need escaping
func SignHMACHex(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHMACHex verifies a hex-encoded HMAC signature in constant time
func VerifyHMACHex(message, signature, secret string) bool {
	expectedMAC := SignHMACHex(message, secret)

	return subtle.ConstantTimeCompare([]byte(signature), []byte(expectedMAC)) == 1
}
