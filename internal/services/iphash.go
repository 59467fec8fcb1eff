package services

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashIP one-way hashes a client IP for storage and logs. The 16-hex-char
// prefix keeps enough entropy to correlate abuse while staying useless
// for recovering the address.
func HashIP(salt, ip string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", salt, ip)))
	return hex.EncodeToString(sum[:])[:16]
}

// RandomSalt generates a process-lifetime salt for deployments that did
// not configure one. Hashes then stop correlating across restarts.
func RandomSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(buf)
}
