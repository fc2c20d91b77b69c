package idempotency

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
)

// StorageKey derives the backend key for (tenant, operation scope, client
// idempotency key). Each part is length-prefixed before hashing so that two
// different tuples can never produce the same digest, and the scope is kept
// as a readable prefix so backend keys stay greppable per operation.
func StorageKey(tenantID, scope, clientKey string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	scope = strings.TrimSpace(scope)
	clientKey = strings.TrimSpace(clientKey)
	if scope == "" {
		return "", errors.New("scope is required")
	}
	if clientKey == "" {
		return "", errors.New("key is required")
	}

	h := sha256.New()
	for _, part := range []string{tenantID, scope, clientKey} {
		var prefix [8]byte
		binary.BigEndian.PutUint64(prefix[:], uint64(len(part)))
		h.Write(prefix[:])
		h.Write([]byte(part))
	}
	return scope + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

func clonePayload(payload []byte) []byte {
	if payload == nil {
		return nil
	}
	return append([]byte(nil), payload...)
}
