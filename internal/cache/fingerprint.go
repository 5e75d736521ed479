package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"aicall-gateway/pkg/types"
)

// Fingerprint hashes the request into the cache key:
//
//	sha256(content + "|" + category + "|" + canonicalJSON(params))
//
// encoding/json writes map keys in sorted order, so params that differ only
// in insertion order produce the same fingerprint. Nil and empty params are
// equivalent.
func Fingerprint(content, category string, params types.Params) (string, error) {
	canonical := []byte("{}")
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("cache: canonicalize params: %w", err)
		}
		canonical = b
	}

	normalized := content + "|" + category + "|" + string(canonical)

	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}
