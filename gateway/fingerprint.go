package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint derives the deduplication key for a search request: a
// digest over every query-affecting parameter in a fixed field order, so
// identical requests always collide and distinct ones never do.
func Fingerprint(query string, page, perPage int) string {
	payload, _ := json.Marshal(struct {
		Query   string `json:"query"`
		Page    int    `json:"page"`
		PerPage int    `json:"perPage"`
	}{query, page, perPage})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
