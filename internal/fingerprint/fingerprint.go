// Package fingerprint derives content hashes for capability records and cache
// keys. Capability fingerprints use blake2b so that any attribute change is
// detected without deep comparison; request-parameter fingerprints use xxhash
// since they only need to be a cheap stable cache key component.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/minio/blake2b-simd"

	"github.com/oceangrid/dirsync/internal/models"
)

// Capability returns the content fingerprint of a capability. Two capabilities
// with identical attributes always produce the same fingerprint.
func Capability(c models.Capability) models.Fingerprint {
	sum := blake2b.Sum256(fmt.Appendf(nil, "%s|%s|%s|%t|%s|%s",
		c.NodeID, c.ProductType, c.ServiceType, c.Enabled, c.Endpoint, c.Version))
	return models.Fingerprint(hex.EncodeToString(sum[:16]))
}

// Params returns a stable fingerprint of request parameters, independent of
// map iteration order.
func Params(params map[string]string) string {
	if len(params) == 0 {
		return "0"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte('&')
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(sb.String()))
}
