package pipe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// UniqueKey computes a Thread's dedup key (§6): "{interaction_type}:
// {16-hex}" over the SHA-256 digest of the payload's canonical JSON
// encoding. A Transform implementation that already has a natural
// dedup key (e.g. a provider's own message id) may set Thread.UniqueKey
// directly; this is the fallback the facade applies when it doesn't.
func UniqueKey(interactionType string, payload map[string]interface{}) string {
	canon := canonicalize(payload)
	b, err := json.Marshal(canon)
	if err != nil {
		// canonicalize only ever produces maps, slices and JSON scalars,
		// none of which json.Marshal can fail on.
		panic(fmt.Sprintf("unique key: marshal canonical payload: %v", err))
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%s:%s", interactionType, hex.EncodeToString(sum[:])[:16])
}

// canonicalize recursively sorts map keys so two payloads with the same
// content but assembled in a different order hash identically.
// encoding/json already sorts map[string]interface{} keys at every
// level it marshals; this additionally normalizes map[interface{}]
// interface{} values (e.g. from a YAML decoder) into the same shape.
func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = canonicalize(vv)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[fmt.Sprintf("%v", k)] = canonicalize(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = canonicalize(vv)
		}
		return out
	default:
		return val
	}
}
