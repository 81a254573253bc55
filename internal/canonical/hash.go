package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type hashedPart struct {
	Kind       PartKind `json:"k"`
	Text       string   `json:"t,omitempty"`
	ImageURL   string   `json:"i,omitempty"`
	ToolCallID string   `json:"c,omitempty"`
}

type hashedMessage struct {
	Role  Role         `json:"r"`
	Parts []hashedPart `json:"p"`
}

// TranscriptHash hashes the role and content of msgs. Sampling
// parameters and tool-call requests stay outside the hash, so the same
// transcript produces the same hash across models and settings. Image
// parts hash by the representation the caller gave, never by fetched
// bytes.
func TranscriptHash(msgs []Message) string {
	hm := make([]hashedMessage, len(msgs))
	for i, m := range msgs {
		hm[i].Role = m.Role
		hm[i].Parts = make([]hashedPart, len(m.Parts))
		for j, p := range m.Parts {
			hm[i].Parts[j] = hashedPart{
				Kind:       p.Kind,
				Text:       p.Text,
				ImageURL:   p.ImageURL,
				ToolCallID: p.ToolCallID,
			}
		}
	}
	b, err := json.Marshal(hm)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashJSON hashes any JSON-marshalable value; map keys serialize sorted,
// so equal values hash equal.
func HashJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
