package google

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Signatures retains Gemini thought signatures between turns, keyed by the
// function call name they arrived with. Clients replay assistant tool calls
// without the signature field, so it is re-attached here when the next turn
// converts the conversation back to native parts.
type Signatures struct {
	cache *otter.Cache[string, string]
}

// NewSignatures creates a signature store bounded to maxSize entries with a
// one hour write TTL.
func NewSignatures(maxSize int) *Signatures {
	c, _ := otter.New[string, string](&otter.Options[string, string]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, string](time.Hour),
	})
	return &Signatures{cache: c}
}

// Put stores the signature attached to a function call.
func (s *Signatures) Put(callID, signature string) {
	if s == nil || callID == "" || signature == "" {
		return
	}
	s.cache.Set(callID, signature)
}

// Get returns the stored signature for a call id, or empty.
func (s *Signatures) Get(callID string) string {
	if s == nil || callID == "" {
		return ""
	}
	v, _ := s.cache.GetIfPresent(callID)
	return v
}
