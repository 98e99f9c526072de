package routing

import (
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/routiium/gateway/internal"
)

// stickinessTTL bounds how long a conversation's plan token is replayed
// before the conversation must re-resolve from scratch.
const stickinessTTL = 30 * time.Minute

// Stickiness is an LRU of conversation_id -> last plan_token, consulted
// before a routing request is built so a multi-turn conversation can stay
// pinned to the same resolved target.
type Stickiness struct {
	cache *otter.Cache[string, string]
}

// NewStickiness returns an empty Stickiness LRU bounded by maxEntries.
func NewStickiness(maxEntries int) (*Stickiness, error) {
	c, err := otter.New(&otter.Options[string, string]{
		MaximumSize:      maxEntries,
		ExpiryCalculator: otter.ExpiryWriting[string, string](stickinessTTL),
	})
	if err != nil {
		return nil, err
	}
	return &Stickiness{cache: c}, nil
}

// Lookup returns the replayed plan token for a conversation, if any.
func (s *Stickiness) Lookup(conversationID string) string {
	if conversationID == "" {
		return ""
	}
	token, _ := s.cache.GetIfPresent(conversationID)
	return token
}

// Record stores the plan token a RoutePlan asked to have replayed on the
// conversation's next turn.
func (s *Stickiness) Record(conversationID string, plan *gateway.RoutePlan) {
	if conversationID == "" || plan.Stickiness.PlanToken == "" {
		return
	}
	s.cache.Set(conversationID, plan.Stickiness.PlanToken)
}
