package api

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AgentThrottle limits mutating requests per agent before they reach the
// engine, so a misbehaving client cannot flood the chain RPC or the database.
type AgentThrottle struct {
	mu       sync.Mutex
	perAgent map[string]*throttleEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewAgentThrottle(requestsPerMinute float64, burst int, logger *zap.Logger) *AgentThrottle {
	perSecond := requestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &AgentThrottle{
		perAgent: make(map[string]*throttleEntry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
		logger:   logger,
	}
}

// Allow reports whether the agent may issue another request now.
func (t *AgentThrottle) Allow(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, entry := range t.perAgent {
		if now.Sub(entry.lastSeen) > t.idleTTL {
			delete(t.perAgent, id)
		}
	}

	entry, ok := t.perAgent[agentID]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.perAgent[agentID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (t *AgentThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := callerAgentID(r)
		if agentID != "" && !t.Allow(agentID) {
			t.logger.Warn("Request throttled", zap.String("agent_id", agentID), zap.String("path", r.URL.Path))
			writeErrorResponse(w, t.logger, http.StatusTooManyRequests, "too_many_requests", "Too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
