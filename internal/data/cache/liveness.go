package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// AgentInfo is what an agent declares on hello and what liveness queries
// return.
type AgentInfo struct {
	ID           string    `json:"agent_id"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// Liveness tracks which agents are alive. An agent is live while its last
// hello or heartbeat is within the TTL window.
type Liveness interface {
	Hello(ctx context.Context, info AgentInfo) error
	Heartbeat(ctx context.Context, agentID string) error
	Live(ctx context.Context) ([]AgentInfo, error)
}

// RedisLiveness keeps the registry in one Redis hash keyed by agent id.
// Staleness is filtered on read, matching the lazy-expiry style used for
// bounty deadlines.
type RedisLiveness struct {
	rdb *redis.Client
	key string
	ttl time.Duration
	now func() time.Time
}

// NewRedisLiveness builds the production registry. A zero ttl defaults to
// two minutes, double the agents' heartbeat interval.
func NewRedisLiveness(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLiveness {
	if prefix == "" {
		prefix = "genepool"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLiveness{
		rdb: rdb,
		key: prefix + ":agents",
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (l *RedisLiveness) Hello(ctx context.Context, info AgentInfo) error {
	if info.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	info.LastSeen = l.now()
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode agent info: %w", err)
	}
	if err := l.rdb.HSet(ctx, l.key, info.ID, raw).Err(); err != nil {
		return fmt.Errorf("failed to register agent %s: %w", info.ID, err)
	}
	return nil
}

func (l *RedisLiveness) Heartbeat(ctx context.Context, agentID string) error {
	raw, err := l.rdb.HGet(ctx, l.key, agentID).Result()
	if err == redis.Nil {
		return fmt.Errorf("unknown agent %s, hello first", agentID)
	}
	if err != nil {
		return fmt.Errorf("failed to read agent %s: %w", agentID, err)
	}

	var info AgentInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return fmt.Errorf("failed to decode agent %s: %w", agentID, err)
	}
	info.LastSeen = l.now()

	updated, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode agent %s: %w", agentID, err)
	}
	if err := l.rdb.HSet(ctx, l.key, agentID, updated).Err(); err != nil {
		return fmt.Errorf("failed to refresh agent %s: %w", agentID, err)
	}
	return nil
}

func (l *RedisLiveness) Live(ctx context.Context) ([]AgentInfo, error) {
	all, err := l.rdb.HGetAll(ctx, l.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	cutoff := l.now().Add(-l.ttl)
	var out []AgentInfo
	for id, raw := range all {
		var info AgentInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			// A corrupt entry never takes the endpoint down.
			continue
		}
		if info.LastSeen.Before(cutoff) {
			l.rdb.HDel(ctx, l.key, id)
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryLiveness is the dev-mode registry.
type MemoryLiveness struct {
	mu     sync.RWMutex
	agents map[string]AgentInfo
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryLiveness(ttl time.Duration) *MemoryLiveness {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &MemoryLiveness{
		agents: make(map[string]AgentInfo),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLiveness) Hello(_ context.Context, info AgentInfo) error {
	if info.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	info.LastSeen = l.now()
	l.agents[info.ID] = info
	return nil
}

func (l *MemoryLiveness) Heartbeat(_ context.Context, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.agents[agentID]
	if !ok {
		return fmt.Errorf("unknown agent %s, hello first", agentID)
	}
	info.LastSeen = l.now()
	l.agents[agentID] = info
	return nil
}

func (l *MemoryLiveness) Live(_ context.Context) ([]AgentInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.ttl)
	var out []AgentInfo
	for id, info := range l.agents {
		if info.LastSeen.Before(cutoff) {
			delete(l.agents, id)
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
