// Package coordination tracks service replicas through Redis so any
// instance can answer cluster-wide diagnostic queries.
package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	instancesKey  = "tickpulse:instances"
	staleAfterSec = 60
)

// InstanceInfo is the heartbeat record one replica writes.
type InstanceInfo struct {
	InstanceID    string `json:"instance_id"`
	Timestamp     int64  `json:"timestamp"`
	Connections   int    `json:"connections"`
	Subscriptions int    `json:"subscriptions"`
	MessagesSent  uint64 `json:"messages_sent"`
}

// StatsFunc supplies the load numbers reported with each heartbeat.
type StatsFunc func() (connections, subscriptions int, messagesSent uint64)

// InstanceRegistry advertises this replica in a shared Redis hash.
// Replicas without a heartbeat for over 60s are considered gone.
type InstanceRegistry struct {
	rdb        *goredis.Client
	instanceID string
	heartbeat  time.Duration
	stats      StatsFunc
}

// NewInstanceRegistry creates a registry entry writer for this replica.
// instanceID must be unique per replica (hostname or UUID).
func NewInstanceRegistry(rdb *goredis.Client, instanceID string, heartbeat time.Duration, stats StatsFunc) *InstanceRegistry {
	return &InstanceRegistry{
		rdb:        rdb,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		stats:      stats,
	}
}

// Start registers immediately, then refreshes on the heartbeat interval.
// Blocks until ctx is cancelled, then unregisters and returns.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) register(ctx context.Context) {
	conns, subs, sent := r.stats()
	value := InstanceInfo{
		InstanceID:    r.instanceID,
		Timestamp:     time.Now().Unix(),
		Connections:   conns,
		Subscriptions: subs,
		MessagesSent:  sent,
	}

	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := r.rdb.HSet(ctx, instancesKey, r.instanceID, data).Err(); err != nil {
		slog.Warn("Instance heartbeat registration failed", "instance_id", r.instanceID, "error", err)
	}
}

func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.rdb.HDel(ctx, instancesKey, r.instanceID)
}

// ActiveInstances returns the heartbeat records of every replica seen
// within the staleness window.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	instances, err := r.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	infos := []InstanceInfo{}
	now := time.Now().Unix()
	for _, data := range instances {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if now-info.Timestamp < staleAfterSec {
			infos = append(infos, info)
		}
	}
	return infos, nil
}
