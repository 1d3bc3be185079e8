// Package config loads the ledger's operator surface from the
// environment (spec §6), following the teacher's getEnv(key, fallback)
// convention rather than a flags/viper framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chainledger/internal/guard"
	"chainledger/internal/ledger"
	"chainledger/internal/replication"
	"chainledger/internal/snapshot"
)

// Config is the fully-resolved operator surface for one ledger daemon.
type Config struct {
	DatabaseURL string
	ReplicaID   string
	MetricsPort string

	Guard      guard.Config
	Snapshot   snapshot.Policy
	Replicator replication.Config
	Peers      []replication.Peer
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallbackMS int64) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return time.Duration(fallbackMS) * time.Millisecond, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// Load resolves Config from the process environment, matching the
// variable names of spec §6 exactly. A malformed value is a
// configuration error (exit code 4 at the CLI boundary), never a
// silent fallback.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		ReplicaID:   getEnv("REPLICA_ID", "replica-1"),
		MetricsPort: getEnv("METRICS_PORT", "9090"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("ledger: DATABASE_URL is required")
	}

	maxSkew, err := getEnvDuration("MAX_CLOCK_SKEW_MS", int64(guard.DefaultMaxClockSkew/time.Millisecond))
	if err != nil {
		return Config{}, err
	}
	nonceRetention, err := getEnvDuration("NONCE_RETENTION_MS", int64(guard.DefaultNonceRetention/time.Millisecond))
	if err != nil {
		return Config{}, err
	}
	cfg.Guard = guard.Config{MaxClockSkew: maxSkew, NonceRetention: nonceRetention}

	eventsThreshold, err := getEnvInt("SNAPSHOT_EVENT_THRESHOLD", snapshot.DefaultEventsThreshold)
	if err != nil {
		return Config{}, err
	}
	timeThreshold, err := getEnvDuration("SNAPSHOT_TIME_THRESHOLD_MS", int64(snapshot.DefaultTimeThreshold/time.Millisecond))
	if err != nil {
		return Config{}, err
	}
	maxSnapshots, err := getEnvInt("MAX_SNAPSHOTS_PER_AGG", snapshot.DefaultMaxPerAggregate)
	if err != nil {
		return Config{}, err
	}
	cfg.Snapshot = snapshot.Policy{
		Eligible:        nil, // populated by the domain service embedding this package; the substrate daemon has no aggregate vocabulary of its own
		EventsThreshold: eventsThreshold,
		TimeThreshold:   timeThreshold,
		MaxPerAggregate: maxSnapshots,
	}

	syncInterval, err := getEnvDuration("SYNC_INTERVAL_MS", 5000)
	if err != nil {
		return Config{}, err
	}
	maxBatch, err := getEnvInt("SYNC_MAX_BATCH", replication.DefaultMaxBatchSize)
	if err != nil {
		return Config{}, err
	}
	strategy, err := parseStrategy(getEnv("CONFLICT_STRATEGY", "LastWriteWins"))
	if err != nil {
		return Config{}, err
	}
	cfg.Replicator = replication.Config{
		SelfID:       cfg.ReplicaID,
		Strategy:     strategy,
		MaxBatchSize: maxBatch,
		SyncInterval: syncInterval,
	}

	peers, err := parsePeers(getEnv("PEER_ADDRS", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.Peers = peers

	return cfg, nil
}

func parseStrategy(raw string) (ledger.ConflictStrategy, error) {
	switch raw {
	case "LastWriteWins":
		return ledger.LastWriteWins, nil
	case "FirstWriteWins":
		return ledger.FirstWriteWins, nil
	case "SourcePriority":
		return ledger.SourcePriority, nil
	case "Manual":
		return ledger.ManualStrategy, nil
	default:
		return "", fmt.Errorf("CONFLICT_STRATEGY: unknown strategy %q", raw)
	}
}

// parsePeers reads "id1=http://host1,id2=http://host2" from PEER_ADDRS.
func parsePeers(raw string) ([]replication.Peer, error) {
	if raw == "" {
		return nil, nil
	}
	var peers []replication.Peer
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("PEER_ADDRS: malformed entry %q, want id=url", entry)
		}
		peers = append(peers, replication.Peer{ID: parts[0], BaseURL: parts[1]})
	}
	return peers, nil
}
