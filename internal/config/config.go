// Package config loads the flat settings map that configures one listener
// instance: environment variables first, with an optional TOML file
// overlay for local development, following the same precedence as the
// teacher's own configuration loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// AcquisitionMode selects how the listener discovers newly-due messages.
type AcquisitionMode string

const (
	AcquisitionReplication AcquisitionMode = "replication"
	AcquisitionPolling     AcquisitionMode = "polling"
)

// TableKind labels which default table/protection posture a listener
// instance takes: an outbox (this service's own events, enqueued for
// delivery outward) or an inbox (events received from elsewhere, enqueued
// for local application).
type TableKind string

const (
	TableKindOutbox TableKind = "outbox"
	TableKindInbox  TableKind = "inbox"
)

// Settings is the fully-resolved, typed configuration for one listener
// instance — the flat settings map from the specification, decoded into a
// struct (spec §6's configuration table).
type Settings struct {
	OutboxOrInbox TableKind
	DBSchema      string
	DBTable       string

	DatabaseURL string

	Mode AcquisitionMode

	MessageProcessingTimeout time.Duration
	MaxAttempts              int
	EnableMaxAttemptsProtection bool

	MaxPoisonousAttempts            int
	EnablePoisonousMessageProtection bool

	MaxMessageNotFoundAttempts int
	MaxMessageNotFoundDelay    time.Duration

	MessageCleanupInterval       time.Duration
	MessageCleanupProcessedAfter time.Duration
	MessageCleanupAbandonedAfter time.Duration
	MessageCleanupAllAfter       time.Duration

	// Replication-mode settings.
	DBPublication         string
	DBReplicationSlot      string
	RestartDelay           time.Duration
	RestartDelaySlotInUse  time.Duration

	// Polling-mode settings.
	NextMessagesFunctionSchema string
	NextMessagesFunctionName   string
	NextMessagesBatchSize      int
	NextMessagesLockIn         time.Duration
	NextMessagesPollingInterval time.Duration

	// Leader election (optional, multi-instance replication deployments).
	LeaderElectionEnabled bool
	RedisURL              string
	LeaderLockName        string
	LeaderTTL             time.Duration
	LeaderRefreshInterval time.Duration

	// HTTP surface for health/metrics.
	HTTPPort int
}

// fileOverlay mirrors the subset of Settings that may be supplied via an
// optional TOML file, for local development where exporting a dozen env
// vars is friction the corpus's own config loaders avoid.
type fileOverlay struct {
	OutboxOrInbox string `toml:"outbox_or_inbox"`
	DBSchema      string `toml:"db_schema"`
	DBTable       string `toml:"db_table"`
	DatabaseURL   string `toml:"database_url"`
	Mode          string `toml:"mode"`
	DBPublication string `toml:"db_publication"`
	DBReplicationSlot string `toml:"db_replication_slot"`
	RedisURL      string `toml:"redis_url"`
}

// Load builds Settings from environment variables, defaulted per table
// kind, then applies an optional TOML overlay named by
// LISTENER_CONFIG_FILE if set. Env vars always take precedence — the file
// only fills in values the environment left unset.
func Load() (*Settings, error) {
	kind := TableKind(getEnv("LISTENER_OUTBOX_OR_INBOX", string(TableKindOutbox)))
	if kind != TableKindOutbox && kind != TableKindInbox {
		return nil, fmt.Errorf("config: invalid outboxOrInbox %q, must be %q or %q", kind, TableKindOutbox, TableKindInbox)
	}

	isInbox := kind == TableKindInbox

	s := &Settings{
		OutboxOrInbox: kind,
		DBSchema:      getEnv("LISTENER_DB_SCHEMA", "public"),
		DBTable:       getEnv("LISTENER_DB_TABLE", string(kind)),
		DatabaseURL:   getEnv("LISTENER_DATABASE_URL", ""),
		Mode:          AcquisitionMode(getEnv("LISTENER_MODE", string(AcquisitionReplication))),

		MessageProcessingTimeout:          getEnvDuration("LISTENER_MESSAGE_PROCESSING_TIMEOUT_MS", 15000*time.Millisecond),
		MaxAttempts:                       getEnvInt("LISTENER_MAX_ATTEMPTS", 5),
		EnableMaxAttemptsProtection:       getEnvBool("LISTENER_ENABLE_MAX_ATTEMPTS_PROTECTION", isInbox),
		MaxPoisonousAttempts:              getEnvInt("LISTENER_MAX_POISONOUS_ATTEMPTS", 3),
		EnablePoisonousMessageProtection:  getEnvBool("LISTENER_ENABLE_POISONOUS_MESSAGE_PROTECTION", isInbox),
		MaxMessageNotFoundAttempts:        getEnvInt("LISTENER_MAX_MESSAGE_NOT_FOUND_ATTEMPTS", 0),
		MaxMessageNotFoundDelay:           getEnvDuration("LISTENER_MAX_MESSAGE_NOT_FOUND_DELAY_MS", 10*time.Millisecond),

		MessageCleanupInterval:       getEnvDuration("LISTENER_MESSAGE_CLEANUP_INTERVAL_MS", 300000*time.Millisecond),
		MessageCleanupProcessedAfter: getEnvDuration("LISTENER_MESSAGE_CLEANUP_PROCESSED_IN_SEC", 604800*time.Second),
		MessageCleanupAbandonedAfter: getEnvDuration("LISTENER_MESSAGE_CLEANUP_ABANDONED_IN_SEC", 1209600*time.Second),
		MessageCleanupAllAfter:       getEnvDuration("LISTENER_MESSAGE_CLEANUP_ALL_IN_SEC", 5184000*time.Second),

		DBPublication:         getEnv("LISTENER_DB_PUBLICATION", string(kind)),
		DBReplicationSlot:      getEnv("LISTENER_DB_REPLICATION_SLOT", string(kind)),
		RestartDelay:           getEnvDuration("LISTENER_RESTART_DELAY_MS", 250*time.Millisecond),
		RestartDelaySlotInUse:  getEnvDuration("LISTENER_RESTART_DELAY_SLOT_IN_USE_MS", 10000*time.Millisecond),

		NextMessagesFunctionSchema:  getEnv("LISTENER_NEXT_MESSAGES_FUNCTION_SCHEMA", "public"),
		NextMessagesFunctionName:    getEnv("LISTENER_NEXT_MESSAGES_FUNCTION_NAME", fmt.Sprintf("next_%s_messages", kind)),
		NextMessagesBatchSize:       getEnvInt("LISTENER_NEXT_MESSAGES_BATCH_SIZE", 5),
		NextMessagesLockIn:          getEnvDuration("LISTENER_NEXT_MESSAGES_LOCK_IN_MS", 5000*time.Millisecond),
		NextMessagesPollingInterval: getEnvDuration("LISTENER_NEXT_MESSAGES_POLLING_INTERVAL_MS", 500*time.Millisecond),

		LeaderElectionEnabled: getEnvBool("LISTENER_LEADER_ELECTION_ENABLED", false),
		RedisURL:              getEnv("LISTENER_REDIS_URL", ""),
		LeaderLockName:        getEnv("LISTENER_LEADER_LOCK_NAME", fmt.Sprintf("listener:%s:leader", kind)),
		LeaderTTL:             getEnvDuration("LISTENER_LEADER_TTL_MS", 15000*time.Millisecond),
		LeaderRefreshInterval: getEnvDuration("LISTENER_LEADER_REFRESH_INTERVAL_MS", 5000*time.Millisecond),

		HTTPPort: getEnvInt("LISTENER_HTTP_PORT", 8080),
	}

	if path := os.Getenv("LISTENER_CONFIG_FILE"); path != "" {
		if err := applyFileOverlay(s, path); err != nil {
			return nil, fmt.Errorf("config: load overlay %s: %w", path, err)
		}
	}

	if s.MessageProcessingTimeout <= 0 {
		return nil, fmt.Errorf("config: messageProcessingTimeoutInMs must be positive")
	}
	if s.Mode != AcquisitionReplication && s.Mode != AcquisitionPolling {
		return nil, fmt.Errorf("config: invalid mode %q, must be %q or %q", s.Mode, AcquisitionReplication, AcquisitionPolling)
	}

	return s, nil
}

func applyFileOverlay(s *Settings, path string) error {
	var overlay fileOverlay
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		return err
	}

	envUnset := func(key string) bool {
		_, ok := os.LookupEnv(key)
		return !ok
	}

	if overlay.OutboxOrInbox != "" && envUnset("LISTENER_OUTBOX_OR_INBOX") {
		s.OutboxOrInbox = TableKind(overlay.OutboxOrInbox)
	}
	if overlay.DBSchema != "" && envUnset("LISTENER_DB_SCHEMA") {
		s.DBSchema = overlay.DBSchema
	}
	if overlay.DBTable != "" && envUnset("LISTENER_DB_TABLE") {
		s.DBTable = overlay.DBTable
	}
	if overlay.DatabaseURL != "" && s.DatabaseURL == "" {
		s.DatabaseURL = overlay.DatabaseURL
	}
	if overlay.Mode != "" && envUnset("LISTENER_MODE") {
		s.Mode = AcquisitionMode(overlay.Mode)
	}
	if overlay.DBPublication != "" && envUnset("LISTENER_DB_PUBLICATION") {
		s.DBPublication = overlay.DBPublication
	}
	if overlay.DBReplicationSlot != "" && envUnset("LISTENER_DB_REPLICATION_SLOT") {
		s.DBReplicationSlot = overlay.DBReplicationSlot
	}
	if overlay.RedisURL != "" && s.RedisURL == "" {
		s.RedisURL = overlay.RedisURL
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		switch value {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if ms, err := parseMillis(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func parseMillis(value string) (int64, error) {
	return strconv.ParseInt(value, 10, 64)
}
