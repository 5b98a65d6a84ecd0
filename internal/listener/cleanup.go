package listener

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CleanupScheduler implements C9: a ticker that periodically deletes
// processed rows, abandoned rows, and (with the all-rows threshold) any
// row, each older than its configurable threshold. Any subset of the
// three thresholds may be enabled; if none are, the scheduler does not
// run at all (spec §4.9).
type CleanupScheduler struct {
	db    *sql.DB
	table TableRef

	interval       time.Duration
	processedAfter time.Duration
	abandonedAfter time.Duration
	allAfter       time.Duration

	stop chan struct{}
}

// NewCleanupScheduler builds a cleanup scheduler. A zero duration for any
// of processedAfter/abandonedAfter/allAfter disables that predicate.
func NewCleanupScheduler(db *sql.DB, table TableRef, interval, processedAfter, abandonedAfter, allAfter time.Duration) *CleanupScheduler {
	return &CleanupScheduler{
		db:             db,
		table:          table,
		interval:       interval,
		processedAfter: processedAfter,
		abandonedAfter: abandonedAfter,
		allAfter:       allAfter,
		stop:           make(chan struct{}),
	}
}

// Enabled reports whether at least one threshold is configured. The
// caller should skip starting Run entirely when this is false.
func (c *CleanupScheduler) Enabled() bool {
	return c.interval > 0 && (c.processedAfter > 0 || c.abandonedAfter > 0 || c.allAfter > 0)
}

// Run issues one cleanup DELETE every interval until ctx is cancelled or
// Stop is called. Each run checks a connection out of the *sql.DB it was
// built with only for the duration of its DELETE.
func (c *CleanupScheduler) Run(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.runOnce(ctx); err != nil {
				log.Error().Err(err).Msg("message cleanup failed")
			}
		}
	}
}

// Stop requests the cleanup loop to exit.
func (c *CleanupScheduler) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *CleanupScheduler) runOnce(ctx context.Context) error {
	var predicates []string
	var args []any
	argN := 1

	if c.processedAfter > 0 {
		predicates = append(predicates, fmt.Sprintf("processed_at < NOW() - ($%d || ' seconds')::interval", argN))
		args = append(args, int(c.processedAfter.Seconds()))
		argN++
	}
	if c.abandonedAfter > 0 {
		predicates = append(predicates, fmt.Sprintf("abandoned_at < NOW() - ($%d || ' seconds')::interval", argN))
		args = append(args, int(c.abandonedAfter.Seconds()))
		argN++
	}
	if c.allAfter > 0 {
		predicates = append(predicates, fmt.Sprintf("created_at < NOW() - ($%d || ' seconds')::interval", argN))
		args = append(args, int(c.allAfter.Seconds()))
		argN++
	}
	if len(predicates) == 0 {
		return nil
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE %s RETURNING id`, c.table.qualified(), strings.Join(predicates, " OR "))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return newError(CodeDBError, "", fmt.Errorf("cleanup delete: %w", err))
	}
	defer rows.Close()

	var deleted int
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return newError(CodeDBError, "", fmt.Errorf("scan deleted id: %w", err))
		}
		deleted++
	}
	if err := rows.Err(); err != nil {
		return newError(CodeDBError, "", err)
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Str("table", c.table.qualified()).Msg("cleaned up terminal messages")
	}
	return nil
}
