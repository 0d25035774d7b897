package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// LogDestination records posted grades in the log only.
type LogDestination struct {
	logger zerolog.Logger
}

// NewLogDestination constructs a destination that only logs.
func NewLogDestination(logger zerolog.Logger) *LogDestination {
	return &LogDestination{logger: logger.With().Str("component", "grade_destination").Logger()}
}

func (d *LogDestination) Publish(_ context.Context, batch GradeBatch) error {
	d.logger.Info().
		Uint("master_migration_id", batch.MasterMigrationID).
		Uint("migration_id", batch.MigrationID).
		Int("grades", len(batch.Grades)).
		Msg("grade batch posted")
	return nil
}

// NATSDestination publishes posted grades for downstream gradebooks.
type NATSDestination struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSDestination constructs the destination.
func NewNATSDestination(conn *nats.Conn, subject string, logger zerolog.Logger) *NATSDestination {
	return &NATSDestination{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "grade_destination").Logger(),
	}
}

func (d *NATSDestination) Publish(_ context.Context, batch GradeBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode grade batch: %w", err)
	}
	if err := d.conn.Publish(d.subject, payload); err != nil {
		return err
	}
	// Flush so a broken connection fails the post task instead of dropping grades.
	return d.conn.FlushTimeout(5 * time.Second)
}
