package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

const (
	jobQueueGroup    = "gema-grading-workers"
	statusQueueGroup = "gema-grading-ledger"
)

// Subjects derives the NATS subjects from a channel base such as "gema:grading".
type Subjects struct {
	base string
}

// NewSubjects normalises the base into a dotted subject prefix.
func NewSubjects(channelBase string) Subjects {
	base := strings.Trim(strings.ReplaceAll(channelBase, ":", "."), ".")
	if base == "" {
		base = "gema.grading"
	}
	return Subjects{base: base}
}

// Job returns the subject for one job kind.
func (s Subjects) Job(kind string) string {
	return s.base + ".jobs." + kind
}

// Jobs matches every job subject.
func (s Subjects) Jobs() string {
	return s.base + ".jobs.*"
}

// Status is the subject workers publish status reports on.
func (s Subjects) Status() string {
	return s.base + ".tasks.status"
}

// Grades is the subject posted grades are published on.
func (s Subjects) Grades() string {
	return s.base + ".grades.posted"
}

// NATSDispatcher publishes jobs for out-of-process workers.
type NATSDispatcher struct {
	conn     *nats.Conn
	subjects Subjects
	logger   zerolog.Logger
}

// NewNATSDispatcher constructs a dispatcher over an established connection.
func NewNATSDispatcher(conn *nats.Conn, subjects Subjects, logger zerolog.Logger) *NATSDispatcher {
	return &NATSDispatcher{
		conn:     conn,
		subjects: subjects,
		logger:   logger.With().Str("component", "nats_dispatcher").Logger(),
	}
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, job JobSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	msg := nats.NewMsg(d.subjects.Job(string(job.Kind)))
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	msg.Header.Set("Task-Id", fmt.Sprint(job.TaskID))
	if job.CorrelationID != "" {
		msg.Header.Set("X-Correlation-ID", job.CorrelationID)
	}
	if err := d.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}

	d.logger.Debug().Uint("task_id", job.TaskID).Str("subject", msg.Subject).Msg("job dispatched")
	return nil
}

// StatusSubscriber feeds schema-validated status reports from NATS into a reporter.
type StatusSubscriber struct {
	conn     *nats.Conn
	subjects Subjects
	reporter Reporter
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewStatusSubscriber constructs the subscriber.
func NewStatusSubscriber(conn *nats.Conn, subjects Subjects, reporter Reporter, logger zerolog.Logger) *StatusSubscriber {
	return &StatusSubscriber{
		conn:     conn,
		subjects: subjects,
		reporter: reporter,
		timeout:  10 * time.Second,
		logger:   logger.With().Str("component", "task_status_subscriber").Logger(),
	}
}

// Start subscribes until ctx is cancelled.
func (s *StatusSubscriber) Start(ctx context.Context) error {
	sub, err := s.conn.QueueSubscribe(s.subjects.Status(), statusQueueGroup, func(msg *nats.Msg) {
		s.handle(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe task status: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain task status subscription")
		}
	}()
	return nil
}

func (s *StatusSubscriber) handle(ctx context.Context, payload []byte) {
	report, err := DecodeStatusReport(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("discarding task status report")
		return
	}

	reportCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.reporter.HandleReport(reportCtx, report); err != nil {
		s.logger.Error().Err(err).Uint("task_id", report.TaskID).Msg("failed to record task status")
	}
}

// NATSWorker consumes jobs from NATS, runs them and publishes their status.
type NATSWorker struct {
	conn     *nats.Conn
	subjects Subjects
	handlers map[models.TaskKind]Handler
	logger   zerolog.Logger
}

// NewNATSWorker constructs a worker for the given handlers keyed by job kind.
func NewNATSWorker(conn *nats.Conn, subjects Subjects, handlers map[models.TaskKind]Handler, logger zerolog.Logger) *NATSWorker {
	return &NATSWorker{
		conn:     conn,
		subjects: subjects,
		handlers: handlers,
		logger:   logger.With().Str("component", "nats_worker").Logger(),
	}
}

// Start joins the worker queue group until ctx is cancelled.
func (w *NATSWorker) Start(ctx context.Context) error {
	sub, err := w.conn.QueueSubscribe(w.subjects.Jobs(), jobQueueGroup, func(msg *nats.Msg) {
		w.handle(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe jobs: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			w.logger.Warn().Err(err).Msg("failed to drain job subscription")
		}
	}()
	return nil
}

func (w *NATSWorker) handle(ctx context.Context, payload []byte) {
	var job JobSpec
	if err := json.Unmarshal(payload, &job); err != nil {
		w.logger.Warn().Err(err).Msg("discarding malformed job")
		return
	}

	report := Execute(ctx, w.handlers, job)
	encoded, err := json.Marshal(report)
	if err != nil {
		w.logger.Error().Err(err).Uint("task_id", job.TaskID).Msg("failed to encode status report")
		return
	}
	if err := w.conn.Publish(w.subjects.Status(), encoded); err != nil {
		w.logger.Error().Err(err).Uint("task_id", job.TaskID).Msg("failed to publish status report")
		return
	}

	w.logger.Info().
		Uint("task_id", job.TaskID).
		Str("kind", string(job.Kind)).
		Str("status", string(report.Status)).
		Str("correlation_id", job.CorrelationID).
		Msg("job finished")
}
