package messager

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"evalbus/internal/broker"
	"evalbus/internal/evaluation/models"
	"evalbus/internal/evaluation/tracker"
	dErrors "evalbus/pkg/domain-errors"
)

// Start negotiates a subscriber for every required format, announces the
// evaluation, publishes the description and begins the heartbeat. A failed
// negotiation stops the evaluation.
func (m *Messager) Start(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "evalbus.evaluation.start",
		trace.WithAttributes(attribute.String("evalbus.evaluation_id", m.id)))
	defer span.End()

	m.mu.Lock()
	switch {
	case m.stopped || m.closed:
		m.mu.Unlock()
		return m.finishedErr()
	case m.started:
		m.mu.Unlock()
		return dErrors.Newf(dErrors.CodeFailedPrecondition, "evaluation %s already started", m.id)
	}
	m.started = true
	m.mu.Unlock()

	assignment, err := m.negotiate(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "negotiation failed")
		m.Stop(ctx, err)
		return err
	}
	if err := m.tracker.SetNegotiated(assignment); err != nil {
		m.Stop(ctx, err)
		return err
	}

	m.mu.Lock()
	m.negotiated = assignment
	m.mu.Unlock()

	if err := m.publishStatus(ctx, models.Status{CompletionStatus: models.StatusEvaluationStarted}, ""); err != nil {
		m.Stop(ctx, err)
		return err
	}
	body, err := models.Encode(m.description)
	if err != nil {
		m.Stop(ctx, err)
		return err
	}
	if err := m.send(ctx, broker.DestinationEvaluation, body, "", &m.messageCount); err != nil {
		m.Stop(ctx, err)
		return err
	}

	m.startHeartbeat()
	m.logger.InfoContext(ctx, "evaluation started", "negotiated", assignment)
	return nil
}

func (m *Messager) negotiate(ctx context.Context) (map[models.Format]string, error) {
	ctx, span := m.tracer.Start(ctx, "evalbus.evaluation.negotiate",
		trace.WithAttributes(attribute.StringSlice("evalbus.formats", formatStrings(m.description.Formats))))
	defer span.End()

	assignment, err := m.negotiator.Negotiate(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return assignment, nil
}

func (m *Messager) broadcastConsumerRequired(ctx context.Context, awaiting []models.Format) error {
	return m.publishStatus(ctx, models.Status{
		CompletionStatus: models.StatusConsumerRequired,
		RequiredFormats:  awaiting,
	}, "")
}

func (m *Messager) startHeartbeat() {
	if m.heartbeatInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.heartbeatStop, m.heartbeatDone = cancel, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := m.publishStatus(ctx, models.Status{CompletionStatus: models.StatusEvaluationOngoing}, "")
				if err != nil && ctx.Err() == nil {
					m.logger.WarnContext(ctx, "evaluation heartbeat failed", "error", err)
				}
			}
		}
	}()
}

func (m *Messager) stopHeartbeat() {
	m.mu.Lock()
	stop, done := m.heartbeatStop, m.heartbeatDone
	m.heartbeatStop, m.heartbeatDone = nil, nil
	m.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// Await blocks until publication is complete and every negotiated subscriber
// has finished. It returns exit code 0 on success. Failure reported by any
// party, or a subscriber that went silent for too long, stops the evaluation
// and returns an error naming the cause.
func (m *Messager) Await(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "evalbus.evaluation.await",
		trace.WithAttributes(attribute.String("evalbus.evaluation_id", m.id)))
	defer span.End()

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return tracker.ExitFailure, dErrors.Newf(dErrors.CodeFailedPrecondition, "evaluation %s was never started", m.id)
	}

	code, err := m.tracker.Await(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "await failed")
		m.Stop(ctx, err)
		return tracker.ExitFailure, err
	}

	if failed := m.IsFailed(); failed || code != tracker.ExitSuccess {
		cause := m.failureCause()
		m.Stop(ctx, cause)
		err := dErrors.Wrap(cause, dErrors.CodeInternal, "evaluation "+m.id+" failed to complete")
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		return tracker.ExitFailure, err
	}

	if err := m.publishStatus(ctx, models.Status{CompletionStatus: models.StatusEvaluationCompleteSuccess}, ""); err != nil {
		m.logger.WarnContext(ctx, "failed to announce evaluation success", "error", err)
	}

	m.mu.Lock()
	m.awaited = true
	m.exitCode = tracker.ExitSuccess
	m.mu.Unlock()

	m.metrics.IncEvaluationCompleted("success")
	m.logger.InfoContext(ctx, "evaluation complete", "counts", m.Counts())
	return tracker.ExitSuccess, nil
}

func (m *Messager) failureCause() error {
	m.mu.Lock()
	stopErr := m.stopErr
	m.mu.Unlock()
	if stopErr != nil {
		return stopErr
	}
	if err := m.tracker.FirstFailure(); err != nil {
		return err
	}
	return errors.New("evaluation stopped")
}

// Stop fails the evaluation. Only the first call has any effect: it announces
// the failure, releases flow control and unblocks Await.
func (m *Messager) Stop(ctx context.Context, cause error) {
	if cause == nil {
		cause = errors.New("evaluation stopped")
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.exitCode = tracker.ExitFailure
	m.stopErr = cause
	m.mu.Unlock()

	m.logger.ErrorContext(ctx, "stopping evaluation", "error", cause)

	m.flow.ForceRelease()
	m.tracker.Stop()

	err := m.publishStatus(ctx, models.Status{
		CompletionStatus: models.StatusEvaluationCompleteFailure,
		Events:           []string{cause.Error()},
	}, "")
	if err != nil {
		m.logger.WarnContext(ctx, "failed to announce evaluation failure", "error", err)
	}

	m.stopHeartbeat()
	m.metrics.IncEvaluationCompleted("failure")
}

// Close releases the evaluation's resources. It is safe to call more than
// once and should follow Await or Stop.
func (m *Messager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.tracker.Stop()
	m.flow.ForceRelease()

	var g errgroup.Group
	g.Go(func() error {
		m.stopHeartbeat()
		return nil
	})
	g.Go(func() error {
		if err := m.status.Close(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "close status subscription")
		}
		return nil
	})
	err := g.Wait()

	m.logger.InfoContext(ctx, "evaluation closed", "exit_code", m.currentExitCode())
	return err
}

// IsFailed reports whether the evaluation was stopped or a failure was seen.
func (m *Messager) IsFailed() bool {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	return stopped || m.tracker.Failed()
}

// ExitCode returns the final exit code. It is an error to ask while the
// evaluation is still running.
func (m *Messager) ExitCode() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped && !m.closed && !m.awaited {
		return 0, dErrors.Newf(dErrors.CodeFailedPrecondition, "evaluation %s is still running", m.id)
	}
	return m.exitCode, nil
}

func (m *Messager) currentExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCode
}

func formatStrings(formats []models.Format) []string {
	out := make([]string, 0, len(formats))
	for _, f := range models.SortFormats(formats) {
		out = append(out, string(f))
	}
	return out
}
