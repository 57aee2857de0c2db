package messager

import (
	"context"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"evalbus/internal/broker"
	"evalbus/internal/evaluation/ids"
	"evalbus/internal/evaluation/models"
	dErrors "evalbus/pkg/domain-errors"
)

type publishOptions struct {
	groupID string
}

// PublishOption tunes a single publish.
type PublishOption func(*publishOptions)

// InGroup tags the message with a group id. Grouped statistics are
// aggregated by subscribers and are subject to flow control.
func InGroup(groupID string) PublishOption {
	return func(o *publishOptions) {
		o.groupID = groupID
	}
}

func resolve(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// PublishStatus publishes a caller status event. Statuses the messager
// reserves for itself are rejected.
func (m *Messager) PublishStatus(ctx context.Context, status models.Status, opts ...PublishOption) error {
	if !status.CompletionStatus.Valid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown completion status %q", status.CompletionStatus)
	}
	if status.CompletionStatus.Reserved() {
		return dErrors.Newf(dErrors.CodeInvalidInput,
			"completion status %s is reserved for the evaluation itself", status.CompletionStatus)
	}
	if err := m.checkPublishable(false); err != nil {
		return err
	}
	return m.publishStatus(ctx, status, resolve(opts).groupID)
}

// PublishStatistics publishes one statistics message. With InGroup it waits
// on flow control first and counts towards the group.
func (m *Messager) PublishStatistics(ctx context.Context, stats models.Statistics, opts ...PublishOption) error {
	if err := m.checkPublishable(true); err != nil {
		return err
	}
	o := resolve(opts)
	body, err := models.Encode(stats)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "encode statistics")
	}

	if o.groupID != "" {
		if err := m.checkGroupOpen(o.groupID); err != nil {
			return err
		}
		if err := m.flow.Wait(ctx); err != nil {
			return err
		}
		if err := m.countIntoGroup(o.groupID); err != nil {
			return err
		}
	}
	return m.send(ctx, broker.DestinationStatistics, body, o.groupID, &m.messageCount)
}

// PublishPairs publishes one pairs message.
func (m *Messager) PublishPairs(ctx context.Context, pairs models.Pairs) error {
	if err := m.checkPublishable(true); err != nil {
		return err
	}
	body, err := models.Encode(pairs)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "encode pairs")
	}
	return m.send(ctx, broker.DestinationPairs, body, "", &m.pairsCount)
}

// MarkGroupPublicationComplete announces how many messages the group holds
// and freezes it. Marking an unknown or already complete group fails.
func (m *Messager) MarkGroupPublicationComplete(ctx context.Context, groupID string) error {
	if err := m.checkPublishable(true); err != nil {
		return err
	}
	return m.completeGroup(ctx, groupID)
}

func (m *Messager) completeGroup(ctx context.Context, groupID string) error {
	m.groupsMu.Lock()
	g, ok := m.groups[groupID]
	switch {
	case !ok:
		m.groupsMu.Unlock()
		return dErrors.Newf(dErrors.CodeFailedPrecondition,
			"evaluation %s has published nothing to group %q", m.id, groupID)
	case g.frozen:
		m.groupsMu.Unlock()
		return dErrors.Newf(dErrors.CodeFailedPrecondition,
			"evaluation %s already completed group %q", m.id, groupID)
	}
	g.frozen = true
	count := g.count
	m.groupsMu.Unlock()

	return m.publishStatus(ctx, models.Status{
		CompletionStatus: models.StatusGroupPublicationComplete,
		GroupID:          groupID,
		MessageCount:     count,
	}, groupID)
}

// MarkPublicationComplete completes any open groups and announces the final
// message counts. Nothing more can be published afterwards.
func (m *Messager) MarkPublicationComplete(ctx context.Context) error {
	if err := m.checkPublishable(true); err != nil {
		return err
	}

	for _, groupID := range m.openGroups() {
		if err := m.completeGroup(ctx, groupID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.publicationComplete {
		m.mu.Unlock()
		return dErrors.Newf(dErrors.CodeFailedPrecondition, "evaluation %s publication already complete", m.id)
	}
	m.publicationComplete = true
	m.mu.Unlock()

	counts := m.Counts()
	return m.publishStatus(ctx, models.Status{
		CompletionStatus:   models.StatusPublicationCompleteSuccess,
		MessageCount:       counts.Messages,
		PairsMessageCount:  counts.PairsMessages,
		GroupCount:         counts.Groups,
		StatusMessageCount: counts.StatusMessages + 1,
	}, "")
}

func (m *Messager) openGroups() []string {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()
	var open []string
	for _, id := range slices.Sorted(maps.Keys(m.groups)) {
		if !m.groups[id].frozen {
			open = append(open, id)
		}
	}
	return open
}

func (m *Messager) checkGroupOpen(groupID string) error {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()
	if g, ok := m.groups[groupID]; ok && g.frozen {
		return dErrors.Newf(dErrors.CodeFailedPrecondition,
			"evaluation %s cannot publish into completed group %q", m.id, groupID)
	}
	return nil
}

func (m *Messager) countIntoGroup(groupID string) error {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		g = &groupCounter{}
		m.groups[groupID] = g
	}
	if g.frozen {
		return dErrors.Newf(dErrors.CodeFailedPrecondition,
			"evaluation %s cannot publish into completed group %q", m.id, groupID)
	}
	g.count++
	return nil
}

// checkPublishable fails fast once the evaluation is finished. Data messages
// additionally require Start to have negotiated subscribers.
func (m *Messager) checkPublishable(data bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.stopped || m.closed:
		return m.finishedErrLocked()
	case m.publicationComplete:
		return dErrors.Newf(dErrors.CodeFailedPrecondition,
			"evaluation %s publication is complete; nothing more may be published", m.id)
	case data && m.negotiated == nil:
		return dErrors.Newf(dErrors.CodeFailedPrecondition, "evaluation %s has not been started", m.id)
	}
	return nil
}

func (m *Messager) finishedErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishedErrLocked()
}

func (m *Messager) finishedErrLocked() error {
	if m.stopped {
		return dErrors.Newf(dErrors.CodeFailedPrecondition, "evaluation %s was stopped", m.id)
	}
	return dErrors.Newf(dErrors.CodeFailedPrecondition, "evaluation %s is closed", m.id)
}

// publishStatus sends a status without lifecycle checks beyond the broker
// being open. Internal announcements use it directly.
func (m *Messager) publishStatus(ctx context.Context, status models.Status, groupID string) error {
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	body, err := models.Encode(status)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "encode status")
	}
	return m.send(ctx, broker.DestinationStatus, body, groupID, &m.statusCount)
}

func (m *Messager) send(ctx context.Context, dest broker.Destination, body []byte, groupID string, counter *atomic.Int64) error {
	msg := &broker.Message{
		Destination:   dest,
		MessageID:     ids.MessageID(m.id, m.sequence.Add(1)),
		CorrelationID: m.id,
		GroupID:       groupID,
		JobID:         m.jobID,
		Properties:    m.formatProperties(),
		Body:          body,
	}
	if err := m.publisher.Publish(ctx, msg); err != nil {
		return err
	}
	counter.Add(1)
	return nil
}

// formatProperties maps each negotiated format to its subscriber so
// subscribers can tell which messages are theirs.
func (m *Messager) formatProperties() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.negotiated) == 0 {
		return nil
	}
	props := make(map[string]string, len(m.negotiated))
	for f, id := range m.negotiated {
		props[string(f)] = id
	}
	return props
}
