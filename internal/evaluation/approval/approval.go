// Package approval decides which subscribers may win negotiation for a format.
//
// The negotiator only accepts offers for (format, subscriber) pairs an
// Approver allows. Approvers are injected so deployments can keep the
// allow-list in configuration, redis or postgres.
package approval

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"evalbus/internal/evaluation/models"
	strutil "evalbus/pkg/platform/strings"
)

// Approver reports whether subscriberID may deliver format.
type Approver interface {
	Approve(ctx context.Context, format models.Format, subscriberID string) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, format models.Format, subscriberID string) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, format models.Format, subscriberID string) (bool, error) {
	return f(ctx, format, subscriberID)
}

// AllowAll approves every non-blank subscriber for every format.
type AllowAll struct{}

func (AllowAll) Approve(_ context.Context, _ models.Format, subscriberID string) (bool, error) {
	return strings.TrimSpace(subscriberID) != "", nil
}

// Static is an in-memory allow-list. A format with no entry approves nobody.
type Static struct {
	mu       sync.RWMutex
	approved map[models.Format][]string
}

func NewStatic() *Static {
	return &Static{approved: make(map[models.Format][]string)}
}

// StaticFromConfig builds a Static approver from a format -> comma separated
// subscriber ids map, as carried by evaluation.approved_by_format.
func StaticFromConfig(byFormat map[string]string) (*Static, error) {
	s := NewStatic()
	for rawFormat, rawIDs := range byFormat {
		format, err := models.ParseFormat(rawFormat)
		if err != nil {
			return nil, fmt.Errorf("approved_by_format: %w", err)
		}
		s.Grant(format, strutil.DedupeAndTrim(strings.Split(rawIDs, ","))...)
	}
	return s, nil
}

// Grant approves subscriberIDs for format.
func (s *Static) Grant(format models.Format, subscriberIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range subscriberIDs {
		if !slices.Contains(s.approved[format], id) {
			s.approved[format] = append(s.approved[format], id)
		}
	}
}

func (s *Static) Approve(_ context.Context, format models.Format, subscriberID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.approved[format], subscriberID), nil
}

// ApprovedFormats filters formats down to those subscriberID is approved for,
// preserving order. The first store error aborts the check.
func ApprovedFormats(ctx context.Context, a Approver, subscriberID string, formats []models.Format) ([]models.Format, error) {
	var out []models.Format
	for _, f := range formats {
		ok, err := a.Approve(ctx, f, subscriberID)
		if err != nil {
			return nil, fmt.Errorf("approve %s for %s: %w", f, subscriberID, err)
		}
		if ok {
			out = append(out, f)
		}
	}
	return out, nil
}
