// Package ids generates and validates evaluation, message and subscriber
// identifiers.
package ids

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	dErrors "evalbus/pkg/domain-errors"
)

// evaluationIDBytes gives 160 bits of entropy.
const evaluationIDBytes = 20

var encoding = base64.RawURLEncoding

// Generator draws identifiers from an entropy source. The zero value is not
// usable; build one with NewGenerator.
type Generator struct {
	entropy io.Reader
}

// NewGenerator returns a generator reading from entropy, or from crypto/rand
// when entropy is nil. Pass a deterministic reader in tests.
func NewGenerator(entropy io.Reader) *Generator {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &Generator{entropy: entropy}
}

// EvaluationID returns a URL-safe, unpadded base64 identifier.
func (g *Generator) EvaluationID() (string, error) {
	buf := make([]byte, evaluationIDBytes)
	if _, err := io.ReadFull(g.entropy, buf); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to read entropy for evaluation id")
	}
	return encoding.EncodeToString(buf), nil
}

// ParseEvaluationID validates an externally supplied evaluation id.
func ParseEvaluationID(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "evaluation id is required")
	}
	if _, err := encoding.DecodeString(raw); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInvalidInput, "evaluation id must be unpadded base64url")
	}
	return raw, nil
}

// MessageID formats the n-th message id of an evaluation.
func MessageID(evaluationID string, n int64) string {
	return fmt.Sprintf("ID:%s-m%d", evaluationID, n)
}

// NewSubscriberID returns a random subscriber identifier.
func NewSubscriberID() string {
	return uuid.NewString()
}
