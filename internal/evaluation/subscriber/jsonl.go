package subscriber

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"evalbus/internal/evaluation/models"
	dErrors "evalbus/pkg/domain-errors"
)

// Record is one line written by a JSON lines consumer.
type Record struct {
	Kind         string              `json:"kind"`
	EvaluationID string              `json:"evaluation_id"`
	GroupID      string              `json:"group_id,omitempty"`
	Description  *models.Description `json:"description,omitempty"`
	Statistics   *models.Statistics  `json:"statistics,omitempty"`
	Pairs        *models.Pairs       `json:"pairs,omitempty"`
	ReceivedAt   time.Time           `json:"received_at"`
}

const (
	RecordDescription = "description"
	RecordStatistics  = "statistics"
	RecordGroup       = "group"
	RecordPairs       = "pairs"
)

// JSONLinesFactory returns a factory writing each evaluation to
// <dir>/<evaluation id>.jsonl.
func JSONLinesFactory(dir string) ConsumerFactory {
	return func(evaluationID string) (Consumer, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create output directory")
		}
		f, err := os.Create(filepath.Join(dir, evaluationID+".jsonl"))
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create evaluation output file")
		}
		w := bufio.NewWriter(f)
		return &jsonLines{file: f, buf: w, enc: json.NewEncoder(w)}, nil
	}
}

type jsonLines struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

func (j *jsonLines) write(r Record) error {
	r.ReceivedAt = time.Now().UTC()

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(r); err != nil {
		return err
	}
	return j.buf.Flush()
}

func (j *jsonLines) Description(_ context.Context, evaluationID string, d models.Description) error {
	return j.write(Record{Kind: RecordDescription, EvaluationID: evaluationID, Description: &d})
}

func (j *jsonLines) Statistics(_ context.Context, evaluationID string, stats models.Statistics) error {
	return j.write(Record{Kind: RecordStatistics, EvaluationID: evaluationID, Statistics: &stats})
}

func (j *jsonLines) GroupedStatistics(_ context.Context, evaluationID, groupID string, stats models.Statistics) error {
	return j.write(Record{Kind: RecordGroup, EvaluationID: evaluationID, GroupID: groupID, Statistics: &stats})
}

func (j *jsonLines) Pairs(_ context.Context, evaluationID string, pairs models.Pairs) error {
	return j.write(Record{Kind: RecordPairs, EvaluationID: evaluationID, Pairs: &pairs})
}

func (j *jsonLines) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.buf.Flush(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}
