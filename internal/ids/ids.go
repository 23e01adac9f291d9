// Package ids derives the deterministic, content-addressed identifiers used as
// primary keys throughout the store. All functions are pure: the same inputs
// always produce the same id, which is what makes re-registration and
// re-insertion idempotent.
package ids

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

// Id prefixes. They keep ids of different tables visually distinct and make
// cross-table collisions impossible.
const (
	PrefixRecord             = "record_"
	PrefixFeedbackDefinition = "feedback_definition_"
	PrefixFeedbackResult     = "feedback_result_"
	PrefixDataset            = "dataset_"
	PrefixGroundTruth        = "ground_truth_"
	PrefixApp                = "app_"
)

// RecordID derives a record id from the app id, the serialized main input and
// the record timestamp.
func RecordID(appID string, mainInput any, ts time.Time) (string, error) {
	in, err := Canonicalize(mainInput)
	if err != nil {
		return "", fmt.Errorf("ids: canonicalize main input: %w", err)
	}
	return PrefixRecord + hashFields(appID, string(in), ts.UTC().Format(time.RFC3339Nano)), nil
}

// AppID derives an app id from its name and version.
func AppID(name, version string) string {
	return PrefixApp + hashFields(name, version)
}

// definitionIdentity is the subset of a FeedbackDefinition that determines its
// id. Display-only attributes (supplied name, higher_is_better, run location)
// are excluded so that re-registering with a different label is idempotent.
type definitionIdentity struct {
	Implementation model.Implementation `json:"implementation"`
	Aggregator     string               `json:"aggregator"`
	Selectors      map[string]string    `json:"selectors"`
	Combinations   model.Combinations   `json:"combinations"`
}

// FeedbackDefinitionID derives the id of a definition from a canonical
// serialization of its implementation, selectors, aggregator and combination
// mode.
func FeedbackDefinitionID(d model.FeedbackDefinition) (string, error) {
	sel := d.Selectors
	if sel == nil {
		sel = map[string]string{}
	}
	b, err := Canonicalize(definitionIdentity{
		Implementation: d.Implementation,
		Aggregator:     d.Aggregator,
		Selectors:      sel,
		Combinations:   d.Combinations,
	})
	if err != nil {
		return "", fmt.Errorf("ids: canonicalize feedback definition: %w", err)
	}
	sum := sha256.Sum256(b)
	return PrefixFeedbackDefinition + hex.EncodeToString(sum[:]), nil
}

// FeedbackResultID derives the id of the single logical result of evaluating
// a definition against a record.
func FeedbackResultID(feedbackDefinitionID, recordID string) string {
	return PrefixFeedbackResult + hashFields(feedbackDefinitionID, recordID)
}

// DatasetID derives a dataset id from its name.
func DatasetID(name string) string {
	return PrefixDataset + hashFields(name)
}

// GroundTruthID derives a ground-truth id from its dataset and query.
func GroundTruthID(datasetID, query, queryID string) string {
	return PrefixGroundTruth + hashFields(datasetID, query, queryID)
}

// Canonicalize returns the canonical JSON encoding of v: object keys sorted,
// arrays in order, no HTML escaping, no trailing newline.
func Canonicalize(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// hashFields produces a length-prefixed SHA-256 hex digest. Each field is
// encoded as a 4-byte big-endian length followed by the field bytes, so no
// delimiter inside a field can produce a collision.
func hashFields(fields ...string) string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f))) //nolint:gosec // field lengths are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
