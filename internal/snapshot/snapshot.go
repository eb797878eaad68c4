// Package snapshot encodes the alert list as a JSON array and decodes it back,
// dropping any record that no longer satisfies the alert schema.
package snapshot

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-alerts/internal/models"
)

const schemaURL = "https://gema.local/schemas/alert.schema.json"

//go:embed alert.schema.json
var alertSchema []byte

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// Dropped describes a record that was rejected while decoding.
type Dropped struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result holds the decoded records and the ones that were skipped.
// Indexes[i] is the document position Alerts[i] was read from.
type Result struct {
	Alerts  []models.Alert
	Indexes []int
	Dropped []Dropped
}

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		if err := compiler.AddResource(schemaURL, bytes.NewReader(alertSchema)); err != nil {
			compileErr = fmt.Errorf("load alert schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Encode serialises alerts as a JSON array.
func Encode(alerts []models.Alert) ([]byte, error) {
	if alerts == nil {
		alerts = []models.Alert{}
	}
	return json.Marshal(alerts)
}

// Decode parses a JSON array of alerts. Only a malformed top-level document is
// an error; individual records that fail validation are reported in Dropped.
func Decode(raw []byte) (Result, error) {
	validator, err := schema()
	if err != nil {
		return Result{}, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Result{Alerts: []models.Alert{}, Indexes: []int{}}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return Result{}, fmt.Errorf("decode alert snapshot: %w", err)
	}

	result := Result{Alerts: make([]models.Alert, 0, len(items)), Indexes: make([]int, 0, len(items))}
	for i, item := range items {
		var document interface{}
		if err := json.Unmarshal(item, &document); err != nil {
			result.Dropped = append(result.Dropped, Dropped{Index: i, Reason: err.Error()})
			continue
		}
		if err := validator.Validate(document); err != nil {
			result.Dropped = append(result.Dropped, Dropped{Index: i, Reason: err.Error()})
			continue
		}

		var alert models.Alert
		if err := json.Unmarshal(item, &alert); err != nil {
			result.Dropped = append(result.Dropped, Dropped{Index: i, Reason: err.Error()})
			continue
		}
		result.Alerts = append(result.Alerts, alert)
		result.Indexes = append(result.Indexes, i)
	}

	return result, nil
}
