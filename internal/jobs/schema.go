package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const statusReportSchemaURL = "mem://gema/task-status-report.schema.json"

// StatusReportSchema is the contract for messages on the task status subject.
const StatusReportSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["task_id", "status"],
  "properties": {
    "task_id": {"type": "integer", "minimum": 1},
    "status": {"type": "string", "enum": ["COMPLETED", "FAILED"]},
    "message": {"type": "string", "maxLength": 4096},
    "reported_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func statusSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		if err := compiler.AddResource(statusReportSchemaURL, strings.NewReader(StatusReportSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(statusReportSchemaURL)
	})
	return compiledSchema, schemaErr
}

// DecodeStatusReport validates raw bytes against the schema and decodes them.
func DecodeStatusReport(payload []byte) (StatusReport, error) {
	schema, err := statusSchema()
	if err != nil {
		return StatusReport{}, fmt.Errorf("compile status schema: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var document interface{}
	if err := decoder.Decode(&document); err != nil {
		return StatusReport{}, fmt.Errorf("decode status report: %w", err)
	}
	if err := schema.Validate(document); err != nil {
		return StatusReport{}, fmt.Errorf("invalid status report: %w", err)
	}

	var report StatusReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return StatusReport{}, fmt.Errorf("decode status report: %w", err)
	}
	return report, nil
}
