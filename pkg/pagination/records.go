package pagination

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/runhistory/pkg/client"
	"github.com/tidwall/gjson"
)

// RecordsField is the JSON field holding a page's records.
const RecordsField = "workflow_runs"

// Record is one opaque workflow run. Numbers are kept as json.Number so
// large ids survive without float rounding.
type Record map[string]any

// ID returns the record's "id" field as a string, "" when absent.
func (r Record) ID() string {
	return r.String("id")
}

// String returns field formatted as a string, "" when absent or null.
func (r Record) String(field string) string {
	return formatValue(r[field])
}

// StringAt follows path through nested objects (e.g. "head_commit",
// "author", "name") and formats the value like String.
func (r Record) StringAt(path ...string) string {
	var v any = r
	for _, key := range path {
		switch obj := v.(type) {
		case Record:
			v = obj[key]
		case map[string]any:
			v = obj[key]
		default:
			return ""
		}
	}
	return formatValue(v)
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// DecodeRecords extracts the workflow_runs array from a page body.
// A body without the field fails with a *client.MalformedResponseError.
func DecodeRecords(body []byte) ([]Record, error) {
	if !gjson.ValidBytes(body) {
		return nil, &client.MalformedResponseError{Field: RecordsField, Err: errors.New("body is not valid JSON")}
	}

	runs := gjson.GetBytes(body, RecordsField)
	if !runs.Exists() {
		return nil, &client.MalformedResponseError{Field: RecordsField}
	}
	if !runs.IsArray() {
		return nil, &client.MalformedResponseError{Field: RecordsField, Err: fmt.Errorf("expected array, got %s", runs.Type)}
	}

	dec := json.NewDecoder(strings.NewReader(runs.Raw))
	dec.UseNumber()

	records := make([]Record, 0, int(runs.Get("#").Int()))
	if err := dec.Decode(&records); err != nil {
		return nil, &client.MalformedResponseError{Field: RecordsField, Err: err}
	}
	return records, nil
}
