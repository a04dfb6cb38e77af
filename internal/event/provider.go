package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// providerEventSchema is the fixed contract for provider change entries.
// Payloads are validated against it before decoding so an unexpected shape
// fails closed as ErrEntryMalformed instead of being field-sniffed.
const providerEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "status", "updated"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"status": {"enum": ["confirmed", "tentative", "cancelled"]},
		"summary": {"type": "string"},
		"updated": {"type": "string"},
		"start": {"$ref": "#/$defs/instant"},
		"end": {"$ref": "#/$defs/instant"}
	},
	"$defs": {
		"instant": {
			"type": "object",
			"properties": {
				"dateTime": {"type": "string"},
				"date": {"type": "string"}
			}
		}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func providerSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(providerEventSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("provider-event.json", doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("provider-event.json")
	})
	return compiledSchema, schemaErr
}

type providerInstant struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
}

type providerEvent struct {
	ID      string           `json:"id"`
	Status  string           `json:"status"`
	Summary string           `json:"summary"`
	Start   *providerInstant `json:"start"`
	End     *providerInstant `json:"end"`
	Updated string           `json:"updated"`
}

// FromProvider normalizes one raw provider change entry. Any deviation from
// the schema, including unparsable instants, is reported as ErrEntryMalformed.
func FromProvider(raw json.RawMessage) (Record, error) {
	schema, err := providerSchema()
	if err != nil {
		return Record{}, err
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrEntryMalformed, err)
	}
	if err := schema.Validate(value); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrEntryMalformed, err)
	}

	var ev providerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrEntryMalformed, err)
	}
	updated, err := time.Parse(time.RFC3339, ev.Updated)
	if err != nil {
		return Record{}, fmt.Errorf("%w: invalid updated instant %q", ErrEntryMalformed, ev.Updated)
	}

	rec := Record{
		Source:          SourceProvider,
		ExternalKey:     ev.ID,
		Title:           ev.Summary,
		SourceUpdatedAt: updated,
		Cancelled:       ev.Status == "cancelled",
	}

	// Cancelled entries routinely arrive stripped down to id and status.
	if rec.Cancelled && (ev.Start == nil || ev.End == nil) {
		return rec, nil
	}
	if ev.Start == nil || ev.End == nil {
		return Record{}, fmt.Errorf("%w: missing start or end", ErrEntryMalformed)
	}
	if rec.StartsAt, err = parseInstant(*ev.Start); err != nil {
		return Record{}, err
	}
	if rec.EndsAt, err = parseInstant(*ev.End); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func parseInstant(in providerInstant) (time.Time, error) {
	if in.DateTime != "" {
		t, err := time.Parse(time.RFC3339, in.DateTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid dateTime %q", ErrEntryMalformed, in.DateTime)
		}
		return t, nil
	}
	if in.Date != "" {
		t, err := time.Parse("2006-01-02", in.Date)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrEntryMalformed, in.Date)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: empty instant", ErrEntryMalformed)
}
