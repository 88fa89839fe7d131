package feed

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"finstream/internal/model"
)

var validate = validator.New()

// decodeProperties reads a properties JSON document. Producers are not
// consistent about quoting numbers, so every field is accepted as a string, a
// number or a boolean and kept as its string form.
func decodeProperties(raw []byte) (model.RawProperties, error) {
	var props model.RawProperties
	if len(raw) == 0 {
		return props, nil
	}

	// some writers store the document as a JSON string
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return props, fmt.Errorf("decode properties: %w", err)
		}
		raw = []byte(inner)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return props, fmt.Errorf("decode properties: %w", err)
	}

	props.Amount = stringify(fields["amount"])
	props.IsFraud = stringify(fields["isFraud"])
	props.IsFlaggedFraud = stringify(fields["isFlaggedFraud"])
	props.NameOrig = stringify(fields["nameOrig"])
	props.NameDest = stringify(fields["nameDest"])
	props.OldBalanceOrg = stringify(fields["oldbalanceOrg"])
	props.NewBalanceOrig = stringify(fields["newbalanceOrig"])
	props.OldBalanceDest = stringify(fields["oldbalanceDest"])
	props.NewBalanceDest = stringify(fields["newbalanceDest"])
	props.Step = stringify(fields["step"])
	return props, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(t)
	}
}

// encodeProperties is the inverse used when rows are written to a SQL table.
func encodeProperties(p model.RawProperties) ([]byte, error) {
	return json.Marshal(p)
}

// rowMessage is the wire form of a pushed row. Properties stay raw so numeric
// fields can be tolerated like in table-backed feeds.
type rowMessage struct {
	ID         json.RawMessage `json:"id" validate:"required"`
	Type       string          `json:"type" validate:"required"`
	Time       int64           `json:"time" validate:"gte=0"`
	Properties json.RawMessage `json:"properties"`
}

// decodeRow parses and validates one pushed row.
func decodeRow(raw []byte) (model.RawRow, error) {
	var msg rowMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return model.RawRow{}, fmt.Errorf("decode row: %w", err)
	}
	if err := validate.Struct(&msg); err != nil {
		return model.RawRow{}, fmt.Errorf("invalid row: %w", err)
	}

	props, err := decodeProperties(msg.Properties)
	if err != nil {
		return model.RawRow{}, err
	}

	row := model.RawRow{
		ID:         rawID(msg.ID),
		Type:       msg.Type,
		Time:       msg.Time,
		Properties: props,
	}
	if row.ID == "" {
		return model.RawRow{}, fmt.Errorf("invalid row: empty id")
	}
	return row, nil
}

// rawID accepts both "42" and 42.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// errNotInsert marks change notifications for anything but an insert.
var errNotInsert = errors.New("not an insert notification")

// changeEnvelope wraps a row in a change notification. Both the realtime wire
// form {"type":"INSERT","record":{...}} and the client form
// {"eventType":"INSERT","new":{...}} are accepted.
type changeEnvelope struct {
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	Record    json.RawMessage `json:"record"`
	New       json.RawMessage `json:"new"`
}

// decodeInsert accepts either a change envelope or a bare row.
func decodeInsert(raw []byte) (model.RawRow, error) {
	var env changeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.RawRow{}, fmt.Errorf("decode notification: %w", err)
	}

	record := env.Record
	if len(record) == 0 {
		record = env.New
	}
	if len(record) == 0 {
		return decodeRow(raw)
	}

	kind := env.EventType
	if kind == "" {
		kind = env.Type
	}
	if kind != "" && !strings.EqualFold(kind, "INSERT") {
		return model.RawRow{}, fmt.Errorf("%w: %s", errNotInsert, kind)
	}
	return decodeRow(record)
}
