package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const TypeUpdate = "update"

var ErrMalformedFrame = errors.New("malformed frame")

type FrameError struct {
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed frame: %s", e.Reason)
	}
	return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

func (e *FrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

// Message is either Update or Unknown.
type Message interface {
	messageType() string
}

type Update struct {
	Content string
}

type Unknown struct {
	Type string
}

func (Update) messageType() string { return TypeUpdate }

func (u Unknown) messageType() string { return u.Type }

// TypeOf reports the wire type of m.
func TypeOf(m Message) string {
	if m == nil {
		return ""
	}
	return m.messageType()
}

const envelopeSchemaURL = "https://livesync.invalid/schemas/envelope.json"

const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string"}
	},
	"if": {
		"properties": {"type": {"const": "update"}}
	},
	"then": {
		"required": ["content"],
		"properties": {"content": {"type": "string"}}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func envelope() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(envelopeSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(envelopeSchemaURL)
	})
	return compiledSchema, schemaErr
}

type wireEnvelope struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Decode validates a text frame and converts it to a Message. Frames with
// an unrecognized type decode to Unknown; invalid frames return a
// *FrameError.
func Decode(frame []byte) (Message, error) {
	schema, err := envelope()
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return nil, &FrameError{Reason: "invalid json", Err: err}
	}
	if err := schema.Validate(instance); err != nil {
		return nil, &FrameError{Reason: "schema violation", Err: err}
	}
	var env wireEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &FrameError{Reason: "decode", Err: err}
	}
	if env.Type == TypeUpdate {
		return Update{Content: env.Content}, nil
	}
	return Unknown{Type: env.Type}, nil
}

func EncodeUpdate(content string) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}{Type: TypeUpdate, Content: content})
}
