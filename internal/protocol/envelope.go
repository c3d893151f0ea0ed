// Package protocol defines the envelopes exchanged between the page, the
// bridge and the coordinator, and the per-hop rules that decide which of them
// are legal and where they go.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxEnvelopeBytes bounds a single encoded envelope on any hop.
const MaxEnvelopeBytes = 1 << 20

// Source identifies the context category that produced an envelope. It is
// self-reported and never used for trust decisions.
type Source string

const (
	SourcePage        Source = "page"
	SourceBridge      Source = "bridge"
	SourceCoordinator Source = "coordinator"
)

// Type is the closed set of message kinds. Which of them are legal depends on
// the hop, see Validate.
type Type string

const (
	// Socket traffic, page <-> bridge <-> coordinator.
	TypeWSConnect Type = "ws-connect"
	TypeWSSend    Type = "ws-send"
	TypeWSClose   Type = "ws-close"
	TypeWSOpen    Type = "ws-open"
	TypeWSMessage Type = "ws-message"
	TypeWSError   Type = "ws-error"
	TypeWSClosed  Type = "ws-closed"

	// Bridge liveness, bridge -> coordinator.
	TypeBridgeReady Type = "bridge-ready"
	TypeHeartbeat   Type = "heartbeat"

	// Injection commands, coordinator -> bridge.
	TypePing         Type = "ping"
	TypeInjectScript Type = "inject-script"
	TypeInjectCode   Type = "inject-code"
	TypeProbe        Type = "probe"
	TypeTriggerEval  Type = "trigger-eval"
)

// Envelope is the unit exchanged across every hop.
type Envelope struct {
	Source    Source          `json:"source"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Sender is the descriptor the host platform attaches to bridge->coordinator
// messages. Page code cannot forge it.
type Sender struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url"`
}

type ConnectPayload struct {
	Port int `json:"port"`
}

type DataPayload struct {
	Data string `json:"data"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type ClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type InjectScriptPayload struct {
	ID  string `json:"id"`
	Src string `json:"src"`
}

// InjectCodePayload inserts an inline script element. ScriptType defaults to
// JavaScript, which runs on insert; other types stay inert until evaluated.
type InjectCodePayload struct {
	ID         string `json:"id"`
	Code       string `json:"code"`
	ScriptType string `json:"scriptType,omitempty"`
}

type ProbePayload struct {
	Expr string `json:"expr"`
}

type TriggerEvalPayload struct {
	ID   string `json:"id"`
	Expr string `json:"expr"`
}

type HeartbeatPayload struct {
	Seq uint64 `json:"seq"`
}

type ReadyPayload struct {
	URL string `json:"url,omitempty"`
}

// New builds an envelope, encoding payload when it is non-nil.
func New(source Source, typ Type, payload any) (Envelope, error) {
	env := Envelope{Source: source, Type: typ}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, NewError(CodeInvalid, fmt.Sprintf("encode %s payload", typ), err)
	}
	env.Payload = data
	return env, nil
}

// MustNew is New for payloads that are statically known to encode.
func MustNew(source Source, typ Type, payload any) Envelope {
	env, err := New(source, typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode parses a wire envelope. It checks shape only; use Validate for the
// per-hop rules.
func Decode(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelopeBytes {
		return Envelope{}, NewError(CodeInvalid, fmt.Sprintf("envelope exceeds %d bytes", MaxEnvelopeBytes), nil)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, NewError(CodeInvalid, "malformed envelope", err)
	}
	if env.Type == "" {
		return Envelope{}, NewError(CodeInvalid, "envelope type missing", nil)
	}
	return env, nil
}

// Encode is the inverse of Decode.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, NewError(CodeInvalid, "encode envelope", err)
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, NewError(CodeInvalid, fmt.Sprintf("envelope exceeds %d bytes", MaxEnvelopeBytes), nil)
	}
	return data, nil
}

// DecodePayload decodes env.Payload into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, NewError(CodeInvalid, fmt.Sprintf("%s: payload missing", env.Type), nil)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, NewError(CodeInvalid, fmt.Sprintf("%s: malformed payload", env.Type), err)
	}
	return out, nil
}

// nonBlank reports whether s has any non-space content.
func nonBlank(s string) bool { return strings.TrimSpace(s) != "" }
