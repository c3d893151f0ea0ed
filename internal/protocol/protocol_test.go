package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRoutes(t *testing.T) {
	tests := []struct {
		name string
		hop  Hop
		env  Envelope
		dest Destination
	}{
		{"page connect", HopPageToBridge, MustNew(SourcePage, TypeWSConnect, ConnectPayload{Port: 1340}), DestCoordinator},
		{"page send", HopPageToBridge, MustNew(SourcePage, TypeWSSend, DataPayload{Data: "d2:op4:evale"}), DestCoordinator},
		{"page close", HopPageToBridge, MustNew(SourcePage, TypeWSClose, nil), DestCoordinator},
		{"bridge ready", HopBridgeToCoordinator, MustNew(SourceBridge, TypeBridgeReady, ReadyPayload{}), DestCoordinator},
		{"heartbeat no payload", HopBridgeToCoordinator, MustNew(SourceBridge, TypeHeartbeat, nil), DestCoordinator},
		{"probe", HopCoordinatorToBridge, MustNew(SourceCoordinator, TypeProbe, ProbePayload{Expr: "!!window.x"}), DestBridge},
		{"inject script", HopCoordinatorToBridge, MustNew(SourceCoordinator, TypeInjectScript, InjectScriptPayload{ID: "rt", Src: "https://cdn.example/rt.js"}), DestBridge},
		{"relay message to page", HopCoordinatorToBridge, MustNew(SourceCoordinator, TypeWSMessage, DataPayload{Data: "x"}), DestPage},
		{"bridge to page", HopBridgeToPage, MustNew(SourceBridge, TypeWSClosed, ClosedPayload{Reason: "eof"}), DestPage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest, err := Validate(tt.hop, tt.env)
			require.NoError(t, err)
			require.Equal(t, tt.dest, dest)
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		hop  Hop
		env  Envelope
	}{
		{"wrong source", HopPageToBridge, MustNew(SourceCoordinator, TypeWSSend, DataPayload{Data: "x"})},
		{"type not on hop", HopPageToBridge, MustNew(SourcePage, TypeInjectScript, InjectScriptPayload{ID: "a", Src: "https://x/a.js"})},
		{"unknown type", HopBridgeToCoordinator, Envelope{Source: SourceBridge, Type: "launch-rockets"}},
		{"port zero", HopPageToBridge, MustNew(SourcePage, TypeWSConnect, ConnectPayload{Port: 0})},
		{"port too high", HopBridgeToCoordinator, MustNew(SourceBridge, TypeWSConnect, ConnectPayload{Port: 70000})},
		{"send without payload", HopPageToBridge, Envelope{Source: SourcePage, Type: TypeWSSend}},
		{"malformed payload", HopPageToBridge, Envelope{Source: SourcePage, Type: TypeWSConnect, Payload: json.RawMessage(`"1340"`)}},
		{"blank probe", HopCoordinatorToBridge, MustNew(SourceCoordinator, TypeProbe, ProbePayload{Expr: "  "})},
		{"script without src", HopCoordinatorToBridge, MustNew(SourceCoordinator, TypeInjectScript, InjectScriptPayload{ID: "a"})},
		{"script with file src", HopCoordinatorToBridge, MustNew(SourceCoordinator, TypeInjectScript, InjectScriptPayload{ID: "a", Src: "file:///etc/passwd"})},
		{"eval without id", HopCoordinatorToBridge, MustNew(SourceCoordinator, TypeTriggerEval, TriggerEvalPayload{Expr: "run()"})},
		{"unknown hop", Hop(42), MustNew(SourcePage, TypeWSClose, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.hop, tt.env)
			require.Error(t, err)
			require.True(t, IsCode(err, CodeInvalid), "err = %v", err)
		})
	}
}

func TestPageHopIsClosed(t *testing.T) {
	all := []Type{
		TypeWSConnect, TypeWSSend, TypeWSClose, TypeWSOpen, TypeWSMessage, TypeWSError, TypeWSClosed,
		TypeBridgeReady, TypeHeartbeat, TypePing, TypeInjectScript, TypeInjectCode, TypeProbe, TypeTriggerEval,
	}
	var legal []Type
	for _, typ := range all {
		if _, ok := hopRules[HopPageToBridge].routes[typ]; ok {
			legal = append(legal, typ)
		}
	}
	require.ElementsMatch(t, []Type{TypeWSConnect, TypeWSSend, TypeWSClose}, legal)

	_, err := Validate(Hop(99), MustNew(SourcePage, TypeWSClose, nil))
	require.True(t, IsCode(err, CodeInvalid), "err = %v", err)
}

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"source":"page","type":"ws-send","payload":{"data":"abc"},"requestId":"r1"}`))
	require.NoError(t, err)
	require.Equal(t, SourcePage, env.Source)
	require.Equal(t, "r1", env.RequestID)

	p, err := DecodePayload[DataPayload](env)
	require.NoError(t, err)
	require.Equal(t, "abc", p.Data)

	_, err = Decode([]byte(`{"source":"page"}`))
	require.True(t, IsCode(err, CodeInvalid))

	_, err = Decode([]byte(`not json`))
	require.True(t, IsCode(err, CodeInvalid))

	big := fmt.Sprintf(`{"type":"ws-send","payload":{"data":%q}}`, strings.Repeat("a", MaxEnvelopeBytes))
	_, err = Decode([]byte(big))
	require.True(t, IsCode(err, CodeInvalid))
}

func TestEncodeRejectsOversize(t *testing.T) {
	env := MustNew(SourceBridge, TypeWSMessage, DataPayload{Data: strings.Repeat("z", MaxEnvelopeBytes)})
	_, err := Encode(env)
	require.True(t, IsCode(err, CodeInvalid))
}

func TestResource(t *testing.T) {
	in := MustNew(SourcePage, TypeWSSend, DataPayload{Data: "x"})
	in.RequestID = "abc"
	out := Resource(in, SourceBridge)
	require.Equal(t, SourceBridge, out.Source)
	require.Equal(t, in.RequestID, out.RequestID)
	require.JSONEq(t, string(in.Payload), string(out.Payload))
	require.Equal(t, SourcePage, in.Source)
}

func TestCodeOf(t *testing.T) {
	base := NewError(CodeTabGone, "tab 4 closed", nil)
	wrapped := fmt.Errorf("inject: %w", base)
	if got := CodeOf(wrapped); got != CodeTabGone {
		t.Fatalf("CodeOf() = %q; want %q", got, CodeTabGone)
	}
	if got := CodeOf(fmt.Errorf("probe: %w", context.DeadlineExceeded)); got != CodeTimeout {
		t.Fatalf("CodeOf(deadline) = %q; want %q", got, CodeTimeout)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain) = %q; want empty", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("CodeOf(nil) = %q; want empty", got)
	}
}

func TestResultShape(t *testing.T) {
	data, err := json.Marshal(ResultOf(nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"success":true}`, string(data))

	failed := ResultOf(NewError(CodeTimeout, "probe runtime", nil))
	data, err = json.Marshal(failed)
	require.NoError(t, err)
	require.JSONEq(t, `{"success":false,"error":"TIMEOUT: probe runtime"}`, string(data))
	require.True(t, IsCode(failed.Err(), CodeRejected))

	require.True(t, OK(true).Bool())
	require.False(t, OK(false).Bool())
	require.False(t, OK("yes").Bool())
	require.False(t, Failure(nil).Bool())
	require.NoError(t, OK(nil).Err())
}
