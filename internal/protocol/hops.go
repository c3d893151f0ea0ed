package protocol

import (
	"fmt"
	"strings"
)

// Hop names one directed edge between two contexts.
type Hop int

const (
	HopPageToBridge Hop = iota
	HopBridgeToPage
	HopBridgeToCoordinator
	HopCoordinatorToBridge
)

func (h Hop) String() string {
	switch h {
	case HopPageToBridge:
		return "page->bridge"
	case HopBridgeToPage:
		return "bridge->page"
	case HopBridgeToCoordinator:
		return "bridge->coordinator"
	case HopCoordinatorToBridge:
		return "coordinator->bridge"
	default:
		return fmt.Sprintf("hop(%d)", int(h))
	}
}

// Destination is where a legal envelope is delivered once it clears a hop.
type Destination string

const (
	// DestCoordinator: handled by the coordinator (or forwarded to it).
	DestCoordinator Destination = "coordinator"
	// DestBridge: executed by the bridge itself.
	DestBridge Destination = "bridge"
	// DestPage: relayed verbatim into the page.
	DestPage Destination = "page"
)

type payloadCheck func(Envelope) error

type route struct {
	dest  Destination
	check payloadCheck
}

type hopRule struct {
	source Source
	routes map[Type]route
}

var hopRules = map[Hop]hopRule{
	HopPageToBridge: {
		source: SourcePage,
		routes: map[Type]route{
			TypeWSConnect: {DestCoordinator, checkConnect},
			TypeWSSend:    {DestCoordinator, checkData},
			TypeWSClose:   {DestCoordinator, nil},
		},
	},
	HopBridgeToPage: {
		source: SourceBridge,
		routes: map[Type]route{
			TypeWSOpen:    {DestPage, nil},
			TypeWSMessage: {DestPage, checkData},
			TypeWSError:   {DestPage, checkError},
			TypeWSClosed:  {DestPage, nil},
		},
	},
	HopBridgeToCoordinator: {
		source: SourceBridge,
		routes: map[Type]route{
			TypeBridgeReady: {DestCoordinator, nil},
			TypeHeartbeat:   {DestCoordinator, checkHeartbeat},
			TypeWSConnect:   {DestCoordinator, checkConnect},
			TypeWSSend:      {DestCoordinator, checkData},
			TypeWSClose:     {DestCoordinator, nil},
		},
	},
	HopCoordinatorToBridge: {
		source: SourceCoordinator,
		routes: map[Type]route{
			TypePing:         {DestBridge, nil},
			TypeInjectScript: {DestBridge, checkInjectScript},
			TypeInjectCode:   {DestBridge, checkInjectCode},
			TypeProbe:        {DestBridge, checkProbe},
			TypeTriggerEval:  {DestBridge, checkTriggerEval},
			TypeWSOpen:       {DestPage, nil},
			TypeWSMessage:    {DestPage, checkData},
			TypeWSError:      {DestPage, checkError},
			TypeWSClosed:     {DestPage, nil},
		},
	},
}

// Validate applies the hop's rules: the source must be the hop's origin, the
// type must belong to the hop's closed set, and required payload fields must
// be present. The returned error is always CodeInvalid.
func Validate(hop Hop, env Envelope) (Destination, error) {
	rule, ok := hopRules[hop]
	if !ok {
		return "", NewError(CodeInvalid, "unknown hop "+hop.String(), nil)
	}
	if env.Source != rule.source {
		return "", NewError(CodeInvalid, fmt.Sprintf("%s: source %q not allowed", hop, env.Source), nil)
	}
	r, ok := rule.routes[env.Type]
	if !ok {
		return "", NewError(CodeInvalid, fmt.Sprintf("%s: type %q not allowed", hop, env.Type), nil)
	}
	if r.check != nil {
		if err := r.check(env); err != nil {
			return "", err
		}
	}
	return r.dest, nil
}

// Resource re-stamps env with a new source, leaving type, payload and request
// id untouched. Bridges use it when relaying without inspecting payloads.
func Resource(env Envelope, source Source) Envelope {
	env.Source = source
	return env
}

func checkConnect(env Envelope) error {
	p, err := DecodePayload[ConnectPayload](env)
	if err != nil {
		return err
	}
	if p.Port < 1 || p.Port > 65535 {
		return NewError(CodeInvalid, fmt.Sprintf("%s: port %d out of range", env.Type, p.Port), nil)
	}
	return nil
}

func checkData(env Envelope) error {
	_, err := DecodePayload[DataPayload](env)
	return err
}

func checkError(env Envelope) error {
	_, err := DecodePayload[ErrorPayload](env)
	return err
}

func checkHeartbeat(env Envelope) error {
	if len(env.Payload) == 0 {
		return nil
	}
	_, err := DecodePayload[HeartbeatPayload](env)
	return err
}

func checkInjectScript(env Envelope) error {
	p, err := DecodePayload[InjectScriptPayload](env)
	if err != nil {
		return err
	}
	if !nonBlank(p.ID) || !nonBlank(p.Src) {
		return NewError(CodeInvalid, "inject-script: id and src are required", nil)
	}
	if !strings.HasPrefix(p.Src, "http://") && !strings.HasPrefix(p.Src, "https://") {
		return NewError(CodeInvalid, "inject-script: src must be an http(s) URL", nil)
	}
	return nil
}

func checkInjectCode(env Envelope) error {
	p, err := DecodePayload[InjectCodePayload](env)
	if err != nil {
		return err
	}
	if !nonBlank(p.ID) {
		return NewError(CodeInvalid, "inject-code: id is required", nil)
	}
	return nil
}

func checkProbe(env Envelope) error {
	p, err := DecodePayload[ProbePayload](env)
	if err != nil {
		return err
	}
	if !nonBlank(p.Expr) {
		return NewError(CodeInvalid, "probe: expr is required", nil)
	}
	return nil
}

func checkTriggerEval(env Envelope) error {
	p, err := DecodePayload[TriggerEvalPayload](env)
	if err != nil {
		return err
	}
	if !nonBlank(p.ID) || !nonBlank(p.Expr) {
		return NewError(CodeInvalid, "trigger-eval: id and expr are required", nil)
	}
	return nil
}
