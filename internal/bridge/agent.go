// Package bridge is the per-page agent. It forwards page messages to the
// coordinator after a shape check, relays socket traffic back into the page
// and executes the coordinator's injection commands against the page
// document. It makes no trust decisions; the coordinator does.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dgnsrekt/pagebridge/internal/protocol"
)

const (
	DefaultHeartbeat = time.Second
	// DefaultPageRate bounds page->coordinator forwarding per tab.
	DefaultPageRate  = 500
	DefaultPageBurst = 1000
)

// Document is the page's script environment.
type Document interface {
	// InsertScript appends a <script src> element with the given id.
	InsertScript(ctx context.Context, id, src string) error
	// InsertCode appends an inline script element. JavaScript runs on insert.
	InsertCode(ctx context.Context, id, code, scriptType string) error
	// Evaluate runs expr in the page and returns its JSON value.
	Evaluate(ctx context.Context, expr string) (json.RawMessage, error)
	// PostToPage broadcasts an envelope on the page's message channel.
	PostToPage(ctx context.Context, env protocol.Envelope) error
}

// Uplink is the host's structured channel to the coordinator. The host
// stamps the sender; the agent never does.
type Uplink interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

type Options struct {
	Heartbeat time.Duration
	PageRate  float64
	PageBurst int
	URL       string
	Logger    *slog.Logger
	// OnDrop is told about every page message that is not forwarded.
	OnDrop func(reason string)
}

// Agent serves one tab.
type Agent struct {
	doc       Document
	up        Uplink
	limiter   *rate.Limiter
	heartbeat time.Duration
	url       string
	logger    *slog.Logger
	onDrop    func(string)

	seq atomic.Uint64
}

func NewAgent(tabID int, doc Document, up Uplink, opts Options) *Agent {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.PageRate <= 0 {
		opts.PageRate = DefaultPageRate
	}
	if opts.PageBurst <= 0 {
		opts.PageBurst = DefaultPageBurst
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		doc:       doc,
		up:        up,
		limiter:   rate.NewLimiter(rate.Limit(opts.PageRate), opts.PageBurst),
		heartbeat: opts.Heartbeat,
		url:       opts.URL,
		logger:    logger.With("tab_id", tabID),
		onDrop:    opts.OnDrop,
	}
}

// Run announces the bridge and then sends heartbeats until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	ready := protocol.MustNew(protocol.SourceBridge, protocol.TypeBridgeReady, protocol.ReadyPayload{URL: a.url})
	if err := a.up.Send(ctx, ready); err != nil {
		a.logger.Warn("bridge ready not delivered", "error", err)
	}

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			hb := protocol.MustNew(protocol.SourceBridge, protocol.TypeHeartbeat, protocol.HeartbeatPayload{Seq: a.seq.Add(1)})
			if err := a.up.Send(ctx, hb); err != nil {
				a.logger.Debug("heartbeat not delivered", "error", err)
			}
		}
	}
}

// HandlePage takes a raw page broadcast. Anything invalid or over the rate
// limit is dropped here.
func (a *Agent) HandlePage(ctx context.Context, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		a.drop("malformed", err)
		return
	}
	if env.Source != protocol.SourcePage {
		// Our own bridge->page traffic echoes back on the broadcast channel.
		return
	}
	if _, err := protocol.Validate(protocol.HopPageToBridge, env); err != nil {
		a.drop("invalid", err)
		return
	}
	if !a.limiter.Allow() {
		a.drop("rate-limited", nil)
		return
	}
	out := protocol.Resource(env, protocol.SourceBridge)
	if _, err := protocol.Validate(protocol.HopBridgeToCoordinator, out); err != nil {
		a.drop("invalid", err)
		return
	}
	if err := a.up.Send(ctx, out); err != nil {
		a.logger.Warn("bridge forward failed", "type", string(env.Type), "error", err)
	}
}

// HandleCoordinator executes or relays one coordinator message and returns
// the reply.
func (a *Agent) HandleCoordinator(ctx context.Context, env protocol.Envelope) protocol.Result {
	dest, err := protocol.Validate(protocol.HopCoordinatorToBridge, env)
	if err != nil {
		a.drop("invalid", err)
		return protocol.Failure(err)
	}
	if dest == protocol.DestPage {
		out := protocol.Resource(env, protocol.SourceBridge)
		if _, err := protocol.Validate(protocol.HopBridgeToPage, out); err != nil {
			return protocol.Failure(err)
		}
		if err := a.doc.PostToPage(ctx, out); err != nil {
			return protocol.Failure(err)
		}
		return protocol.OK(nil)
	}
	return a.execute(ctx, env)
}

func (a *Agent) execute(ctx context.Context, env protocol.Envelope) protocol.Result {
	switch env.Type {
	case protocol.TypePing:
		return protocol.OK(nil)

	case protocol.TypeInjectScript:
		p, err := protocol.DecodePayload[protocol.InjectScriptPayload](env)
		if err != nil {
			return protocol.Failure(err)
		}
		a.logger.Debug("bridge insert script", "id", p.ID, "src", p.Src)
		return protocol.ResultOf(a.doc.InsertScript(ctx, p.ID, p.Src))

	case protocol.TypeInjectCode:
		p, err := protocol.DecodePayload[protocol.InjectCodePayload](env)
		if err != nil {
			return protocol.Failure(err)
		}
		a.logger.Debug("bridge insert code", "id", p.ID, "script_type", p.ScriptType, "bytes", len(p.Code))
		return protocol.ResultOf(a.doc.InsertCode(ctx, p.ID, p.Code, p.ScriptType))

	case protocol.TypeProbe:
		p, err := protocol.DecodePayload[protocol.ProbePayload](env)
		if err != nil {
			return protocol.Failure(err)
		}
		value, err := a.doc.Evaluate(ctx, p.Expr)
		if err != nil {
			return protocol.Failure(err)
		}
		return protocol.Result{Success: true, Value: value}

	case protocol.TypeTriggerEval:
		p, err := protocol.DecodePayload[protocol.TriggerEvalPayload](env)
		if err != nil {
			return protocol.Failure(err)
		}
		a.logger.Info("bridge trigger evaluation", "id", p.ID)
		_, err = a.doc.Evaluate(ctx, p.Expr)
		return protocol.ResultOf(err)
	}
	return protocol.Failure(protocol.NewError(protocol.CodeInvalid, "unhandled type "+string(env.Type), nil))
}

func (a *Agent) drop(reason string, err error) {
	a.logger.Debug("bridge dropped message", "reason", reason, "error", err)
	if a.onDrop != nil {
		a.onDrop(reason)
	}
}
