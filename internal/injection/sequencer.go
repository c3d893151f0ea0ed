package injection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgnsrekt/pagebridge/internal/manifest"
	"github.com/dgnsrekt/pagebridge/internal/protocol"
)

const (
	DefaultProbeTimeout  = 5 * time.Second
	DefaultProbeInterval = 50 * time.Millisecond

	// DefaultPortVariable is the page global the channel library reads its
	// socket port from.
	DefaultPortVariable = "SCITTLE_NREPL_WEBSOCKET_PORT"
	// DefaultUserScriptType keeps user code inert until it is evaluated.
	DefaultUserScriptType = "application/x-scittle"

	evaluatedMarker = "__pagebridgeEvaluated"
)

// Tab is the sequencer's view of a page: liveness checks, bridge install and
// request/response messaging to the page's bridge.
type Tab interface {
	Exists(ctx context.Context, tabID int) (bool, error)
	BridgeInstalled(ctx context.Context, tabID int) (bool, error)
	InstallBridge(ctx context.Context, tabID int) error
	Send(ctx context.Context, tabID int, env protocol.Envelope) (protocol.Result, error)
}

// Config controls probing and what gets loaded.
type Config struct {
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
	// VendorBaseURL is prepended to library file names.
	VendorBaseURL  string
	Libraries      *manifest.Libraries
	PortVariable   string
	UserScriptType string
	// EvalExpr builds the page expression that evaluates the user script
	// element with the given DOM id.
	EvalExpr func(elementID string) string
}

func (c Config) withDefaults() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.PortVariable == "" {
		c.PortVariable = DefaultPortVariable
	}
	if c.UserScriptType == "" {
		c.UserScriptType = DefaultUserScriptType
	}
	if c.EvalExpr == nil {
		c.EvalExpr = func(id string) string {
			return "scittle.core.eval_script_tags(document.getElementById(" + strconv.Quote(id) + "))"
		}
	}
	return c
}

// Request describes one attempt. Port 0 skips the evaluation channel; a nil
// Script stops after the libraries.
type Request struct {
	TabID  int
	Port   int
	Script *manifest.ScriptMatch
}

// Sequencer runs requests against a Tab, recording progress in a Store. It
// never retries a failed attempt.
type Sequencer struct {
	tab    Tab
	store  *Store
	cfg    Config
	logger *slog.Logger
}

func NewSequencer(tab Tab, store *Store, cfg Config, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{tab: tab, store: store, cfg: cfg.withDefaults(), logger: logger}
}

// ElementID is the DOM id used for a script's inline code.
func ElementID(scriptID string) string { return "pagebridge-script-" + scriptID }

// Run performs every step the page is still missing and returns the final
// state. Any failure aborts the attempt and discards its state.
func (s *Sequencer) Run(ctx context.Context, req Request) (State, error) {
	scriptID := ""
	if req.Script != nil {
		scriptID = req.Script.ID
	}
	ctx, attempt := s.store.Begin(ctx, req.TabID, scriptID)
	log := s.logger.With("tab_id", req.TabID, "script", scriptID)

	steps := []struct {
		stage Stage
		run   func(context.Context, Request) error
	}{
		{StageBridgePresent, s.ensureBridge},
		{StageBridgeReady, s.ensureBridgeReady},
		{StageRuntimeLoaded, s.ensureRuntime},
		{StageEvaluationChannelLoaded, s.ensureChannel},
		{StageLibrariesLoaded, s.ensureLibraries},
		{StageUserCodePresent, s.ensureUserCode},
		{StageEvaluated, s.ensureEvaluated},
	}

	for _, step := range steps {
		if req.Script == nil && step.stage >= StageUserCodePresent {
			break
		}
		if err := s.checkpoint(ctx, req.TabID); err != nil {
			return s.abort(attempt, log, step.stage, err)
		}
		if err := step.run(ctx, req); err != nil {
			return s.abort(attempt, log, step.stage, err)
		}
		if err := attempt.advance(step.stage); err != nil {
			return s.abort(attempt, log, step.stage, err)
		}
		log.Debug("injection stage reached", "stage", step.stage.String())
	}

	state := attempt.finish()
	log.Info("injection complete", "stage", state.Reached.String())
	return state, nil
}

func (s *Sequencer) abort(a *Attempt, log *slog.Logger, stage Stage, err error) (State, error) {
	err = classify(err)
	a.discard(err)
	log.Warn("injection aborted", "stage", stage.String(), "error", err)
	return State{}, fmt.Errorf("%s: %w", stage, err)
}

// classify turns bare context errors into taxonomy errors.
func classify(err error) error {
	if protocol.CodeOf(err) != "" && !errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, ErrSuperseded) || errors.Is(err, context.Canceled) {
		return protocol.NewError(protocol.CodeTabGone, "injection superseded", ErrSuperseded)
	}
	return err
}

// checkpoint runs before every step: the attempt must be live and the tab
// must still exist.
func (s *Sequencer) checkpoint(ctx context.Context, tabID int) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	ok, err := s.tab.Exists(ctx, tabID)
	if err != nil {
		return err
	}
	if !ok {
		return protocol.NewError(protocol.CodeTabGone, fmt.Sprintf("tab %d no longer exists", tabID), nil)
	}
	return nil
}

func (s *Sequencer) ensureBridge(ctx context.Context, req Request) error {
	ok, err := s.tab.BridgeInstalled(ctx, req.TabID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := s.tab.InstallBridge(ctx, req.TabID); err != nil {
		return err
	}
	return s.poll(ctx, "bridge", func(ctx context.Context) (bool, error) {
		return s.tab.BridgeInstalled(ctx, req.TabID)
	})
}

func (s *Sequencer) ensureBridgeReady(ctx context.Context, req Request) error {
	ping := protocol.MustNew(protocol.SourceCoordinator, protocol.TypePing, nil)
	return s.poll(ctx, "bridge ping", func(ctx context.Context) (bool, error) {
		res, err := s.tab.Send(ctx, req.TabID, ping)
		if err != nil {
			if protocol.IsCode(err, protocol.CodeTransportClosed) {
				// Bridge listener not attached yet.
				return false, nil
			}
			return false, err
		}
		return res.Success, nil
	})
}

func (s *Sequencer) ensureRuntime(ctx context.Context, req Request) error {
	if s.cfg.Libraries == nil {
		return protocol.NewError(protocol.CodeInvalid, "no runtime configured", nil)
	}
	return s.ensureLibrary(ctx, req.TabID, s.cfg.Libraries.Runtime)
}

func (s *Sequencer) ensureChannel(ctx context.Context, req Request) error {
	if req.Port == 0 {
		return nil
	}
	ch := s.cfg.Libraries.Channel
	loaded, err := s.probe(ctx, req.TabID, ch.Probe)
	if err != nil {
		return err
	}
	if loaded {
		return nil
	}
	setPort := fmt.Sprintf("window[%s] = %d;", strconv.Quote(s.cfg.PortVariable), req.Port)
	if err := s.command(ctx, req.TabID, protocol.TypeInjectCode, protocol.InjectCodePayload{
		ID:   "pagebridge-port",
		Code: setPort,
	}); err != nil {
		return err
	}
	return s.ensureLibrary(ctx, req.TabID, ch)
}

func (s *Sequencer) ensureLibraries(ctx context.Context, req Request) error {
	if req.Script == nil || len(req.Script.RequiredLibraries) == 0 {
		return nil
	}
	libs, err := s.cfg.Libraries.Resolve(req.Script.RequiredLibraries)
	if err != nil {
		return err
	}
	// One at a time: a library must be usable before its dependents load.
	for _, lib := range libs {
		if err := s.checkpoint(ctx, req.TabID); err != nil {
			return err
		}
		if err := s.ensureLibrary(ctx, req.TabID, lib); err != nil {
			return fmt.Errorf("library %s: %w", lib.Name, err)
		}
	}
	return nil
}

func (s *Sequencer) ensureUserCode(ctx context.Context, req Request) error {
	id := ElementID(req.Script.ID)
	present := presenceExpr(id)
	ok, err := s.probe(ctx, req.TabID, present)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := s.command(ctx, req.TabID, protocol.TypeInjectCode, protocol.InjectCodePayload{
		ID:         id,
		Code:       req.Script.Code,
		ScriptType: s.cfg.UserScriptType,
	}); err != nil {
		return err
	}
	return s.waitFor(ctx, req.TabID, "user code", present)
}

func (s *Sequencer) ensureEvaluated(ctx context.Context, req Request) error {
	id := ElementID(req.Script.ID)
	done, err := s.probe(ctx, req.TabID, evaluatedExpr(id))
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	// Evaluating code that is only partly inserted is never safe.
	present, err := s.probe(ctx, req.TabID, presenceExpr(id))
	if err != nil {
		return err
	}
	if !present {
		return protocol.NewError(protocol.CodeRejected, "user code missing before evaluation", nil)
	}
	expr := fmt.Sprintf("(function(){ %s; window.%s = window.%s || {}; window.%s[%s] = true; return true; })()",
		s.cfg.EvalExpr(id), evaluatedMarker, evaluatedMarker, evaluatedMarker, strconv.Quote(id))
	return s.command(ctx, req.TabID, protocol.TypeTriggerEval, protocol.TriggerEvalPayload{ID: id, Expr: expr})
}

// ensureLibrary probes, injects when missing and waits for the probe.
func (s *Sequencer) ensureLibrary(ctx context.Context, tabID int, lib manifest.Library) error {
	ok, err := s.probe(ctx, tabID, lib.Probe)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := s.command(ctx, tabID, protocol.TypeInjectScript, protocol.InjectScriptPayload{
		ID:  "pagebridge-lib-" + lib.Name,
		Src: lib.Src(s.cfg.VendorBaseURL),
	}); err != nil {
		return err
	}
	return s.waitFor(ctx, tabID, lib.Name, lib.Probe)
}

func (s *Sequencer) command(ctx context.Context, tabID int, typ protocol.Type, payload any) error {
	env, err := protocol.New(protocol.SourceCoordinator, typ, payload)
	if err != nil {
		return err
	}
	res, err := s.tab.Send(ctx, tabID, env)
	if err != nil {
		return err
	}
	return res.Err()
}

// probe evaluates expr once. A failed evaluation counts as false.
func (s *Sequencer) probe(ctx context.Context, tabID int, expr string) (bool, error) {
	env := protocol.MustNew(protocol.SourceCoordinator, protocol.TypeProbe, protocol.ProbePayload{Expr: expr})
	res, err := s.tab.Send(ctx, tabID, env)
	if err != nil {
		return false, err
	}
	return res.Bool(), nil
}

func (s *Sequencer) waitFor(ctx context.Context, tabID int, what, expr string) error {
	return s.poll(ctx, what, func(ctx context.Context) (bool, error) {
		return s.probe(ctx, tabID, expr)
	})
}

// poll retries check every ProbeInterval until it holds or ProbeTimeout
// elapses.
func (s *Sequencer) poll(ctx context.Context, what string, check func(context.Context) (bool, error)) error {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		ok, err := check(pctx)
		if err == nil && ok {
			return nil
		}
		if err != nil && pctx.Err() == nil {
			return err
		}
		select {
		case <-pctx.Done():
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return protocol.NewError(protocol.CodeTimeout,
				fmt.Sprintf("%s not ready after %s", what, s.cfg.ProbeTimeout), nil)
		case <-ticker.C:
		}
	}
}

func evaluatedExpr(elementID string) string {
	return fmt.Sprintf("!!(window.%s && window.%s[%s])", evaluatedMarker, evaluatedMarker, strconv.Quote(elementID))
}

func presenceExpr(elementID string) string {
	return "!!document.getElementById(" + strconv.Quote(elementID) + ")"
}
