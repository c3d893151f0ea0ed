package cdphost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/pagebridge/internal/protocol"
)

// bindingName is the CDP binding the page prelude posts through.
const bindingName = "__pagebridgePost"

// pagePrelude forwards page-authored broadcasts to the host binding. It runs
// in every new document and on demand when the bridge is installed late.
const pagePrelude = `(function () {
  if (window.__pagebridgeInstalled) { return; }
  window.__pagebridgeInstalled = true;
  window.addEventListener("message", function (evt) {
    if (evt.source !== window || !evt.data || evt.data.source !== "page") { return; }
    if (typeof window.` + bindingName + ` !== "function") { return; }
    try { window.` + bindingName + `(JSON.stringify(evt.data)); } catch (e) {}
  });
})();`

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(data)
}

// evaluateJS wraps expr so the result always comes back as a JSON string.
// Promises are awaited and undefined becomes null.
func evaluateJS(expr string) string {
	return `(async function () {
  var v = await (0, eval)(` + jsString(expr) + `);
  return JSON.stringify(v === undefined ? null : v);
})()`
}

func insertScriptJS(id, src string) string {
	return `new Promise(function (resolve, reject) {
  var el = document.createElement("script");
  el.id = ` + jsString(id) + `;
  el.type = "text/javascript";
  el.src = ` + jsString(src) + `;
  el.onload = function () { resolve(true); };
  el.onerror = function () { reject(new Error("failed to load " + el.src)); };
  (document.head || document.documentElement).appendChild(el);
})`
}

func insertCodeJS(id, code, scriptType string) string {
	if scriptType == "" {
		scriptType = "text/javascript"
	}
	return `(function () {
  var el = document.createElement("script");
  el.id = ` + jsString(id) + `;
  el.type = ` + jsString(scriptType) + `;
  el.text = ` + jsString(code) + `;
  (document.head || document.documentElement).appendChild(el);
  return true;
})()`
}

func postToPageJS(data []byte) string {
	return `window.postMessage(JSON.parse(` + jsString(string(data)) + `), "*")`
}

// document drives one tab's page over CDP.
type document struct {
	exec func(ctx context.Context) (context.Context, error)
}

func newDocument(tabCtx context.Context) *document {
	return &document{exec: func(ctx context.Context) (context.Context, error) {
		c := chromedp.FromContext(tabCtx)
		if c == nil || c.Target == nil {
			return nil, protocol.NewError(protocol.CodeTransportClosed, "tab not attached", nil)
		}
		return cdp.WithExecutor(ctx, c.Target), nil
	}}
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func (d *document) run(ctx context.Context, js string, res any) error {
	execCtx, err := d.exec(ctx)
	if err != nil {
		return err
	}
	if err := chromedp.Evaluate(js, res, awaitPromise).Do(execCtx); err != nil {
		if ctx.Err() != nil {
			return protocol.NewError(protocol.CodeTimeout, "page evaluation", ctx.Err())
		}
		return fmt.Errorf("cdphost: evaluate: %w", err)
	}
	return nil
}

func (d *document) InsertScript(ctx context.Context, id, src string) error {
	var ok bool
	return d.run(ctx, insertScriptJS(id, src), &ok)
}

func (d *document) InsertCode(ctx context.Context, id, code, scriptType string) error {
	var ok bool
	return d.run(ctx, insertCodeJS(id, code, scriptType), &ok)
}

func (d *document) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	var out string
	if err := d.run(ctx, evaluateJS(expr), &out); err != nil {
		return nil, err
	}
	if !json.Valid([]byte(out)) {
		return nil, fmt.Errorf("cdphost: result not serialisable")
	}
	return json.RawMessage(out), nil
}

func (d *document) PostToPage(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return d.run(ctx, postToPageJS(data), nil)
}

// installPrelude runs the prelude in the current document.
func (d *document) installPrelude(ctx context.Context) error {
	return d.run(ctx, pagePrelude, nil)
}

// auxData is the frame descriptor Chromium attaches to execution contexts.
type auxData struct {
	IsDefault bool   `json:"isDefault"`
	Type      string `json:"type"`
	FrameID   string `json:"frameId"`
}

func parseAuxData(raw []byte) (auxData, error) {
	var aux auxData
	if len(raw) == 0 {
		return aux, nil
	}
	err := json.Unmarshal(raw, &aux)
	return aux, err
}
