package memhost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/dgnsrekt/pagebridge/internal/protocol"
)

// pagePrelude is the minimal DOM every page starts with: element lookup by
// id, insertion order, and message listeners for the broadcast channel.
const pagePrelude = `
var window = this;
var document = (function () {
  var byId = {};
  var order = [];
  return {
    getElementById: function (id) { return Object.prototype.hasOwnProperty.call(byId, id) ? byId[id] : null; },
    __insert: function (el) {
      if (!Object.prototype.hasOwnProperty.call(byId, el.id)) { order.push(el.id); }
      byId[el.id] = el;
    },
    __order: function () { return order.slice(); }
  };
})();
(function () {
  var listeners = [];
  window.addEventListener = function (type, fn) { if (type === "message") { listeners.push(fn); } };
  window.postMessage = function (msg) { __pagebridgePost(JSON.stringify(msg)); };
  window.__pagebridgeDeliver = function (raw) {
    var evt = { data: JSON.parse(raw) };
    for (var i = 0; i < listeners.length; i++) { listeners[i](evt); }
  };
})();
`

// Page is one document in a tab. Its VM is only touched under mu.
type Page struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	url        string
	vendor     map[string]string
	injections int
	outbound   chan []byte
}

func newPage(url string, vendor map[string]string, outbound chan []byte) (*Page, error) {
	p := &Page{vm: goja.New(), url: url, vendor: vendor, outbound: outbound}
	p.vm.SetMaxCallStackSize(1024)
	if err := p.vm.Set("__pagebridgePost", p.post); err != nil {
		return nil, err
	}
	if _, err := p.vm.RunString(pagePrelude); err != nil {
		return nil, fmt.Errorf("memhost: page prelude: %w", err)
	}
	return p, nil
}

// post runs inside the VM. Messages are handed to the tab's pump goroutine
// so page code never blocks on the bridge.
func (p *Page) post(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		return goja.Undefined()
	}
	raw := []byte(call.Arguments[0].String())
	select {
	case p.outbound <- raw:
	default:
		// Pump saturated: the broadcast is lost.
	}
	return goja.Undefined()
}

func (p *Page) insert(id string, attrs map[string]string) error {
	el := p.vm.NewObject()
	if err := el.Set("id", id); err != nil {
		return err
	}
	for k, v := range attrs {
		if err := el.Set(k, v); err != nil {
			return err
		}
	}
	insert, ok := goja.AssertFunction(p.vm.Get("document").ToObject(p.vm).Get("__insert"))
	if !ok {
		return fmt.Errorf("memhost: document.__insert missing")
	}
	_, err := insert(goja.Undefined(), el)
	return err
}

// InsertScript appends a script element and, when the source is known to
// the vendor map, runs it as the browser would after loading.
func (p *Page) InsertScript(_ context.Context, id, src string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injections++
	if err := p.insert(id, map[string]string{"src": src, "type": "text/javascript"}); err != nil {
		return err
	}
	code, ok := p.vendor[src]
	if !ok {
		return nil
	}
	if _, err := p.vm.RunString(code); err != nil {
		return fmt.Errorf("memhost: script %s: %w", src, err)
	}
	return nil
}

func (p *Page) InsertCode(_ context.Context, id, code, scriptType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injections++
	if scriptType == "" {
		scriptType = "text/javascript"
	}
	if err := p.insert(id, map[string]string{"text": code, "type": scriptType}); err != nil {
		return err
	}
	if scriptType != "text/javascript" && scriptType != "module" {
		return nil
	}
	if _, err := p.vm.RunString(code); err != nil {
		return fmt.Errorf("memhost: inline script %s: %w", id, err)
	}
	return nil
}

func (p *Page) Evaluate(_ context.Context, expr string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.vm.RunString(expr)
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		return nil, fmt.Errorf("memhost: result not serialisable: %w", err)
	}
	return data, nil
}

func (p *Page) PostToPage(_ context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	deliver, ok := goja.AssertFunction(p.vm.Get("__pagebridgeDeliver"))
	if !ok {
		return fmt.Errorf("memhost: page has no message channel")
	}
	_, err = deliver(goja.Undefined(), p.vm.ToValue(string(data)))
	return err
}

// Run executes page-authored JavaScript, for tests that act as the page.
func (p *Page) Run(code string) (goja.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vm.RunString(code)
}

// ElementOrder lists element ids in insertion order.
func (p *Page) ElementOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.vm.RunString("document.__order()")
	if err != nil {
		return nil
	}
	var out []string
	if err := p.vm.ExportTo(v, &out); err != nil {
		return nil
	}
	return out
}

// Injections counts script and code insertions into this document.
func (p *Page) Injections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.injections
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}
