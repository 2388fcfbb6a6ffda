package sampler

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// browserStubs stands in for the page globals the instrumentation touches.
// Observers are driven by hand and __advance moves the clock before running
// every interval callback.
const browserStubs = `
var window = this;
var __clock = 0;
var __entries = {};
var __observers = {};
var __mutationCallbacks = [];
var __intervals = [];
var __refuse = {};

function PerformanceObserver(cb) { this.cb = cb; }
PerformanceObserver.supportedEntryTypes = ['paint', 'largest-contentful-paint', 'layout-shift', 'first-input', 'event', 'longtask'];
PerformanceObserver.prototype.observe = function (opts) {
	if (__refuse[opts.type]) throw new Error('observe refused');
	(__observers[opts.type] = __observers[opts.type] || []).push(this.cb);
};

function MutationObserver(cb) { this.cb = cb; }
MutationObserver.prototype.observe = function () { __mutationCallbacks.push(this.cb); };

var performance = {
	now: function () { return __clock; },
	getEntriesByType: function (type) { return __entries[type] || []; }
};

function setInterval(fn) { __intervals.push(fn); return __intervals.length; }
function requestAnimationFrame() { return 0; }

var document = {
	getElementsByTagName: function () { return []; },
	documentElement: null
};

function __emit(type, entries) {
	(__observers[type] || []).forEach(function (cb) {
		cb({ getEntries: function () { return entries; } });
	});
}

function __mutate() {
	__mutationCallbacks.forEach(function (cb) { cb([]); });
}

function __advance(ms) {
	__clock += ms;
	__intervals.forEach(function (fn) { fn(); });
}
`

type scriptPage struct {
	t  *testing.T
	vm *goja.Runtime
}

func newScriptPage(t *testing.T, setup ...string) *scriptPage {
	t.Helper()
	p := &scriptPage{t: t, vm: goja.New()}
	p.run(browserStubs)
	for _, src := range setup {
		p.run(src)
	}
	return p
}

func (p *scriptPage) run(src string) goja.Value {
	p.t.Helper()
	v, err := p.vm.RunString(src)
	require.NoError(p.t, err)
	return v
}

func (p *scriptPage) decode(expr string, out any) {
	p.t.Helper()
	raw := p.run("JSON.stringify(" + expr + ")").String()
	require.NoError(p.t, json.Unmarshal([]byte(raw), out))
}

func (p *scriptPage) install(version int) installResult {
	p.t.Helper()
	var res installResult
	p.decode(buildScript(scriptConfig{
		Version:        version,
		Key:            globalKey,
		SampleInterval: 1000,
		QuietWindow:    500,
		HeavyChildren:  60,
		MaxResources:   300,
	}), &res)
	return res
}

func (p *scriptPage) read() State {
	p.t.Helper()
	var st State
	p.decode(readExpr, &st)
	return st
}

func (p *scriptPage) rebaseline() {
	p.t.Helper()
	p.run(rebaselineExpr)
}

func (p *scriptPage) count(expr string) int64 {
	p.t.Helper()
	return p.run(expr).ToInteger()
}

func hasErrorPrefix(errs []string, prefix string) bool {
	for _, e := range errs {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

func TestScriptInstallsOncePerVersion(t *testing.T) {
	p := newScriptPage(t)

	first := p.install(StateVersion)
	assert.True(t, first.Installed)
	assert.NotEmpty(t, first.DocumentID)
	assert.Empty(t, first.Errors)

	again := p.install(StateVersion)
	assert.False(t, again.Installed)
	assert.Equal(t, first.DocumentID, again.DocumentID)
	assert.Equal(t, int64(1), p.count("__observers['paint'].length"))
	assert.Equal(t, int64(1), p.count("__mutationCallbacks.length"))

	var marker installResult
	p.decode(markerExpr, &marker)
	assert.Equal(t, StateVersion, marker.Version)
	assert.Equal(t, first.DocumentID, marker.DocumentID)

	upgraded := p.install(StateVersion + 1)
	assert.True(t, upgraded.Installed)
	assert.NotEqual(t, first.DocumentID, upgraded.DocumentID)
	p.decode(markerExpr, &marker)
	assert.Equal(t, StateVersion+1, marker.Version)
}

func TestScriptVisuallyCompleteWaitsForQuietWindow(t *testing.T) {
	p := newScriptPage(t)
	p.install(StateVersion)

	p.run("__advance(100); __mutate()")
	p.run("__advance(300)")
	assert.Nil(t, p.read().VisuallyComplete)

	p.run("__advance(200)")
	st := p.read()
	require.NotNil(t, st.VisuallyComplete)
	assert.Equal(t, 100.0, *st.VisuallyComplete)

	// later mutations do not move a settled value
	p.run("__mutate(); __advance(600)")
	assert.Equal(t, 100.0, *p.read().VisuallyComplete)

	p.run("__clock = 1000")
	p.run(`__emit('layout-shift', [{ value: 0.2, startTime: 990, hadRecentInput: false }])`)
	p.rebaseline()

	st = p.read()
	assert.Nil(t, st.VisuallyComplete)
	assert.Equal(t, 1000.0, st.Boundary)
	assert.Equal(t, 1000.0, st.LastMutation)
	assert.Equal(t, 1, st.Rebaselines)
	assert.Empty(t, st.Shifts)

	p.run("__advance(50); __mutate()")
	p.run("__advance(499)")
	assert.Nil(t, p.read().VisuallyComplete)

	p.run("__advance(1)")
	st = p.read()
	require.NotNil(t, st.VisuallyComplete)
	assert.Equal(t, 1050.0, *st.VisuallyComplete)
}

func TestScriptResourcesSeenBeforeRebaselineAreSkipped(t *testing.T) {
	p := newScriptPage(t, `__entries.resource = [
		{ name: 'https://shop.test/app.js', initiatorType: 'script', startTime: 10, duration: 40, transferSize: 900, decodedBodySize: 2400 }
	]`)
	p.install(StateVersion)

	before := p.read()
	require.Len(t, before.Resources, 1)
	assert.Equal(t, int64(900), before.Resources[0].TransferSize)

	p.run("__clock = 700")
	p.rebaseline()
	assert.Empty(t, p.read().Resources)

	p.run(`__entries.resource.push(
		{ name: 'https://shop.test/app.js', initiatorType: 'script', startTime: 800, duration: 5, transferSize: 0, decodedBodySize: 2400 },
		{ name: 'https://shop.test/cart.css', initiatorType: 'link', startTime: 820, duration: 12, transferSize: 300, decodedBodySize: 1100 }
	)`)

	after := p.read()
	require.Len(t, after.Resources, 2)
	assert.Equal(t, "https://shop.test/app.js", after.Resources[0].URL)
	assert.Equal(t, 800.0, after.Resources[0].StartTime)
	assert.Equal(t, "https://shop.test/cart.css", after.Resources[1].URL)
	assert.Equal(t, "link", after.Resources[1].Initiator)
	assert.Equal(t, int64(1100), after.Resources[1].DecodedSize)
}

func TestScriptObserverFailuresAreIsolated(t *testing.T) {
	p := newScriptPage(t,
		"__refuse['layout-shift'] = true",
		"PerformanceObserver.supportedEntryTypes = PerformanceObserver.supportedEntryTypes.filter(function (t) { return t !== 'longtask'; })",
		"MutationObserver = undefined",
	)

	res := p.install(StateVersion)
	assert.True(t, res.Installed)
	assert.Contains(t, res.Errors, "observer layout-shift: observe refused")
	assert.Contains(t, res.Errors, "observer longtask: entry type unsupported")
	assert.True(t, hasErrorPrefix(res.Errors, "mutation: "), "errors: %v", res.Errors)

	p.run(`__emit('paint', [{ name: 'first-contentful-paint', startTime: 120 }])`)

	// one bad entry is recorded and later batches still land
	p.run(`__emit('largest-contentful-paint', [null])`)
	p.run(`__emit('largest-contentful-paint', [{ startTime: 900, size: 5000, element: { tagName: 'IMG', id: 'hero', className: 'banner wide' } }])`)

	st := p.read()
	require.Len(t, st.Paints, 1)
	assert.Equal(t, "first-contentful-paint", st.Paints[0].Name)
	require.Len(t, st.LCP, 1)
	assert.Equal(t, 900.0, st.LCP[0].StartTime)
	assert.Equal(t, "img#hero.banner", st.LCP[0].Element)
	assert.True(t, hasErrorPrefix(st.Errors, "largest-contentful-paint: "), "errors: %v", st.Errors)
	assert.Nil(t, st.VisuallyComplete)
}
