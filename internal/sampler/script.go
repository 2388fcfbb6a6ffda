package sampler

import (
	"encoding/json"
	"strings"
)

// StateVersion is bumped whenever the shape returned by read() changes
const StateVersion = 2

// globalKey is the window property holding the in-page state
const globalKey = "__pagepulse"

type scriptConfig struct {
	Version        int    `json:"version"`
	Key            string `json:"key"`
	Light          bool   `json:"light"`
	SampleInterval int64  `json:"sampleInterval"`
	QuietWindow    int64  `json:"quietWindow"`
	HeavyChildren  int    `json:"heavyChildren"`
	MaxResources   int    `json:"maxResources"`
}

// buildScript renders the instrumentation script with its config inlined
func buildScript(cfg scriptConfig) string {
	raw, _ := json.Marshal(cfg)
	return strings.Replace(instrumentationScript, "__CONFIG__", string(raw), 1)
}

const (
	markerExpr     = `(function(){var h=window.` + globalKey + `;return h?{version:h.version,documentId:h.documentId,errors:h.errors.slice(0)}:null})()`
	rebaselineExpr = `window.` + globalKey + `.rebaseline()`
	readExpr       = `window.` + globalKey + `.read()`
)

// instrumentationScript installs passive observers once per document and
// exposes rebaseline() and read() on window[cfg.key].
const instrumentationScript = `(function (cfg) {
	'use strict';
	var existing = window[cfg.key];
	if (existing && existing.version === cfg.version) {
		return { installed: false, documentId: existing.documentId, errors: existing.errors.slice(0) };
	}

	var s = {
		version: cfg.version,
		documentId: Math.random().toString(36).slice(2) + Date.now().toString(36),
		boundary: 0,
		rebaselines: 0,
		paints: [],
		lcp: [],
		shifts: [],
		longTasks: [],
		interactions: [],
		firstInput: null,
		seen: {},
		lastMutation: 0,
		visuallyComplete: null,
		fps: null,
		errors: []
	};

	function cap(arr, max) {
		if (arr.length > max) arr.splice(0, arr.length - max);
	}

	function describe(el) {
		if (!el || !el.tagName) return '';
		var out = el.tagName.toLowerCase();
		if (el.id) out += '#' + el.id;
		if (typeof el.className === 'string' && el.className.trim()) {
			out += '.' + el.className.trim().split(/\s+/)[0];
		}
		return out;
	}

	function observe(type, extra, fn) {
		try {
			if (typeof PerformanceObserver === 'undefined') throw new Error('PerformanceObserver unsupported');
			var supported = PerformanceObserver.supportedEntryTypes || [];
			if (supported.indexOf(type) === -1) throw new Error('entry type unsupported');
			var po = new PerformanceObserver(function (list) {
				try {
					list.getEntries().forEach(fn);
				} catch (e) {
					s.errors.push(type + ': ' + (e && e.message));
				}
			});
			var opts = { type: type, buffered: true };
			for (var k in extra) opts[k] = extra[k];
			po.observe(opts);
		} catch (e) {
			s.errors.push('observer ' + type + ': ' + (e && e.message));
		}
	}

	observe('paint', {}, function (e) {
		s.paints.push({ name: e.name, startTime: e.startTime });
	});

	observe('largest-contentful-paint', {}, function (e) {
		s.lcp.push({
			startTime: e.renderTime || e.loadTime || e.startTime,
			size: e.size,
			element: describe(e.element)
		});
		cap(s.lcp, 50);
	});

	observe('layout-shift', {}, function (e) {
		s.shifts.push({ value: e.value, startTime: e.startTime, hadRecentInput: !!e.hadRecentInput });
		cap(s.shifts, 1000);
	});

	observe('first-input', {}, function (e) {
		if (!s.firstInput) s.firstInput = { startTime: e.startTime, processingStart: e.processingStart };
	});

	observe('event', { durationThreshold: cfg.light ? 40 : 16 }, function (e) {
		if (!e.interactionId) return;
		s.interactions.push({
			name: e.name,
			startTime: e.startTime,
			processingStart: e.processingStart,
			duration: e.duration,
			interactionId: e.interactionId
		});
		cap(s.interactions, 500);
	});

	observe('longtask', {}, function (e) {
		var src = '';
		if (e.attribution && e.attribution.length) {
			var a = e.attribution[0];
			src = a.containerSrc || a.containerName || a.name || '';
		}
		s.longTasks.push({ startTime: e.startTime, duration: e.duration, source: src });
		cap(s.longTasks, 1000);
	});

	try {
		new MutationObserver(function () {
			s.lastMutation = performance.now();
		}).observe(document, { childList: true, subtree: true, attributes: true, characterData: true });
		setInterval(function () {
			if (s.visuallyComplete === null && performance.now() - s.lastMutation >= cfg.quietWindow) {
				s.visuallyComplete = s.lastMutation;
			}
		}, 100);
	} catch (e) {
		s.errors.push('mutation: ' + (e && e.message));
	}

	try {
		var frames = 0;
		var windowStart = performance.now();
		var frameWindow = cfg.sampleInterval * (cfg.light ? 2 : 1);
		var tick = function (now) {
			frames++;
			if (now - windowStart >= frameWindow) {
				s.fps = Math.round((frames * 1000 / (now - windowStart)) * 10) / 10;
				frames = 0;
				windowStart = now;
			}
			requestAnimationFrame(tick);
		};
		requestAnimationFrame(tick);
	} catch (e) {
		s.errors.push('fps: ' + (e && e.message));
	}

	try {
		if (performance.setResourceTimingBufferSize) performance.setResourceTimingBufferSize(1000);
	} catch (e) {
		s.errors.push('resource buffer: ' + (e && e.message));
	}

	function domStats() {
		var out = { nodeCount: 0, maxDepth: 0, heavyElements: [] };
		try {
			out.nodeCount = document.getElementsByTagName('*').length;
			var budget = cfg.light ? 2000 : 20000;
			var walk = function (el, depth) {
				if (budget-- <= 0) return;
				if (depth > out.maxDepth) out.maxDepth = depth;
				var kids = el.children;
				if (!cfg.light && kids.length > cfg.heavyChildren) {
					out.heavyElements.push({ selector: describe(el), children: kids.length });
				}
				for (var i = 0; i < kids.length; i++) walk(kids[i], depth + 1);
			};
			if (document.documentElement) walk(document.documentElement, 1);
			out.heavyElements.sort(function (a, b) { return b.children - a.children; });
			out.heavyElements = out.heavyElements.slice(0, 10);
		} catch (e) {
			s.errors.push('dom: ' + (e && e.message));
		}
		return out;
	}

	function memory() {
		var m = performance.memory;
		if (!m) return null;
		return { jsHeapUsed: m.usedJSHeapSize, jsHeapTotal: m.totalJSHeapSize, jsHeapLimit: m.jsHeapSizeLimit };
	}

	function resourceKey(r) {
		return r.name + '@' + r.startTime;
	}

	s.rebaseline = function () {
		var now = performance.now();
		s.boundary = now;
		s.rebaselines++;
		s.shifts = [];
		s.longTasks = [];
		s.interactions = [];
		s.lcp = [];
		s.firstInput = null;
		s.seen = {};
		try {
			performance.getEntriesByType('resource').forEach(function (r) {
				s.seen[resourceKey(r)] = true;
			});
		} catch (e) {
			s.errors.push('resources: ' + (e && e.message));
		}
		s.lastMutation = now;
		s.visuallyComplete = null;
		return { boundary: now, documentId: s.documentId };
	};

	s.read = function () {
		var nav = null;
		try {
			var n = performance.getEntriesByType('navigation')[0];
			if (n) {
				nav = {
					startTime: n.startTime,
					responseStart: n.responseStart,
					domContentLoaded: n.domContentLoadedEventEnd,
					loadEventEnd: n.loadEventEnd,
					type: n.type
				};
			}
		} catch (e) {
			s.errors.push('navigation: ' + (e && e.message));
		}

		var resources = [];
		try {
			performance.getEntriesByType('resource').forEach(function (r) {
				if (s.seen[resourceKey(r)] || resources.length >= cfg.maxResources) return;
				resources.push({
					url: r.name,
					initiator: r.initiatorType,
					startTime: r.startTime,
					duration: r.duration,
					transferSize: r.transferSize || 0,
					decodedSize: r.decodedBodySize || 0
				});
			});
		} catch (e) {
			s.errors.push('resources: ' + (e && e.message));
		}

		return {
			version: s.version,
			documentId: s.documentId,
			boundary: s.boundary,
			rebaselines: s.rebaselines,
			now: performance.now(),
			navigation: nav,
			paints: s.paints.slice(0),
			lcp: s.lcp.slice(0),
			shifts: s.shifts.slice(0),
			longTasks: s.longTasks.slice(0),
			interactions: s.interactions.slice(0),
			firstInput: s.firstInput,
			lastMutation: s.lastMutation,
			visuallyComplete: s.visuallyComplete,
			fps: s.fps,
			resources: resources,
			dom: domStats(),
			memory: memory(),
			errors: s.errors.slice(0)
		};
	};

	Object.defineProperty(window, cfg.key, { value: s, configurable: true, enumerable: false, writable: true });
	return { installed: true, documentId: s.documentId, errors: s.errors.slice(0) };
})(__CONFIG__)`
