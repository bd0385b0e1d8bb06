package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pagepilot-mcp-server/internal/automation"
)

// element is one interactive node reported by the discovery script.
type element struct {
	Selector string `json:"selector"`
	Tag      string `json:"tag"`
	Role     string `json:"role"`
	Label    string `json:"label"`
	Action   string `json:"action"`
	Value    string `json:"value"`
	Enabled  bool   `json:"enabled"`
}

// discoverJS lists visible interactive elements in DOM order, each with the
// most specific selector it can build. The argument scopes the search.
const discoverJS = `(scope) => {
	const root = scope ? document.querySelector(scope) : document;
	if (!root) return [];

	const query = [
		'button', 'a[href]', 'input:not([type="hidden"])', 'select', 'textarea',
		'[role="button"]', '[role="link"]', '[role="checkbox"]', '[role="tab"]',
		'[role="menuitem"]', '[contenteditable="true"]', '[onclick]'
	].join(', ');

	const esc = (v) => (window.CSS && CSS.escape) ? CSS.escape(v) : v.replace(/([^\w-])/g, '\\$1');

	const selectorFor = (el) => {
		const testId = el.getAttribute('data-testid') || el.getAttribute('data-test-id');
		if (testId) return '[data-testid="' + testId.replace(/"/g, '\\"') + '"]';
		if (el.id) return '#' + esc(el.id);
		const tag = el.tagName.toLowerCase();
		const name = el.getAttribute('name');
		if (name) return tag + '[name="' + name.replace(/"/g, '\\"') + '"]';
		const aria = el.getAttribute('aria-label');
		if (aria && aria.length < 100) return tag + '[aria-label="' + aria.replace(/"/g, '\\"') + '"]';

		const parts = [];
		let node = el;
		while (node && node.nodeType === 1 && node !== document.body && parts.length < 6) {
			let part = node.tagName.toLowerCase();
			if (node.id) {
				parts.unshift('#' + esc(node.id));
				break;
			}
			const parent = node.parentElement;
			if (parent) {
				const same = Array.from(parent.children).filter(c => c.tagName === node.tagName);
				if (same.length > 1) part += ':nth-of-type(' + (same.indexOf(node) + 1) + ')';
			}
			parts.unshift(part);
			node = parent;
		}
		return parts.join(' > ');
	};

	const visible = (el) => {
		const r = el.getBoundingClientRect();
		if (r.width === 0 && r.height === 0) return false;
		const s = window.getComputedStyle(el);
		return s.visibility !== 'hidden' && s.display !== 'none';
	};

	const out = [];
	const seen = new Set();
	root.querySelectorAll(query).forEach((el) => {
		if (seen.has(el) || !visible(el)) return;
		seen.add(el);

		const tag = el.tagName.toLowerCase();
		const type = (el.getAttribute('type') || '').toLowerCase();
		let action = 'click';
		if (tag === 'select') action = 'selectOption';
		else if (tag === 'textarea' || el.isContentEditable) action = 'fill';
		else if (tag === 'input' && !['button', 'submit', 'reset', 'checkbox', 'radio', 'image', 'file'].includes(type)) action = 'fill';

		let label = el.getAttribute('aria-label') ||
			(el.innerText || '').trim().substring(0, 80) ||
			el.getAttribute('placeholder') ||
			el.getAttribute('title') ||
			el.getAttribute('alt') || '';
		label = label.replace(/\s+/g, ' ').trim();

		out.push({
			selector: selectorFor(el),
			tag: tag,
			role: el.getAttribute('role') || '',
			label: label,
			action: action,
			value: (el.value || '').toString().substring(0, 80),
			enabled: !el.disabled
		});
	});
	return out;
}`

// pageTextJS returns the visible text of the scope or the whole body.
const pageTextJS = `(scope) => {
	const root = scope ? document.querySelector(scope) : document.body;
	return root ? (root.innerText || '') : '';
}`

// maxPageText bounds the text sent to the model for extraction.
const maxPageText = 20000

func (p *Page) discover(ctx context.Context, scope string, timeout time.Duration) ([]element, error) {
	res, err := p.scoped(ctx, timeout).Eval(discoverJS, scope)
	if err != nil {
		return nil, fmt.Errorf("discover elements: %w", err)
	}
	raw, err := json.Marshal(res.Value)
	if err != nil {
		return nil, fmt.Errorf("encode discovery result: %w", err)
	}
	return decodeElements(raw)
}

func decodeElements(raw []byte) ([]element, error) {
	var elems []element
	if len(raw) == 0 || string(raw) == "null" {
		return elems, nil
	}
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("decode elements: %w", err)
	}
	return elems, nil
}

func (p *Page) text(ctx context.Context, scope string, timeout time.Duration) (string, error) {
	res, err := p.scoped(ctx, timeout).Eval(pageTextJS, scope)
	if err != nil {
		return "", fmt.Errorf("read page text: %w", err)
	}
	text := res.Value.Str()
	if len(text) > maxPageText {
		text = text[:maxPageText]
	}
	return text, nil
}

// candidates converts discovered elements into observe results.
func candidates(elems []element) []automation.Candidate {
	out := make([]automation.Candidate, 0, len(elems))
	for _, e := range elems {
		if !e.Enabled {
			continue
		}
		out = append(out, automation.Candidate{
			Selector:    e.Selector,
			Description: describe(e),
			Method:      e.Action,
		})
	}
	return out
}

func describe(e element) string {
	kind := e.Tag
	if e.Role != "" {
		kind = e.Role
	}
	if e.Label == "" {
		return kind
	}
	return fmt.Sprintf("%s: %s", kind, e.Label)
}
