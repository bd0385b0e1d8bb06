package browser

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pagepilot-mcp-server/internal/automation"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

var keyMap = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Space":      input.Space,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
}

// lookupKey maps a key name or a single character to a Rod key.
func lookupKey(name string) (input.Key, error) {
	if k, ok := keyMap[name]; ok {
		return k, nil
	}
	if strings.EqualFold(name, "return") {
		return input.Enter, nil
	}
	if r := []rune(name); len(r) == 1 {
		return input.Key(r[0]), nil
	}
	return 0, fmt.Errorf("unknown key: %s", name)
}

// normalizeMethod folds the aliases models and callers use onto one name.
func normalizeMethod(m string) string {
	switch strings.ToLower(strings.TrimSpace(m)) {
	case "", "click", "tap":
		return "click"
	case "fill", "settext":
		return "fill"
	case "type", "typetext":
		return "type"
	case "press", "presskey", "keypress":
		return "press"
	case "scroll", "scrollby", "scrollto", "scrollintoview":
		return "scroll"
	case "select", "selectoption", "selectoptionfromdropdown":
		return "selectOption"
	case "hover", "mouseover":
		return "hover"
	default:
		return m
	}
}

// substitute replaces %name% placeholders with their variable values.
func substitute(s string, vars map[string]string) string {
	for name, val := range vars {
		s = strings.ReplaceAll(s, "%"+name+"%", val)
	}
	return s
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// recordedAction is the history form of an executed candidate; the script
// emitter reads the same keys.
func recordedAction(method, selector string, args []string) map[string]interface{} {
	action := map[string]interface{}{"type": method}
	if selector != "" {
		action["selector"] = selector
	}
	switch method {
	case "fill", "type", "selectOption":
		action["value"] = firstArg(args)
	case "press":
		action["key"] = firstArg(args)
	case "scroll":
		x, y := scrollOffsets(args)
		action["x"] = x
		action["y"] = y
	}
	return action
}

// scrollOffsets reads "[x, y]" or "[y]" arguments; the default scrolls one
// viewport-ish step down.
func scrollOffsets(args []string) (float64, float64) {
	parse := func(s string) float64 {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0
		}
		return f
	}
	switch len(args) {
	case 0:
		return 0, 600
	case 1:
		return 0, parse(args[0])
	default:
		return parse(args[0]), parse(args[1])
	}
}

// perform executes one candidate on the page and records it.
func (p *Page) perform(ctx context.Context, c automation.Candidate, vars map[string]string, timeout time.Duration, instruction string) (map[string]interface{}, error) {
	method := normalizeMethod(c.Method)
	selector := substitute(c.Selector, vars)
	args := make([]string, len(c.Arguments))
	for i, a := range c.Arguments {
		args[i] = substitute(a, vars)
	}

	rp := p.scoped(ctx, timeout)

	var el *rod.Element
	if selector != "" {
		var err error
		el, err = rp.Element(selector)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", selector, err)
		}
	}

	var err error
	switch method {
	case "click":
		if el == nil {
			return nil, fmt.Errorf("click requires a selector")
		}
		err = el.Click(proto.InputMouseButtonLeft, 1)
	case "fill":
		if el == nil {
			return nil, fmt.Errorf("fill requires a selector")
		}
		if selErr := el.SelectAllText(); selErr == nil {
			_ = el.Input("")
		}
		err = el.Input(firstArg(args))
	case "type":
		if el != nil {
			if err = el.Focus(); err != nil {
				break
			}
		}
		err = rp.InsertText(firstArg(args))
	case "press":
		var k input.Key
		if k, err = lookupKey(firstArg(args)); err != nil {
			break
		}
		if el != nil {
			if err = el.Focus(); err != nil {
				break
			}
		}
		err = rp.Keyboard.Press(k)
	case "scroll":
		if el != nil {
			err = el.ScrollIntoView()
			break
		}
		x, y := scrollOffsets(args)
		err = rp.Mouse.Scroll(x, y, 1)
	case "selectOption":
		if el == nil {
			return nil, fmt.Errorf("selectOption requires a selector")
		}
		err = el.Select([]string{firstArg(args)}, true, rod.SelectorTypeText)
	case "hover":
		if el == nil {
			return nil, fmt.Errorf("hover requires a selector")
		}
		err = el.Hover()
	default:
		return nil, fmt.Errorf("unsupported action method %q", c.Method)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, selector, err)
	}

	action := recordedAction(method, selector, args)
	p.h.record("act", instruction, action)
	return action, nil
}
