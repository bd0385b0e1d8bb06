// Package script turns a session's step history into a Playwright test.
package script

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"pagepilot-mcp-server/internal/automation"
)

const DefaultTestName = "Generated Script"

// Options controls script generation.
type Options struct {
	TestName        string
	IncludeComments bool
}

// Generate renders history as a Playwright test. Each recognized step becomes
// one statement; anything else is kept as an "Unmapped action" comment.
func Generate(history []automation.HistoryEntry, opts Options) string {
	name := opts.TestName
	if name == "" {
		name = DefaultTestName
	}

	var b strings.Builder
	b.WriteString("import { test, expect } from '@playwright/test';\n\n")
	fmt.Fprintf(&b, "test(%s, async ({ page }) => {\n", quote(name))

	for _, entry := range history {
		action := entry.Action
		if action == nil {
			action = map[string]interface{}{}
		}
		kind := stringField(action, "type")
		if kind == "" {
			kind = entry.Method
		}

		stmt, ok := statement(kind, action)
		if !ok {
			raw, err := json.Marshal(action)
			if err != nil {
				raw = []byte("{}")
			}
			fmt.Fprintf(&b, "  // Unmapped action: %s %s\n", kind, raw)
			continue
		}
		if opts.IncludeComments && entry.Instruction != "" {
			fmt.Fprintf(&b, "  // Action: %s\n", oneLine(entry.Instruction))
		}
		b.WriteString("  ")
		b.WriteString(stmt)
		b.WriteString("\n")
	}

	b.WriteString("\n});\n")
	return b.String()
}

func statement(kind string, action map[string]interface{}) (string, bool) {
	selector := stringField(action, "selector")

	switch kind {
	case "goto":
		url := stringField(action, "url")
		if url == "" {
			return "", false
		}
		return fmt.Sprintf("await page.goto(%s);", quote(url)), true
	case "click":
		if selector == "" {
			return "", false
		}
		return fmt.Sprintf("await page.click(%s);", quote(selector)), true
	case "hover":
		if selector == "" {
			return "", false
		}
		return fmt.Sprintf("await page.hover(%s);", quote(selector)), true
	case "fill", "type", "selectOption":
		value, ok := action["value"]
		if selector == "" || !ok {
			return "", false
		}
		return fmt.Sprintf("await page.%s(%s, %s);", kind, quote(selector), quote(fmt.Sprint(value))), true
	case "press":
		key := stringField(action, "keys")
		if key == "" {
			key = stringField(action, "key")
		}
		if key == "" {
			return "", false
		}
		if selector != "" {
			return fmt.Sprintf("await page.press(%s, %s);", quote(selector), quote(key)), true
		}
		return fmt.Sprintf("await page.keyboard.press(%s);", quote(key)), true
	case "scroll":
		x, y := numberField(action, "x"), numberField(action, "y")
		return fmt.Sprintf("await page.evaluate(({x,y}) => window.scrollBy(x,y), { x: %s, y: %s });",
			formatNumber(x), formatNumber(y)), true
	}
	return "", false
}

// quote renders s as a single-quoted JavaScript string literal.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func numberField(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
