package mcp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pagepilot-mcp-server/internal/errs"
)

// integerFields are coerced from numeric strings during normalization.
var integerFields = []string{"pageIndex", "quality", "maxSteps", "timeout"}

// normalizeArgs rewrites caller input into the canonical shape every tool
// validates against. It returns a new map; args is left untouched.
func normalizeArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}

	if u, ok := out["url"].(string); ok {
		out["url"] = strings.TrimSpace(strings.ReplaceAll(u, "`", ""))
	}
	if _, ok := out["format"]; !ok {
		if t, ok := out["type"]; ok {
			out["format"] = t
			delete(out, "type")
		}
	}
	if _, ok := out["pageIndex"]; !ok {
		if i, ok := out["index"]; ok {
			out["pageIndex"] = i
			delete(out, "index")
		}
	}

	for _, key := range integerFields {
		if s, ok := out[key].(string); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				out[key] = n
			}
		}
	}
	if opts, ok := out["options"].(map[string]interface{}); ok {
		if s, ok := opts["timeout"].(string); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				copied := make(map[string]interface{}, len(opts))
				for k, v := range opts {
					copied[k] = v
				}
				copied["timeout"] = n
				out["options"] = copied
			}
		}
	}
	return out
}

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

// getOptionalInt reads an integer argument. Absent returns nil; present but
// not a whole number fails InvalidArgument.
func getOptionalInt(args map[string]interface{}, key string) (*int, error) {
	val, ok := args[key]
	if !ok || val == nil {
		return nil, nil
	}
	var n int
	switch v := val.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		if v != math.Trunc(v) {
			return nil, errs.InvalidArgument("%s must be an integer", key)
		}
		n = int(v)
	default:
		return nil, errs.InvalidArgument("%s must be an integer", key)
	}
	return &n, nil
}

func getFloatArg(m map[string]interface{}, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func getMapArg(args map[string]interface{}, key string) map[string]interface{} {
	if m, ok := args[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func getStringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		if ss, ok := args[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		} else if v != nil {
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}

// requireInstruction enforces the mandatory instruction argument.
func requireInstruction(args map[string]interface{}) (string, error) {
	s, ok := args["instruction"].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", errs.InvalidArgument("instruction is required and must be a non-empty string")
	}
	return s, nil
}

// timeoutArg reads a millisecond timeout from the top level or from options,
// the top level winning. Absent means the engine default.
func timeoutArg(args map[string]interface{}) (time.Duration, error) {
	return millisArg(args, false)
}

// optionsTimeoutArg is timeoutArg with options winning over the top level.
func optionsTimeoutArg(args map[string]interface{}) (time.Duration, error) {
	return millisArg(args, true)
}

func millisArg(args map[string]interface{}, optionsFirst bool) (time.Duration, error) {
	top, err := getOptionalInt(args, "timeout")
	if err != nil {
		return 0, err
	}
	var nested *int
	if opts := getMapArg(args, "options"); opts != nil {
		if nested, err = getOptionalInt(opts, "timeout"); err != nil {
			return 0, errs.InvalidArgument("options.timeout must be an integer")
		}
	}

	ms := top
	if ms == nil || (optionsFirst && nested != nil) {
		ms = nested
	}
	if ms == nil {
		return 0, nil
	}
	if *ms < 0 {
		return 0, errs.InvalidArgument("timeout must not be negative")
	}
	return time.Duration(*ms) * time.Millisecond, nil
}
