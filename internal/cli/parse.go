package cli

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/roadrunner-server/harness/httpexec"
	"github.com/roadrunner-server/harness/testerr"
)

// parseKV splits "key=value" (or "key: value" when sep is ':') pairs.
func parseKV(pairs []string, sep string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, sep)
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, testerr.ValidationError("expected key" + sep + "value, got: " + p)
		}
		out[k] = strings.TrimSpace(v)
	}

	return out, nil
}

// parseFile reads "field=path[;type=content/type][;filename=name]".
func parseFile(spec string) (httpexec.File, error) {
	parts := strings.Split(spec, ";")

	field, path, ok := strings.Cut(parts[0], "=")
	if !ok || field == "" || path == "" {
		return httpexec.File{}, testerr.ValidationError("expected field=path, got: " + spec)
	}

	f := httpexec.File{Field: field, Path: path}
	for _, opt := range parts[1:] {
		k, v, _ := strings.Cut(opt, "=")
		switch strings.TrimSpace(k) {
		case "type":
			f.ContentType = v
		case "filename":
			f.Filename = v
		default:
			return httpexec.File{}, testerr.ValidationError("unknown file option: " + opt)
		}
	}

	return f, nil
}

// parseValue keeps valid JSON as JSON and everything else as text.
func parseValue(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}
