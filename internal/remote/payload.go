package remote

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ParsePayload extracts the structured trailer a protocol script prints on
// stdout. Two forms are understood and may be combined: uppercase KEY=VALUE
// lines anywhere in the output, and a single-line JSON object as the last
// non-empty line. JSON keys are uppercased and win on conflict.
func ParsePayload(stdout string) map[string]string {
	payload := make(map[string]string)

	lines := strings.Split(stdout, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok || !isPayloadKey(key) {
			continue
		}
		payload[key] = value
	}

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") && gjson.Valid(line) {
			gjson.Parse(line).ForEach(func(key, value gjson.Result) bool {
				payload[strings.ToUpper(key.String())] = value.String()
				return true
			})
		}
		break
	}

	return payload
}

func isPayloadKey(key string) bool {
	if key == "" {
		return false
	}
	for i, r := range key {
		switch {
		case r >= 'A' && r <= 'Z':
		case r == '_' && i > 0:
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
