package ingest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.]+(?:Z|[+-][0-9:]+)?)\s+`)

// ParseLine accepts either a JSON object carrying the command under
// command, text or utterance, or plain text optionally prefixed by a
// timestamp. Blank lines and objects without a command yield nil.
func ParseLine(line string, source string, now time.Time) (*Command, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		return parseJSON(trim, source, now)
	}
	cmd := &Command{Source: source, ReceivedAt: now}
	if m := reTimestamp.FindStringSubmatch(trim); m != nil {
		if ts, ok := parseTimestamp(m[1]); ok {
			cmd.ReceivedAt = ts
		}
		trim = strings.TrimSpace(trim[len(m[0]):])
	}
	if trim == "" {
		return nil, nil
	}
	cmd.Text = trim
	return cmd, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parseJSON(line, source string, now time.Time) (*Command, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(obj))
	for key, val := range obj {
		if val == nil {
			continue
		}
		fields[strings.ToLower(key)] = fmt.Sprint(val)
	}
	text := strings.TrimSpace(firstNonEmpty(fields, "command", "text", "utterance"))
	if text == "" {
		return nil, nil
	}
	cmd := &Command{Text: text, Source: source, ReceivedAt: now}
	if s := firstNonEmpty(fields, "source", "device"); s != "" {
		cmd.Source = source + ":" + s
	}
	if ts, ok := parseTimestamp(firstNonEmpty(fields, "timestamp", "time", "ts")); ok {
		cmd.ReceivedAt = ts
	}
	return cmd, nil
}

func parseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
