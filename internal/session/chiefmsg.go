package session

import (
	"fmt"
	"sort"
	"strings"
)

// chiefMessage renders the body and source tag for one Chief-directed
// message. The source tag tells the agent who is talking (the engine or the
// user); the per-kind closing line tells it what to do with the content.
func chiefMessage(kind, message string, extra map[string]string) (body, source string, err error) {
	if kind != ChiefKindWake && strings.TrimSpace(message) == "" {
		return "", "", fmt.Errorf("chief message kind %q needs a message", kind)
	}

	switch kind {
	case ChiefKindWake:
		if message == "" {
			message = "Status check: review your queue and surface anything urgent."
		}
		body, source = message, "system"
	case ChiefKindSay:
		body, source = message, "user"
	case ChiefKindDrop:
		body, source = message+"\nTriage this drop: act on it now or file it where it belongs.", kind
	case ChiefKindBug:
		body, source = message+"\nReproduce it, then fix it or file it with your findings.", kind
	case ChiefKindIdea:
		body, source = message+"\nCapture this where ideas live, with your take.", kind
	case ChiefKindDump:
		body, source = message+"\nOrganize this into actions, notes and discards.", kind
	default:
		return "", "", fmt.Errorf("unknown chief message kind %q", kind)
	}

	if len(extra) > 0 {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(body)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %s", k, extra[k])
		}
		body = b.String()
	}
	return body, source, nil
}
