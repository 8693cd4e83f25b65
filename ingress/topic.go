package ingress

import "strings"

// verb is the parsed action segment of an ingress topic.
type verb string

const (
	verbPlan  verb = "plan"
	verbHB    verb = "hb"
	verbLeave verb = "leave"
)

const topicRoot = "twinsync"

// parsedTopic is the result of successfully parsing a 7-segment ingress
// topic: twinsync/{tenant}/{gateway}/{verb}/{type}/{device}/{user}.
type parsedTopic struct {
	tenantID   string
	gatewayID  string
	verb       verb
	deviceType string
	deviceID   string
	user       string
}

// parseTopic implements the only schema the gateway accepts: exactly 7
// non-empty segments, with the root and verb compared case-insensitively
// and tenant/gateway compared case-sensitively. Any other shape — 5- or
// 6-segment variants included — is rejected silently.
func parseTopic(topic string) (parsedTopic, bool) {
	raw := strings.Split(topic, "/")

	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}

	if len(parts) != 7 {
		return parsedTopic{}, false
	}

	if !strings.EqualFold(parts[0], topicRoot) {
		return parsedTopic{}, false
	}

	v, ok := parseVerb(parts[3])
	if !ok {
		return parsedTopic{}, false
	}

	return parsedTopic{
		tenantID:   parts[1],
		gatewayID:  parts[2],
		verb:       v,
		deviceType: parts[4],
		deviceID:   parts[5],
		user:       parts[6],
	}, true
}

func parseVerb(s string) (verb, bool) {
	switch {
	case strings.EqualFold(s, string(verbPlan)):
		return verbPlan, true
	case strings.EqualFold(s, string(verbHB)):
		return verbHB, true
	case strings.EqualFold(s, string(verbLeave)):
		return verbLeave, true
	default:
		return "", false
	}
}
