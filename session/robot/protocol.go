package robot

import (
	"strconv"
	"strings"

	"github.com/twinsync/gateway/model"
)

// applyResponseLine folds one device response line into frame, ignoring
// unknown prefixes and malformed entries within a recognized prefix.
func applyResponseLine(frame *model.TelemetryFrame, line string) {
	prefix, body, ok := strings.Cut(line, "=")
	if !ok {
		return
	}

	switch prefix {
	case "J":
		frame.JointsDeg = parseJoints(body)
	case "DI":
		frame.DI = parseIntIntMap(body)
	case "GI":
		frame.GI = parseIntIntMap(body)
	case "GO":
		frame.GO = parseIntIntMap(body)
	case "DO":
		frame.DO = parseIntIntMap(body)
	case "R":
		frame.R = parseRealMap(body)
	case "VAR":
		frame.VAR = parseVarMap(body)
	}
}

func parseJoints(body string) []float64 {
	parts := strings.Split(body, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func parseIntIntMap(body string) map[int]int {
	if body == "" {
		return nil
	}
	out := make(map[int]int)
	for _, entry := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		ki, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			continue
		}
		vi, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		out[ki] = vi
	}
	return out
}

func parseRealMap(body string) map[int]model.RealValue {
	if body == "" {
		return nil
	}
	out := make(map[int]model.RealValue)
	for _, entry := range strings.Split(body, ",") {
		k, rest, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		if rest == "ERR" {
			continue
		}
		ki, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			continue
		}
		iStr, rStr, ok := strings.Cut(rest, "|")
		if !ok {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSpace(iStr))
		if err != nil {
			continue
		}
		r, err := strconv.ParseFloat(strings.TrimSpace(rStr), 64)
		if err != nil {
			continue
		}
		out[ki] = model.RealValue{I: i, R: r}
	}
	return out
}

func parseVarMap(body string) map[string]string {
	if body == "" {
		return nil
	}
	out := make(map[string]string)
	for _, entry := range strings.Split(body, ",") {
		name, rest, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out[name] = rest
	}
	return out
}

func formatIntList(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func formatStringList(vals []string) string {
	return strings.Join(vals, ",")
}
