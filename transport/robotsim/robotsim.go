// Package robotsim implements a simulated transport.RobotTransport
// speaking the line protocol described for robot sessions: GET_FAST reads
// a frame, PLAN_* commands set the device's active plan and expect a
// literal OK acknowledgement, responses are framed by a literal END
// sentinel line.
//
// No example repo in the retrieval pack carries a robot wire dialect, so
// this simulator is grounded directly on the protocol description rather
// than an external source. It backs both RobotSession's tests and the
// gateway's -simulate boot mode.
package robotsim

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twinsync/gateway/errors"
)

// Transport is a simulated robot device. Joint angles animate smoothly;
// digital/group registers toggle on a slow, deterministic cadence so tests
// see varying but reproducible frames.
type Transport struct {
	mu        sync.Mutex
	connected bool
	tick      int64
	startedAt time.Time

	pendingMu sync.Mutex
	pending   chan string

	appliedPlan map[string]string // last PLAN_<field>=<value> seen, for introspection/tests
}

// NewTransport creates a disconnected simulator.
func NewTransport() *Transport {
	return &Transport{
		pending:     make(chan string, 64),
		appliedPlan: make(map[string]string),
	}
}

// Connect marks the simulator connected. Never fails.
func (t *Transport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = true
	t.startedAt = time.Now()
	return nil
}

// Close marks the simulator disconnected. Idempotent.
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	return nil
}

// WriteLine interprets one command line and queues its response lines.
func (t *Transport) WriteLine(_ context.Context, line string) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()

	if !connected {
		return errors.WrapTransient(fmt.Errorf("not connected"), "robotsim", "WriteLine", "write")
	}

	switch {
	case line == "GET_FAST":
		t.queueFrame()
	case strings.HasPrefix(line, "PLAN_"):
		t.recordPlan(line)
		t.queueLine("OK")
	default:
		t.queueLine("OK")
	}

	return nil
}

// ReadLine pops the next queued response line, blocking up to timeout.
func (t *Transport) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case line := <-t.pending:
		return line, nil
	case <-time.After(timeout):
		return "", errors.WrapTransient(fmt.Errorf("read timeout after %v", timeout), "robotsim", "ReadLine", "read")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *Transport) recordPlan(line string) {
	field, value, ok := strings.Cut(line, "=")
	if !ok {
		return
	}
	t.pendingMu.Lock()
	t.appliedPlan[field] = value
	t.pendingMu.Unlock()
}

// AppliedPlan returns the last value seen for each PLAN_<field>, for tests
// that assert on what the session actually sent to the device.
func (t *Transport) AppliedPlan() map[string]string {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	out := make(map[string]string, len(t.appliedPlan))
	for k, v := range t.appliedPlan {
		out[k] = v
	}
	return out
}

func (t *Transport) queueLine(line string) {
	select {
	case t.pending <- line:
	default:
		// Queue full: drop oldest line rather than block the caller.
		<-t.pending
		t.pending <- line
	}
}

func (t *Transport) queueFrame() {
	t.mu.Lock()
	t.tick++
	tick := t.tick
	elapsed := time.Since(t.startedAt).Seconds()
	t.mu.Unlock()

	joints := make([]string, 6)
	for i := range joints {
		angle := 10*math.Sin(elapsed+float64(i)) + float64(i)*5
		joints[i] = strconv.FormatFloat(angle, 'f', 3, 64)
	}
	t.queueLine("J=" + strings.Join(joints, ","))

	bit := int(tick % 2)
	t.queueLine(fmt.Sprintf("DI=%d:%d", 105, bit))
	t.queueLine(fmt.Sprintf("GI=%d:%d", 1, int(tick%10)))
	t.queueLine(fmt.Sprintf("GO=%d:%d", 1, bit))
	t.queueLine(fmt.Sprintf("DO=%d:%d", 1, 1-bit))
	t.queueLine(fmt.Sprintf("R=%d:%d|%s", 1, int(tick), strconv.FormatFloat(float64(tick)*0.5, 'f', 2, 64)))
	t.queueLine(fmt.Sprintf("VAR=%s:%s", "cycleState", cycleStateFor(tick)))
	t.queueLine("END")
}

func cycleStateFor(tick int64) string {
	states := []string{"idle", "running", "paused"}
	return states[tick%int64(len(states))]
}
