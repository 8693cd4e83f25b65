package transport

import (
	"context"
	"time"

	"github.com/twinsync/gateway/model"
)

// RobotTransport is the line-oriented socket a RobotSession drives. It
// moves lines only; the GET_FAST/PLAN_*/END protocol framing lives in the
// session, not here, so any line-oriented robot dialect can satisfy this
// interface.
type RobotTransport interface {
	// Connect establishes the underlying socket connection.
	Connect(ctx context.Context) error
	// Close tears down the connection. Idempotent.
	Close(ctx context.Context) error
	// WriteLine sends one command line, terminator included by the
	// implementation.
	WriteLine(ctx context.Context, line string) error
	// ReadLine reads one line, stripped of its terminator. Returns a
	// transient error on timeout or connection loss.
	ReadLine(ctx context.Context, timeout time.Duration) (string, error)
}

// PlcTransport is the tag-read boundary a PlcSession drives. ReadItems
// resolves UDT expansion and array-range expansion internally — the
// session only ever presents the union item list and receives values keyed
// by each item's original path.
type PlcTransport interface {
	// Connect establishes the underlying PLC session.
	Connect(ctx context.Context) error
	// Close tears down the connection. Idempotent.
	Close(ctx context.Context) error
	// ReadItems reads every item in one call, bounded by timeout.
	ReadItems(ctx context.Context, items []model.MachineDataItem, timeout time.Duration) (map[string]model.PlcValue, error)
}
