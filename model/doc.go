// Package model carries the gateway's shared data types: the device
// routing address, session lifecycle states, the frame sum type telemetry
// and PLC sessions emit, the PLC tagged-value union, and the per-user plan
// types the ingress router and sessions exchange.
//
// Nothing in this package is session- or transport-specific; RobotSession,
// PlcSession, the ingress router and the egress pump all import it as their
// common vocabulary.
package model
