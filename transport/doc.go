// Package transport defines the abstract device-side boundaries device
// sessions drive, and hosts no implementation of its own: robotsim and
// plcsim are simulated adapters for development and tests. No native
// adapter for the real robot line protocol or PLC tag-read protocol is
// included; the gateway rejects devices that are not simulated.
package transport
