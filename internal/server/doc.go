// Package server exposes the bridge locally: health and Prometheus metrics,
// a server-sent event feed of appliance events and a command endpoint that
// feeds the command queue.
package server
