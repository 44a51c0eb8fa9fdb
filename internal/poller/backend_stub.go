//go:build !linux

// File: internal/poller/backend_stub.go
//
// Stub Backend for platforms without an epoll-compatible readiness
// interface, mirroring reactor/reactor_stub.go from the teacher repo.
package poller

import "errors"

// NewEpollBackend returns an error on unsupported platforms.
func NewEpollBackend() (Backend, error) {
	return nil, errors.New("poller: no readiness backend on this platform")
}
