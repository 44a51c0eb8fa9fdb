package stream

import "github.com/reaktive/tcp-nukleus/internal/poller"

// NewConnStateForTest exposes newConnState to this package's external
// (stream_test) tests, which construct a connState over a real socket
// pair rather than going through Factory.OnAccepted.
func NewConnStateForTest(fd int, key *poller.Key) *connState {
	return newConnState(fd, key)
}
