//go:build linux

// File: internal/poller/backend_linux.go
//
// Linux epoll(7) Backend, grounded on reactor/reactor_linux.go and
// reactor/epoll_reactor.go from the teacher repo.
package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type epollBackend struct {
	epfd int
}

// NewEpollBackend creates a Backend backed by Linux epoll.
func NewEpollBackend() (Backend, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &epollBackend{epfd: epfd}, nil
}

func mask(readInterest, writeInterest bool) uint32 {
	var m uint32
	if readInterest {
		m |= unix.EPOLLIN
	}
	if writeInterest {
		m |= unix.EPOLLOUT
	}
	return m
}

func (b *epollBackend) Add(fd int, readInterest, writeInterest bool) error {
	ev := unix.EpollEvent{Events: mask(readInterest, writeInterest), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

func (b *epollBackend) Modify(fd int, readInterest, writeInterest bool) error {
	ev := unix.EpollEvent{Events: mask(readInterest, writeInterest), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

func (b *epollBackend) Remove(fd int) error {
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

func (b *epollBackend) Wait(timeoutMs int) ([]ReadyFD, error) {
	var raw [128]unix.EpollEvent
	n, err := unix.EpollWait(b.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}
	out := make([]ReadyFD, 0, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		out = append(out, ReadyFD{
			Fd:    int(e.Fd),
			Read:  e.Events&unix.EPOLLIN != 0,
			Write: e.Events&unix.EPOLLOUT != 0,
			Err:   e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}

func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}
