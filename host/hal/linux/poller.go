//go:build linux

package linux

import (
	"sync"

	"golang.org/x/sys/unix"
)

// pollDesc describes a file descriptor being polled.
type pollDesc struct {
	fd       int          // File descriptor
	events   uint32       // Events to watch for
	callback func(uint32) // Callback when events occur
}

// poller multiplexes usbfs and netlink descriptors with epoll. Callbacks run
// on the goroutine calling pollOnce.
type poller struct {
	epfd   int               // epoll file descriptor
	wakefd int               // eventfd for waking the poller
	mu     sync.Mutex        // Protects fds map and closed
	fds    map[int]*pollDesc // Tracked file descriptors
	closed bool
}

// newPoller creates a new poller instance.
func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &poller{
		epfd:   epfd,
		wakefd: wakefd,
		fds:    make(map[int]*pollDesc),
	}

	if err := p.addFD(wakefd, unix.EPOLLIN, nil); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}

	return p, nil
}

// close shuts down the poller. It is safe to call more than once.
func (p *poller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.fds = nil
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}

// addFD adds a file descriptor to the poller.
func (p *poller) addFD(fd int, events uint32, callback func(uint32)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return unix.EBADF
	}

	event := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return err
	}

	p.fds[fd] = &pollDesc{
		fd:       fd,
		events:   events,
		callback: callback,
	}
	return nil
}

// delFD removes a file descriptor from the poller.
func (p *poller) delFD(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	delete(p.fds, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wake interrupts a blocked pollOnce.
func (p *poller) wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wakefd, buf[:])
	if err == unix.EAGAIN {
		// Counter saturated; a wakeup is already pending.
		return nil
	}
	return err
}

// pollOnce performs a single poll iteration with timeout.
// timeout is in milliseconds, -1 for infinite, 0 for non-blocking.
// It returns the number of callbacks invoked; wakeups are not counted.
func (p *poller) pollOnce(timeout int) (int, error) {
	var events [MaxEpollEvents]unix.EpollEvent

	n, err := unix.EpollWait(p.epfd, events[:], timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	processed := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)

		if fd == p.wakefd {
			var buf [8]byte
			unix.Read(p.wakefd, buf[:])
			continue
		}

		p.mu.Lock()
		desc, ok := p.fds[fd]
		p.mu.Unlock()

		if ok && desc.callback != nil {
			desc.callback(events[i].Events)
			processed++
		}
	}

	return processed, nil
}
