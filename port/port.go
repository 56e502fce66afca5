//go:build linux
// +build linux

// Package port provides a Linux serial port transport for serialkit:
// raw, unbuffered syscall-based I/O delivering chunks exactly as the kernel
// hands them over. Framing is deliberately absent here; it belongs to the
// serialkit core and its packet descriptors.
package port

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sys/unix"
)

// Port is an open serial device. It implements serialkit.Transport and is
// safe for concurrent use by multiple goroutines.
type Port struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	config    Config
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device   string
	BaudRate int
}

// RetryConfig governs OpenWithRetry's reconnection backoff.
type RetryConfig struct {
	Min      time.Duration // first delay (default 100ms)
	Max      time.Duration // delay ceiling (default 5s)
	Factor   float64       // growth factor (default 2)
	Jitter   bool
	Attempts int // total open attempts, 0 means 10
}

// Open opens a serial port using the provided Config and returns a Port.
// The port is configured for raw, low-latency, non-buffered operation.
func Open(cfg Config) (*Port, error) {
	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8

	// Baud rate
	baud := baudToUnix(cfg.BaudRate)
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud

	// Set VMIN=1, VTIME=0 for immediate, non-blocking reads
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set termios: %w", err)
	}

	// Turn back into blocking mode now that config is done
	syscall.SetNonblock(fd, false)

	// Create self-pipe for killability
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	file := os.NewFile(uintptr(fd), cfg.Device)
	return &Port{
		fd:        fd,
		file:      file,
		done:      make(chan struct{}),
		closeOnce: sync.Once{},
		config:    cfg,
		pipeR:     pipeFds[0],
		pipeW:     pipeFds[1],
	}, nil
}

// OpenWithRetry opens a serial port, retrying with exponential backoff when
// the device is not (yet) available, e.g. a USB adapter still enumerating
// after a replug. It returns the last open error once the attempt budget is
// spent.
func OpenWithRetry(cfg Config, retry RetryConfig) (*Port, error) {
	b := &backoff.Backoff{
		Min:    retry.Min,
		Max:    retry.Max,
		Factor: retry.Factor,
		Jitter: retry.Jitter,
	}
	if b.Min <= 0 {
		b.Min = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Second
	}
	if b.Factor <= 0 {
		b.Factor = 2
	}
	attempts := retry.Attempts
	if attempts <= 0 {
		attempts = 10
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		p, err := Open(cfg)
		if err == nil {
			return p, nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(b.Duration())
		}
	}
	return nil, fmt.Errorf("open %s after %d attempts: %w", cfg.Device, attempts, lastErr)
}

// Send writes data to the serial port as-is, no framing added. It satisfies
// serialkit.Transport.
func (p *Port) Send(data []byte) error {
	_, err := p.file.Write(data)
	return err
}

// ReadChunksLoop continuously reads from the serial port and invokes onData
// once per chunk, exactly as the kernel delivers them. Chunk size and
// cadence are the device's business; feed the chunks to a
// serialkit.Session's Receive and let descriptors handle framing.
// If an error occurs, onError is called and the loop exits. Close unblocks
// the loop.
func (p *Port) ReadChunksLoop(onData func(chunk []byte), onError func(error)) {
	buf := make([]byte, 4096)
	for {
		// Use poll to wait for data or kill signal
		pfd := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.pipeR), Events: unix.POLLIN},
		}
		_, err := unix.Poll(pfd, -1)
		if err != nil {
			onError(err)
			return
		}
		// Check killability
		select {
		case <-p.done:
			return
		default:
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			// Drain pipe
			var b [1]byte
			unix.Read(p.pipeR, b[:])
			return
		}
		if pfd[0].Revents&unix.POLLIN != 0 {
			n, err := p.file.Read(buf)
			if err != nil {
				onError(err)
				return
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
	}
}

// ReadChunk reads a single chunk from the serial port, blocking until data
// arrives, the port is closed, or an error occurs.
func (p *Port) ReadChunk() ([]byte, error) {
	buf := make([]byte, 4096)
	for {
		pfd := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.pipeR), Events: unix.POLLIN},
		}
		_, err := unix.Poll(pfd, -1)
		if err != nil {
			return nil, err
		}
		select {
		case <-p.done:
			return nil, fmt.Errorf("port closed")
		default:
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			var b [1]byte
			unix.Read(p.pipeR, b[:])
			return nil, fmt.Errorf("port closed")
		}
		if pfd[0].Revents&unix.POLLIN != 0 {
			n, err := p.file.Read(buf)
			if err != nil {
				return nil, err
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			return chunk, nil
		}
	}
}

// Close closes the serial port and unblocks any ReadChunk/ReadChunksLoop
// calls. Safe to call multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		// Wake up poll using self-pipe
		if p.pipeW > 0 {
			unix.Write(p.pipeW, []byte{1})
		}
		// p.file owns the descriptor; closing it closes p.fd too.
		if p.file != nil {
			err = p.file.Close()
		}
		if p.pipeR > 0 {
			unix.Close(p.pipeR)
		}
		if p.pipeW > 0 {
			unix.Close(p.pipeW)
		}
	})
	return err
}

func baudToUnix(baud int) uint32 {
	switch baud {
	case 9600:
		return unix.B9600
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 115200:
		return unix.B115200
	case 230400:
		return unix.B230400
	default:
		return unix.B115200 // fallback
	}
}
