//go:build linux

package monitor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var metadataSize = binary.Size(unix.FanotifyEventMetadata{})

// Fanotify is a permission-capable source built on fanotify mount marks.
// It needs CAP_SYS_ADMIN.
//
// Events caused by this process are answered immediately with allow so
// that hashing a file never waits on its own verification.
type Fanotify struct {
	paths  []string
	file   *os.File
	events chan *Event
	logger *slog.Logger
	self   int

	closeOnce sync.Once
}

// NewFanotify opens a fanotify group and marks the mounts holding paths.
func NewFanotify(paths []string, logger *slog.Logger) (*Fanotify, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fd, err := unix.FanotifyInit(
		unix.FAN_CLASS_CONTENT|unix.FAN_CLOEXEC|unix.FAN_NONBLOCK,
		unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC,
	)
	if err != nil {
		return nil, fmt.Errorf("fanotify_init: %w", err)
	}

	for _, p := range paths {
		err := unix.FanotifyMark(fd,
			unix.FAN_MARK_ADD|unix.FAN_MARK_MOUNT,
			unix.FAN_OPEN_PERM|unix.FAN_CLOSE_WRITE,
			unix.AT_FDCWD, p)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("fanotify_mark %s: %w", p, err)
		}
	}

	return &Fanotify{
		paths:  paths,
		file:   os.NewFile(uintptr(fd), "fanotify"),
		events: make(chan *Event, 4096),
		logger: logger.With("component", "fanotify"),
		self:   os.Getpid(),
	}, nil
}

func (f *Fanotify) Name() string            { return "fanotify" }
func (f *Fanotify) PermissionCapable() bool { return true }
func (f *Fanotify) Events() <-chan *Event   { return f.events }

func (f *Fanotify) Start(ctx context.Context) error {
	go f.readLoop()
	go func() {
		<-ctx.Done()
		f.Close()
	}()
	f.logger.Info("fanotify attached", "paths", f.paths)
	return nil
}

func (f *Fanotify) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.file.Close()
	})
	return err
}

func (f *Fanotify) readLoop() {
	defer close(f.events)

	buf := make([]byte, 64*1024)
	for {
		n, err := f.file.Read(buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				f.logger.Error("fanotify read failed", "error", err)
			}
			return
		}
		if err := f.parse(buf[:n]); err != nil {
			f.logger.Error("fanotify stream corrupt", "error", err)
			return
		}
	}
}

func (f *Fanotify) parse(buf []byte) error {
	for off := 0; off+metadataSize <= len(buf); {
		var meta unix.FanotifyEventMetadata
		if err := binary.Read(bytes.NewReader(buf[off:off+metadataSize]), binary.NativeEndian, &meta); err != nil {
			return err
		}
		if meta.Vers != unix.FANOTIFY_METADATA_VERSION {
			return fmt.Errorf("unexpected metadata version %d", meta.Vers)
		}
		if int(meta.Event_len) < metadataSize {
			return fmt.Errorf("short event length %d", meta.Event_len)
		}
		off += int(meta.Event_len)
		f.handle(meta)
	}
	return nil
}

func (f *Fanotify) handle(meta unix.FanotifyEventMetadata) {
	if meta.Mask&unix.FAN_Q_OVERFLOW != 0 {
		f.logger.Warn("fanotify queue overflow")
		for _, p := range f.paths {
			f.events <- NewEvent(p, OpOverflow)
		}
		return
	}

	fd := int(meta.Fd)
	perm := meta.Mask&unix.FAN_OPEN_PERM != 0

	path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
	if err != nil || int(meta.Pid) == f.self {
		if perm {
			f.respond(fd, true)
		}
		unix.Close(fd)
		return
	}

	var op Op
	if meta.Mask&unix.FAN_OPEN_PERM != 0 {
		op |= OpOpen
	}
	if meta.Mask&unix.FAN_CLOSE_WRITE != 0 {
		op |= OpWrite
	}

	if !perm {
		unix.Close(fd)
		ev := NewEvent(path, op)
		ev.Pid = int(meta.Pid)
		f.events <- ev
		return
	}

	ev := NewPermissionEvent(path, op, func(allow bool) error {
		defer unix.Close(fd)
		return f.respond(fd, allow)
	})
	ev.Pid = int(meta.Pid)
	f.events <- ev
}

func (f *Fanotify) respond(fd int, allow bool) error {
	resp := unix.FanotifyResponse{Fd: int32(fd), Response: unix.FAN_DENY}
	if allow {
		resp.Response = unix.FAN_ALLOW
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, resp); err != nil {
		return err
	}
	if _, err := f.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing fanotify response: %w", err)
	}
	return nil
}
