//go:build !linux

package monitor

import (
	"context"
	"log/slog"
)

// Fanotify is only available on Linux.
type Fanotify struct{}

// NewFanotify always fails on this platform.
func NewFanotify(paths []string, logger *slog.Logger) (*Fanotify, error) {
	return nil, ErrUnsupported
}

func (f *Fanotify) Name() string                    { return "fanotify" }
func (f *Fanotify) PermissionCapable() bool         { return false }
func (f *Fanotify) Start(ctx context.Context) error { return ErrUnsupported }
func (f *Fanotify) Events() <-chan *Event           { return nil }
func (f *Fanotify) Close() error                    { return nil }
