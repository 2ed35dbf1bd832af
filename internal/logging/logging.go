// Package logging provides the kernel's structured log output. It mirrors
// Kernel design note §7: diagnostics always go to the serial port, and in
// verbose mode also to the framebuffer terminal.
//
// This is an exercise in wiring slog.Handler the way smoynes-elsie's
// internal/log package does, adapted from a single-writer terminal logger
// to the kernel's dual-sink requirement.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"mkcore/internal/circbuf"
)

// RingSink backs the serial log sink with a bounded ring buffer
// (internal/circbuf), the way a UART's TX path both transmits and keeps
// a short backlog: every write goes straight through to the underlying
// device and is also retained, oldest-first, so a panic dump can attach
// recent log history even after the framebuffer is gone.
type RingSink struct {
	ring *circbuf.Buf_t
	out  io.Writer
}

// NewRingSink wraps out with a capacity-byte retained backlog.
func NewRingSink(out io.Writer, capacity int) *RingSink {
	ring := &circbuf.Buf_t{}
	ring.Init(capacity)
	return &RingSink{ring: ring, out: out}
}

func (s *RingSink) Write(p []byte) (int, error) {
	s.ring.Write(p)
	return s.out.Write(p)
}

// History drains the retained backlog.
func (s *RingSink) History() []byte {
	buf := make([]byte, s.ring.Len())
	s.ring.Read(buf)
	return buf
}

// Handler implements slog.Handler, writing a terse one-line-per-record
// format to a mandatory serial writer and, when verbose, also to a
// framebuffer writer.
type Handler struct {
	mu       *sync.Mutex
	serial   io.Writer
	fb       io.Writer // nil unless verbose
	level    slog.Leveler
	attrs    []slog.Attr
	groupPfx string
}

// NewHandler builds a Handler. fb may be nil; nil means "not verbose",
// matching the boot handoff record's Verbose flag.
func NewHandler(serial, fb io.Writer, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{mu: &sync.Mutex{}, serial: serial, fb: fb, level: level}
}

// NewLogger wraps NewHandler in a *slog.Logger for direct use.
func NewLogger(serial, fb io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(NewHandler(serial, fb, level))
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	line := fmt.Sprintf("[%s] %s%s", r.Level.String(), h.groupPfx, r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	line += "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	io.WriteString(h.serial, line)
	if h.fb != nil {
		io.WriteString(h.fb, line)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.groupPfx = h.groupPfx + name + "."
	return &nh
}

// SetVerbose toggles the framebuffer sink at runtime, matching the handoff
// record's verbose flag being read once at boot but the terminal driver
// attaching later.
func (h *Handler) SetVerbose(fb io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fb = fb
}
