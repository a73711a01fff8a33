package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"l2_trader/internal/domain"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink appends JSON lines to a size-rotated file.
type FileSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	enc *json.Encoder
}

// NewFileSink writes to path, rotating at maxSizeMB and keeping maxBackups.
func NewFileSink(path string, maxSizeMB, maxBackups int) *FileSink {
	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	return &FileSink{out: out, enc: json.NewEncoder(out)}
}

func (s *FileSink) Emit(_ context.Context, ev domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

// MultiSink fans events out to every sink. All sinks are attempted.
type MultiSink []domain.AuditSink

func (m MultiSink) Emit(ctx context.Context, ev domain.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory, for tests and dry runs.
type MemorySink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (m *MemorySink) Emit(_ context.Context, ev domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Events returns a copy of everything emitted so far.
func (m *MemorySink) Events() []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEvent(nil), m.events...)
}

// OfKind returns the events of one kind in emission order.
func (m *MemorySink) OfKind(kind domain.AuditKind) []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEvent
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Kinds returns the kinds in emission order.
func (m *MemorySink) Kinds() []domain.AuditKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditKind, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Kind
	}
	return out
}
