package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	fileBufferSize    = 100
	fileFlushInterval = time.Second
)

// FileConfig represents audit file sink configuration
type FileConfig struct {
	// Path is the path to the audit log file
	Path string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultFileConfig returns default audit file configuration
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Path:       "logs/security-audit.log",
		MaxSize:    100, // megabytes
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
}

// FileSink writes events as JSON lines to a rotating file. Events are buffered and
// flushed every second, when the buffer fills, or on Sync/Close.
type FileSink struct {
	out    *zap.Logger
	rotate *lumberjack.Logger

	mu      sync.Mutex
	buffer  []*Event
	closed  bool
	stopCh  chan struct{}
	stopped chan struct{}
}

func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit file path is required")
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "logged_at",
		MessageKey:     "event_type",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}
	rotate := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	// Audit logs are always INFO level, append-only
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotate), zapcore.InfoLevel)

	s := &FileSink{
		out:     zap.New(core),
		rotate:  rotate,
		buffer:  make([]*Event, 0, fileBufferSize),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.autoFlush()
	return s, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Record(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("audit file sink closed")
	}
	s.buffer = append(s.buffer, event)
	if len(s.buffer) >= fileBufferSize {
		s.flushLocked()
	}
	return nil
}

// flushLocked writes buffered events (caller must hold lock)
func (s *FileSink) flushLocked() {
	for _, e := range s.buffer {
		fields := []zap.Field{
			zap.String("id", e.ID),
			zap.Time("timestamp", e.Timestamp),
			zap.String("category", string(e.Category)),
			zap.String("result", string(e.Result)),
			zap.String("actor", e.Actor),
		}
		if e.SourceIP != "" {
			fields = append(fields, zap.String("source_ip", e.SourceIP))
		}
		if e.UserAgent != "" {
			fields = append(fields, zap.String("user_agent", e.UserAgent))
		}
		if e.RequestID != "" {
			fields = append(fields, zap.String("request_id", e.RequestID))
		}
		if e.DataSubject != "" {
			fields = append(fields, zap.String("data_subject", e.DataSubject))
		}
		if e.Resource != "" {
			fields = append(fields, zap.String("resource", e.Resource), zap.String("action", e.Action))
		}
		if e.Details != "" {
			fields = append(fields, zap.String("details", e.Details))
		}
		if len(e.Metadata) > 0 {
			fields = append(fields, zap.Any("metadata", e.Metadata))
		}
		s.out.Info(string(e.EventType), fields...)
	}
	s.buffer = s.buffer[:0]
}

func (s *FileSink) autoFlush() {
	defer close(s.stopped)
	ticker := time.NewTicker(fileFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.flushLocked()
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// Sync flushes buffered events to disk.
func (s *FileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	return s.out.Sync()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.stopped

	if err := s.Sync(); err != nil {
		return fmt.Errorf("failed to flush audit log: %w", err)
	}
	return s.rotate.Close()
}
