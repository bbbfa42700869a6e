package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig mirrors warnings and errors into an operator chat.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./pewcast.log"

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})
}

// Service owns the sinks and swaps them on Apply. Loggers obtained from it
// pick up the new sinks without being recreated.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	file     *os.File
	filePath string
	chat     *chatMirror
}

// New builds the service, applies cfg and returns the root Logger. sink
// may be nil; chat mirroring is then skipped.
func New(cfg Config, sink ChatSink) (*Service, Logger) {
	setGlobals()
	s := &Service{chat: newChatMirror(sink)}
	boot := zerolog.New(consoleWriter(stdout)).Level(parseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps level and sinks. The log file is reopened only when its path
// changes. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(stdout))
	}
	if w := s.applyFile(cfg.File); w != nil {
		writers = append(writers, w)
	}
	if s.chat.apply(cfg.Telegram) {
		writers = append(writers, s.chat)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// applyFile must be called with s.mu held.
func (s *Service) applyFile(fc FileConfig) io.Writer {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	if !fc.Enabled || path != s.filePath {
		if s.file != nil {
			_ = s.file.Close()
			s.file, s.filePath = nil, ""
		}
	}
	if !fc.Enabled {
		return nil
	}
	if s.file == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(stderr, "logx: open log file %q: %v\n", path, err)
			return nil
		}
		s.file, s.filePath = f, path
	}
	return zerolog.SyncWriter(s.file)
}

// Close stops the chat mirror and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat.close()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}
