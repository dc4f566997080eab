package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	fileWriter    *lumberjack.Logger
)

// Options - настройки логгера
type Options struct {
	Level string
	JSON  bool
	// File - путь к файлу с ротацией; пусто - только stdout
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init инициализирует глобальный логгер
func Init(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	var out io.Writer = os.Stdout
	if opts.File != "" {
		if fileWriter != nil {
			fileWriter.Close()
		}
		fileWriter = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, fileWriter)
	}

	defaultLogger = New(out, opts.Level, opts.JSON)
	slog.SetDefault(defaultLogger)
}

// New создает логгер поверх произвольного writer (удобно в тестах)
func New(w io.Writer, level string, json bool) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get возвращает дефолтный логгер
func Get() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		Init(Options{Level: "info"})
		mu.RLock()
		l = defaultLogger
		mu.RUnlock()
	}
	return l
}

// WithContext возвращает логгер с контекстными значениями
func WithContext(ctx context.Context) *slog.Logger {
	if id := OpID(ctx); id != "" {
		return Get().With("op_id", id)
	}
	return Get()
}

type opIDKey struct{}

// ContextWithOpID кладет идентификатор операции в контекст
func ContextWithOpID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, opIDKey{}, id)
}

// OpID достает идентификатор операции из контекста
func OpID(ctx context.Context) string {
	id, _ := ctx.Value(opIDKey{}).(string)
	return id
}

// Close закрывает файл логов, если он открыт
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

// Info логирует на уровне info
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug логирует на уровне debug
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn логирует на уровне warn
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error логирует на уровне error
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Fatal логирует на уровне error и завершает программу
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With возвращает логгер с заданными атрибутами
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
