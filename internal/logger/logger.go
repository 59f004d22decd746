package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 项目统一日志接口
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	// Err 记录带错误对象的日志
	Err(err error, msg string, kv ...any)
	// With 返回附带固定字段的子日志器
	With(kv ...any) Logger
}

// Options 日志配置
type Options struct {
	Level      string
	Writer     []string // console / file
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type zeroLogger struct {
	z zerolog.Logger
}

// New 根据配置创建 zerolog 日志器
func New(opts Options) (Logger, error) {
	var writers []io.Writer
	for _, w := range opts.Writer {
		switch strings.ToLower(w) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		case "file":
			if opts.File == "" {
				return nil, fmt.Errorf("log file path is empty")
			}
			if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
				Compress:   opts.Compress,
			})
		default:
			return nil, fmt.Errorf("unknown log writer %q", w)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	z := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zeroLogger{z: z}, nil
}

// NewWriter 创建写入指定 io.Writer 的日志器（测试与嵌入场景）
func NewWriter(w io.Writer, level zerolog.Level) Logger {
	return &zeroLogger{z: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// NewNop 创建丢弃所有输出的日志器
func NewNop() Logger {
	return &zeroLogger{z: zerolog.Nop()}
}

func (l *zeroLogger) Debug(msg string, kv ...any) { fields(l.z.Debug(), kv).Msg(msg) }
func (l *zeroLogger) Info(msg string, kv ...any)  { fields(l.z.Info(), kv).Msg(msg) }
func (l *zeroLogger) Warn(msg string, kv ...any)  { fields(l.z.Warn(), kv).Msg(msg) }
func (l *zeroLogger) Error(msg string, kv ...any) { fields(l.z.Error(), kv).Msg(msg) }

func (l *zeroLogger) Err(err error, msg string, kv ...any) {
	fields(l.z.Error().Err(err), kv).Msg(msg)
}

func (l *zeroLogger) With(kv ...any) Logger {
	if len(kv)%2 != 0 {
		kv = append(kv, "BAD_VALUE")
	}
	ctx := l.z.With()
	for i := 0; i < len(kv); i += 2 {
		ctx = ctx.Interface(keyOf(kv[i], i), kv[i+1])
	}
	return &zeroLogger{z: ctx.Logger()}
}

// fields 将键值对写入事件，奇数个参数时补齐占位值
func fields(e *zerolog.Event, kv []any) *zerolog.Event {
	if len(kv)%2 != 0 {
		kv = append(kv, "BAD_VALUE")
	}
	for i := 0; i < len(kv); i += 2 {
		key := keyOf(kv[i], i)
		if err, ok := kv[i+1].(error); ok && (key == "error" || key == "err") {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func keyOf(k any, i int) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprintf("BAD_KEY_%d", i)
}
