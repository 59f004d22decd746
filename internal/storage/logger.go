package storage

import (
	"context"
	"errors"
	"time"

	logger2 "cdpplug/internal/logger"

	"gorm.io/gorm/logger"
)

type opKey struct{}

type op struct {
	name string
	key  string
}

// withOp 在 ctx 上标注当前快照操作，SQL 日志据此带上键名
func withOp(ctx context.Context, name, key string) context.Context {
	return context.WithValue(ctx, opKey{}, op{name: name, key: key})
}

func opFields(ctx context.Context) []any {
	if o, ok := ctx.Value(opKey{}).(op); ok {
		return []any{"op", o.name, "key", o.key}
	}
	return nil
}

// GormLogger 把 GORM 日志转接到项目日志器
type GormLogger struct {
	logger2.Logger
	LogLevel logger.LogLevel
	// SlowThreshold 超过该耗时记为慢查询
	SlowThreshold time.Duration
}

// NewGormLogger 创建 GormLogger，默认只记录告警及以上
func NewGormLogger(l logger2.Logger) *GormLogger {
	return &GormLogger{
		Logger:        l,
		LogLevel:      logger.Warn,
		SlowThreshold: 200 * time.Millisecond,
	}
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.Logger.Info(msg, append(opFields(ctx), "data", data)...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.Logger.Warn(msg, append(opFields(ctx), "data", data)...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.Logger.Error(msg, append(opFields(ctx), "data", data)...)
	}
}

// Trace 记录 SQL 执行情况
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := append(opFields(ctx),
		"sql", sql,
		"rows", rows,
		"timeMs", float64(elapsed.Nanoseconds())/1e6,
	)

	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound) && l.LogLevel >= logger.Error:
		l.Logger.Err(err, "快照 SQL 执行失败", fields...)
	case l.SlowThreshold > 0 && elapsed > l.SlowThreshold && l.LogLevel >= logger.Warn:
		l.Logger.Warn("快照 SQL 慢查询", append(fields, "threshold", l.SlowThreshold.String())...)
	case l.LogLevel == logger.Info:
		l.Logger.Debug("快照 SQL", fields...)
	}
}
