// Package storage 插件状态（Cookie、localStorage 快照）的持久化后端。
package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"cdpplug/internal/logger"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("snapshot not found")

// Store 按键保存快照
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	// Load 键不存在时返回 ErrNotFound
	Load(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// Hash 快照内容摘要，监视模式据此判断是否需要写入
func Hash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Options 持久化后端配置
type Options struct {
	Backend string
	Dir     string
	Dsn     string
	Prefix  string
}

// Open 按配置打开持久化后端
func Open(opts Options, l logger.Logger) (Store, error) {
	switch opts.Backend {
	case "", "file":
		return NewFileStore(opts.Dir)
	case "sqlite":
		return NewSQLiteStore(opts.Dsn, opts.Prefix, l)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
