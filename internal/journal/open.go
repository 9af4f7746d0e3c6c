package journal

import (
	"context"
	"fmt"

	"OpenGuardian/internal/config"
	xerrors "OpenGuardian/internal/errors"
)

// Open 按配置创建日志存储。
func Open(ctx context.Context, cfg config.JournalConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "mysql":
		store, err := NewMySQLStore(ctx, MySQLConfig{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			AutoMigrate:     cfg.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的日志存储驱动 %s", cfg.Driver))
	}
}
