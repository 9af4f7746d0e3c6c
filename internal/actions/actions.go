// Package actions 提供任务输出可直接使用的内置动作：POST 与 log。
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/registry"
	"OpenGuardian/pkg/logger"
)

const (
	// MethodPOST 将数据以 JSON 形式 POST 到 action.url。
	MethodPOST = "POST"
	// MethodLog 将数据写入审计日志。
	MethodLog = "log"

	defaultTimeout = 10 * time.Second
)

const (
	CodeRequestFailed xerrors.Code = "ACTION_REQUEST_FAILED"
	CodeBadStatus     xerrors.Code = "ACTION_BAD_STATUS"
)

func init() {
	xerrors.Register(CodeRequestFailed, xerrors.Attributes{
		Message:   "action request failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeBadStatus, xerrors.Attributes{
		Message:  "action endpoint returned error status",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Options 配置内置动作。
type Options struct {
	Client *http.Client
	Logger *slog.Logger
}

// Register 在注册表上注册 POST 与 log 动作。
func Register(reg *registry.Registry, opts Options) error {
	if err := reg.Register(MethodPOST, Post(opts.Client)); err != nil {
		return err
	}
	return reg.Register(MethodLog, Log(opts.Logger))
}

// Post 返回 POST 动作。每次派发发送一次请求，请求体是 JSON 编码的数据。
// action.headers 为附加请求头，action.timeout 覆盖默认超时。
func Post(client *http.Client) registry.Action {
	if client == nil {
		client = &http.Client{}
	}
	return func(ctx context.Context, data any, md registry.Metadata) error {
		url, ok := md.String("url")
		if !ok || url == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "POST 动作缺少 url")
		}
		body, err := json.Marshal(data)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "POST 动作的数据无法编码")
		}

		timeout := defaultTimeout
		if d, ok := md.Duration("timeout"); ok && d > 0 {
			timeout = d
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("无效的 url %q", url))
		}
		req.Header.Set("Content-Type", "application/json")
		if md.Network != "" {
			req.Header.Set("X-Guardian-Network", md.Network)
		}
		if headers, ok := md.Action["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.Header.Set(k, fmt.Sprint(v))
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return xerrors.Wrap(CodeRequestFailed, err, fmt.Sprintf("请求 %s 失败", url))
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return xerrors.New(CodeBadStatus, fmt.Sprintf("%s 返回状态码 %d", url, resp.StatusCode),
				xerrors.WithRetryable(resp.StatusCode >= 500))
		}
		return nil
	}
}

// Log 返回日志动作。action.level 可选 debug/info/warn/error，默认 info。
func Log(l *slog.Logger) registry.Action {
	return func(ctx context.Context, data any, md registry.Metadata) error {
		log := l
		if log == nil {
			log = logger.Audit()
		}
		level := slog.LevelInfo
		if s, ok := md.String("level"); ok {
			if err := level.UnmarshalText([]byte(s)); err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("未知的日志级别 %q", s))
			}
		}
		message := "任务输出"
		if s, ok := md.String("message"); ok && s != "" {
			message = s
		}
		log.Log(ctx, level, message,
			slog.String("network", md.Network),
			slog.Any("data", data),
		)
		return nil
	}
}
