package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/journal"
	"OpenGuardian/internal/observability/metrics"
	"OpenGuardian/pkg/logger"
)

// QueueReporter 提供守护者各通道的待处理条目数。
type QueueReporter interface {
	Name() string
	Pending() map[string]int
}

// Server 负责暴露守护者的只读状态接口。
type Server struct {
	addr      string
	journal   journal.Store
	reporters []QueueReporter
	token     string
	started   time.Time
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithReporters 在健康检查中附带守护者队列长度。
func WithReporters(reporters ...QueueReporter) Option {
	return func(s *Server) {
		s.reporters = append(s.reporters, reporters...)
	}
}

// WithToken 要求 /api/v1 下的请求携带 Bearer 令牌。
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, store journal.Store, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		journal: store,
		started: time.Now(),
		logger:  logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", instrument("/healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/api/v1/journal", instrument("/api/v1/journal", requireToken(s.token, http.HandlerFunc(s.handleListJournal))))
	mux.Handle("/api/v1/journal/", instrument("/api/v1/journal/{id}", requireToken(s.token, http.HandlerFunc(s.handleJournalDetail))))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("状态 API 已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Uptime    string                    `json:"uptime"`
	Guardians map[string]map[string]int `json:"guardians,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	}
	if len(s.reporters) > 0 {
		resp.Guardians = make(map[string]map[string]int, len(s.reporters))
		for _, rep := range s.reporters {
			resp.Guardians[rep.Name()] = rep.Pending()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type listResponse struct {
	Records []*journal.Record `json:"records"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.journal == nil {
		http.Error(w, "反应日志未初始化", http.StatusServiceUnavailable)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := s.journal.List(r.Context(), opts)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if records == nil {
		records = []*journal.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{Records: records, Limit: opts.Limit, Offset: opts.Offset})
}

func (s *Server) handleJournalDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.journal == nil {
		http.Error(w, "反应日志未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/journal/"), "/")
	if id == "" {
		http.Error(w, "缺少记录 ID", http.StatusBadRequest)
		return
	}
	if id == "stats" {
		s.handleStats(w, r)
		return
	}
	record, err := s.journal.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := s.journal.Stats(r.Context(), opts)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if xerrors.CodeOf(err) == journal.CodeRecordNotFound {
		http.Error(w, "记录不存在", http.StatusNotFound)
		return
	}
	s.logger.Error("查询反应日志失败",
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// listOptions 解析查询参数：limit、offset、status（逗号分隔）、guardian、channel、q。
func listOptions(r *http.Request) (journal.ListOptions, error) {
	q := r.URL.Query()
	limit := 20
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			offset = parsed
		}
	}
	opts := []journal.ListOption{
		journal.WithLimit(limit),
		journal.WithOffset(offset),
		journal.WithGuardian(q.Get("guardian")),
		journal.WithChannel(q.Get("channel")),
		journal.WithQuery(q.Get("q")),
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []journal.Status
		for _, part := range strings.Split(raw, ",") {
			st := journal.Status(strings.ToLower(strings.TrimSpace(part)))
			if st == "" {
				continue
			}
			if !journal.IsValidStatus(st) {
				return journal.ListOptions{}, stdErrors.New("未知的状态 " + string(st))
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, journal.WithStatuses(statuses...))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, journal.WithSortOrder(journal.SortByUpdatedAsc))
	}
	return journal.NewListOptions(opts...), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录请求数与耗时。
func instrument(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		handler.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
