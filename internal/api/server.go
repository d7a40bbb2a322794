package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"PayRelay/internal/auth"
	"PayRelay/internal/grant"
	"PayRelay/internal/group"
	"PayRelay/internal/observability/metrics"
	"PayRelay/internal/relay"
	"PayRelay/internal/split"
	"PayRelay/pkg/logger"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Dependencies 汇总 API 依赖的业务服务。Splits 与 Groups 为空时对应路由返回 503。
type Dependencies struct {
	Executor *relay.Executor
	Grants   *grant.Registry
	Splits   *split.Service
	Groups   *group.Coordinator
	Auth     *auth.Service
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	executor *relay.Executor
	grants   *grant.Registry
	splits   *split.Service
	groups   *group.Coordinator
	auth     *auth.Service
	log      *slog.Logger
	router   http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	s := &Server{
		addr:     addr,
		executor: deps.Executor,
		grants:   deps.Grants,
		splits:   deps.Splits,
		groups:   deps.Groups,
		auth:     deps.Auth,
		log:      logger.Named("api"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler 返回配置好的路由。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "paused": s.executor != nil && s.executor.Paused()})
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Authenticate)

		api.With(s.auth.RequireRoles(auth.RoleRelayer)).Post("/executions", s.handleExecute)
		api.Get("/executions/{paymentID}", s.handleGetExecution)

		api.With(s.auth.RequireRoles(auth.RoleOwner, auth.RoleOperator)).Post("/grants", s.handleCreateGrant)
		api.Get("/grants", s.handleListGrants)
		api.Get("/grants/{grantID}", s.handleGetGrant)
		api.Get("/grants/{grantID}/executions", s.handleListExecutions)
		api.With(s.auth.RequireRoles(auth.RoleOwner)).Post("/grants/{grantID}/revoke", s.handleRevokeGrant)

		api.Group(func(ops chi.Router) {
			ops.Use(s.auth.RequireRoles(auth.RoleOperator))
			ops.Put("/orders/{orderID}/split", s.handleConfigureSplit)
			ops.Get("/orders/{orderID}/split", s.handleGetSplit)
			ops.Post("/orders/{orderID}/settle", s.handleSettle)
			ops.Post("/orders/{orderID}/proof", s.handleProof)
			ops.Post("/orders/{orderID}/dispute", s.handleDispute)
			ops.Post("/orders/{orderID}/resolve", s.handleResolve)

			ops.Post("/groups", s.handleCreateGroup)
			ops.Get("/groups/{groupID}", s.handleGetGroup)
			ops.Post("/groups/{groupID}/run", s.handleRunGroup)
			ops.Post("/groups/{groupID}/legs/{index}", s.handleReportLeg)

			ops.Post("/relay/pause", s.handlePause)
			ops.Post("/relay/resume", s.handleResume)
		})

		api.Get("/balances/{payee}", s.handleBalance)
		api.Post("/balances/{payee}/claim", s.handleClaim)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

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

// withContext 在根上下文取消后拒绝新请求。
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

// observe 按路由模板记录请求指标。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}
