package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/icp-miner/internal/mining"
	"github.com/sells-group/icp-miner/internal/model"
	"github.com/sells-group/icp-miner/internal/monitoring"
	"github.com/sells-group/icp-miner/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initMiner(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env.Dispatcher, env.Store, collector, baseOptions(), cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

type profileLister interface {
	ListProfiles(ctx context.Context, filter store.ProfileFilter) ([]model.MiningProfile, error)
}

type snapshotter interface {
	Collect(ctx context.Context, perSite bool) (*monitoring.MetricsSnapshot, error)
}

// mineRequest is the POST /v1/mine body. Exactly one of ProfileID and
// SiteID must be set; zero bounds fall back to defaults.
type mineRequest struct {
	ProfileID     string `json:"profile_id"`
	SiteID        string `json:"site_id"`
	UserID        string `json:"user_id"`
	PageSize      int    `json:"page_size"`
	TargetMatches int    `json:"target_matches"`
	MaxPages      int    `json:"max_pages"`
}

func (r mineRequest) toDispatch(defaults mining.Options) (mining.Request, error) {
	var target mining.Target
	switch {
	case r.ProfileID != "" && r.SiteID != "":
		return mining.Request{}, eris.New("set only one of profile_id and site_id")
	case r.ProfileID != "":
		target = mining.SingleTarget{ProfileID: r.ProfileID}
	case r.SiteID != "":
		target = mining.PoolTarget{SiteID: r.SiteID}
	default:
		return mining.Request{}, eris.New("profile_id or site_id is required")
	}

	opts := defaults
	opts.UserID = r.UserID
	if r.PageSize > 0 {
		opts.PageSize = r.PageSize
	}
	if r.TargetMatches > 0 {
		opts.TargetMatches = r.TargetMatches
	}
	if r.MaxPages > 0 {
		opts.MaxPages = r.MaxPages
	}
	return mining.Request{Target: target, Options: opts}, nil
}

// newRouter builds the trigger API. Invocations run synchronously; each is
// bounded by its page budget.
func newRouter(d dispatcher, profiles profileLister, snaps snapshotter, defaults mining.Options, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/mine", func(w http.ResponseWriter, req *http.Request) {
			var body mineRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			dreq, err := body.toDispatch(defaults)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			res, err := d.Dispatch(req.Context(), dreq)
			switch {
			case errors.Is(err, mining.ErrProfileNotFound):
				writeError(w, http.StatusNotFound, "profile not found")
				return
			case err != nil:
				zap.L().Error("api: dispatch failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "dispatch failed")
				return
			}
			writeJSON(w, http.StatusOK, res)
		})

		r.Get("/profiles", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			filter := store.ProfileFilter{
				SiteID: q.Get("site_id"),
				Status: model.ProfileStatus(q.Get("status")),
			}
			if v := q.Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
					return
				}
				filter.Limit = n
			}
			if v := q.Get("offset"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
					return
				}
				filter.Offset = n
			}

			list, err := profiles.ListProfiles(req.Context(), filter)
			if err != nil {
				zap.L().Error("api: list profiles failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "list profiles failed")
				return
			}
			if list == nil {
				list = []model.MiningProfile{}
			}
			writeJSON(w, http.StatusOK, list)
		})

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			snap, err := snaps.Collect(req.Context(), req.URL.Query().Get("sites") == "true")
			if err != nil {
				zap.L().Error("api: collect status failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "collect status failed")
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
