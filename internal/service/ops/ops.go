package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/protocol/session"
	"romer_sequencer/internal/repository/block"
	"romer_sequencer/internal/service/chain"
	"romer_sequencer/internal/service/server"
	"romer_sequencer/internal/utils/log"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type (
	SessionSource interface {
		Snapshots() []session.Session
	}

	ConnectionSource interface {
		Connections() []server.ConnectionStats
	}

	RecentSource interface {
		Recent(ctx context.Context) ([]*model.BlockSummary, error)
	}

	// HttpServer is the operator surface: health, metrics, live sessions and
	// read access to the chain.
	HttpServer struct {
		addr     string
		sessions SessionSource
		conns    ConnectionSource
		store    block.Store
		recent   RecentSource
		hub      *Hub
	}

	blockView struct {
		Block  *model.Block `json:"block"`
		Valid  bool         `json:"valid"`
		Linked bool         `json:"linked"`
	}
)

func NewHttpServer(addr string, sessions SessionSource, conns ConnectionSource, store block.Store, hub *Hub) *HttpServer {
	return &HttpServer{
		addr:     addr,
		sessions: sessions,
		conns:    conns,
		store:    store,
		hub:      hub,
	}
}

// SetRecent enables /blocks/recent; it is backed by the redis tip mirror.
func (s *HttpServer) SetRecent(r RecentSource) {
	s.recent = r
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.Health()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.ListSessions()).Methods(http.MethodGet)
	r.HandleFunc("/connections", s.ListConnections()).Methods(http.MethodGet)
	r.HandleFunc("/blocks", s.ListBlocks()).Methods(http.MethodGet)
	r.HandleFunc("/blocks/tip", s.GetTip()).Methods(http.MethodGet)
	r.HandleFunc("/blocks/recent", s.GetRecent()).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{id:[0-9]+}", s.GetBlock()).Methods(http.MethodGet)
	if s.hub != nil {
		r.HandleFunc("/ws/blocks", s.hub.HandleWS()).Methods(http.MethodGet)
	}
	return r
}

// Run serves until ctx is done.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ops server started", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":   "ok",
			"sessions": len(s.sessions.Snapshots()),
		}
		tip, err := s.store.Tip(r.Context())
		switch {
		case err == nil:
			resp["height"] = tip.Header.ID
			resp["tip"] = tip.Hash
		case !errors.Is(err, block.ErrNotFound):
			log.Error("health: read tip failed", zap.Error(err))
			resp["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *HttpServer) ListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.sessions.Snapshots())
	}
}

func (s *HttpServer) ListConnections() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.conns == nil {
			writeJSON(w, http.StatusOK, []server.ConnectionStats{})
			return
		}
		writeJSON(w, http.StatusOK, s.conns.Connections())
	}
}

func (s *HttpServer) ListBlocks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var from uint64
		if v := q.Get("from"); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				http.Error(w, "from must be a block id", http.StatusBadRequest)
				return
			}
			from = n
		}
		limit := defaultPageSize
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be positive", http.StatusBadRequest)
				return
			}
			limit = min(n, maxPageSize)
		}

		blocks, err := s.store.Range(r.Context(), from, limit)
		if err != nil {
			log.Error("list blocks failed", zap.Error(err))
			http.Error(w, "list blocks failed", http.StatusInternalServerError)
			return
		}
		summaries := make([]model.BlockSummary, 0, len(blocks))
		for _, b := range blocks {
			summaries = append(summaries, b.Summary())
		}
		writeJSON(w, http.StatusOK, summaries)
	}
}

func (s *HttpServer) GetTip() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tip, err := s.store.Tip(r.Context())
		if errors.Is(err, block.ErrNotFound) {
			http.Error(w, "chain is empty", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("read tip failed", zap.Error(err))
			http.Error(w, "read tip failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, tip.Summary())
	}
}

func (s *HttpServer) GetRecent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.recent == nil {
			http.Error(w, "recent block mirror is disabled", http.StatusServiceUnavailable)
			return
		}
		recent, err := s.recent.Recent(r.Context())
		if err != nil {
			log.Error("read recent blocks failed", zap.Error(err))
			http.Error(w, "read recent blocks failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, recent)
	}
}

// GetBlock returns the block with its hash checked and, past genesis, its
// link to the previous block.
func (s *HttpServer) GetBlock() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			http.Error(w, "invalid block id", http.StatusBadRequest)
			return
		}

		b, err := s.store.Get(ctx, id)
		if errors.Is(err, block.ErrNotFound) {
			http.Error(w, "block does not exist", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("get block failed", zap.Uint64("id", id), zap.Error(err))
			http.Error(w, "get block failed", http.StatusInternalServerError)
			return
		}

		view := blockView{Block: b, Valid: chain.VerifyBlock(b)}
		if id == 0 {
			view.Linked = b.Header.PreviousHash == model.GenesisHash
		} else if prev, err := s.store.Get(ctx, id-1); err == nil {
			view.Linked = chain.VerifyLink(prev, b)
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "marshal response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
