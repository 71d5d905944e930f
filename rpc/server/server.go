package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ValentinKolb/epcache/lib/ep"
	"github.com/ValentinKolb/epcache/rpc/common"
	"github.com/go-chi/chi/v5"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc")

// blockedOpTimeout bounds how long a request waits on a WouldBlock
// (pending partition or background fetch) before giving up.
const blockedOpTimeout = 5 * time.Second

// --------------------------------------------------------------------------
// Cookies
// --------------------------------------------------------------------------

// httpCookie parks one request until the store signals completion.
type httpCookie struct {
	ch chan ep.Status
}

func newHTTPCookie() *httpCookie {
	return &httpCookie{ch: make(chan ep.Status, 1)}
}

// wait blocks for the store's notification or the timeout.
func (c *httpCookie) wait() (ep.Status, bool) {
	select {
	case status := <-c.ch:
		return status, true
	case <-time.After(blockedOpTimeout):
		return ep.StatusTmpFail, false
	}
}

// notifier implements ep.ServerAPI on top of the request cookies.
type notifier struct{}

func (notifier) NotifyIOComplete(cookie ep.Cookie, status ep.Status) {
	if c, ok := cookie.(*httpCookie); ok {
		select {
		case c.ch <- status:
		default:
		}
	}
}

// NewNotifier returns the ServerAPI implementation the store must be
// created with for this server to resume blocked requests.
func NewNotifier() ep.ServerAPI { return notifier{} }

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// Server is the HTTP front-end over an ep.Store.
type Server struct {
	config common.ServerConfig
	store  *ep.Store
}

// NewServer creates a server for a running store.
//
// Usage:
//
//	s := server.NewServer(config, store)
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewServer(config common.ServerConfig, store *ep.Store) *Server {
	Logger.Infof("Created HTTP Server")
	Logger.Infof(config.String())
	return &Server{config: config, store: store}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/kv/{vbucket}/{key}", s.handleGet)
	r.Put("/kv/{vbucket}/{key}", s.handleSet)
	r.Delete("/kv/{vbucket}/{key}", s.handleDel)
	r.Post("/kv/{vbucket}/{key}/evict", s.handleEvict)

	r.Post("/partitions/{id}/state", s.handleSetState)
	r.Delete("/partitions/{id}", s.handleDeletePartition)

	r.Get("/stats", s.handleStats)
	r.Get("/metrics", s.handleMetrics)

	return r
}

// Serve runs the HTTP server until SIGINT/SIGTERM, then shuts the store
// down cleanly.
func (s *Server) Serve() error {
	srv := &http.Server{Addr: s.config.Endpoint, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		Logger.Infof("Listening on %s", s.config.Endpoint)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		Logger.Infof("Received signal %v, shutting down", sig)
	}

	_ = srv.Close()
	return s.store.Close()
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

// vbucketParam parses the {vbucket} route parameter.
func vbucketParam(r *http.Request) (uint16, error) {
	raw := chi.URLParam(r, "vbucket")
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid vbucket %q", raw)
	}
	return uint16(v), nil
}

// writeStatus maps a store status onto an HTTP error response.
func writeStatus(w http.ResponseWriter, status ep.Status) {
	switch status {
	case ep.StatusNotMyPartition:
		http.Error(w, status.String(), http.StatusMisdirectedRequest)
	case ep.StatusNotFound:
		http.Error(w, status.String(), http.StatusNotFound)
	case ep.StatusExists, ep.StatusNotStored:
		http.Error(w, status.String(), http.StatusConflict)
	case ep.StatusNoMemory:
		http.Error(w, status.String(), http.StatusInsufficientStorage)
	case ep.StatusWouldBlock, ep.StatusTmpFail:
		http.Error(w, status.String(), http.StatusServiceUnavailable)
	default:
		http.Error(w, status.String(), http.StatusInternalServerError)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	vbucket, err := vbucketParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := chi.URLParam(r, "key")

	cookie := newHTTPCookie()
	gv := s.store.Get(key, vbucket, cookie, true, true)
	if gv.Status == ep.StatusWouldBlock {
		// Parked on a pending partition or waiting for a background fetch;
		// retry once the store signals.
		if _, ok := cookie.wait(); ok {
			gv = s.store.Get(key, vbucket, cookie, false, true)
		}
	}
	if gv.Status != ep.StatusSuccess {
		writeStatus(w, gv.Status)
		return
	}

	w.Header().Set("X-Cas", strconv.FormatUint(gv.Item.Cas, 10))
	w.Header().Set("X-Flags", strconv.FormatUint(uint64(gv.Item.Flags), 10))
	w.Header().Set("X-Exptime", strconv.FormatUint(uint64(gv.Item.Exptime), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(gv.Item.Value)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	vbucket, err := vbucketParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := chi.URLParam(r, "key")

	value, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var cas uint64
	if raw := r.Header.Get("X-Cas"); raw != "" {
		if cas, err = strconv.ParseUint(raw, 10, 64); err != nil {
			http.Error(w, "invalid X-Cas", http.StatusBadRequest)
			return
		}
	}
	var flags, exptime uint64
	if raw := r.Header.Get("X-Flags"); raw != "" {
		if flags, err = strconv.ParseUint(raw, 10, 32); err != nil {
			http.Error(w, "invalid X-Flags", http.StatusBadRequest)
			return
		}
	}
	if raw := r.Header.Get("X-Exptime"); raw != "" {
		if exptime, err = strconv.ParseUint(raw, 10, 32); err != nil {
			http.Error(w, "invalid X-Exptime", http.StatusBadRequest)
			return
		}
	}

	cookie := newHTTPCookie()
	itm := ep.NewItem(key, vbucket, uint32(flags), uint32(exptime), cas, value)
	setErr := s.store.Set(itm, cookie, false)
	if ep.StatusOf(setErr) == ep.StatusWouldBlock {
		if _, ok := cookie.wait(); ok {
			itm = ep.NewItem(key, vbucket, uint32(flags), uint32(exptime), cas, value)
			setErr = s.store.Set(itm, cookie, false)
		}
	}
	if setErr != nil {
		writeStatus(w, ep.StatusOf(setErr))
		return
	}

	w.Header().Set("X-Cas", strconv.FormatUint(itm.Cas, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDel(w http.ResponseWriter, r *http.Request) {
	vbucket, err := vbucketParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := chi.URLParam(r, "key")

	cookie := newHTTPCookie()
	delErr := s.store.Del(key, vbucket, cookie)
	if ep.StatusOf(delErr) == ep.StatusWouldBlock {
		if _, ok := cookie.wait(); ok {
			delErr = s.store.Del(key, vbucket, cookie)
		}
	}
	if delErr != nil {
		writeStatus(w, ep.StatusOf(delErr))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	vbucket, err := vbucketParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := chi.URLParam(r, "key")

	msg, evictErr := s.store.EvictKey(key, vbucket)
	if evictErr != nil {
		writeStatus(w, ep.StatusOf(evictErr))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(msg))
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		http.Error(w, "invalid partition id", http.StatusBadRequest)
		return
	}

	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch body.State {
	case "active", "replica", "pending", "dead":
	default:
		http.Error(w, fmt.Sprintf("invalid state %q", body.State), http.StatusBadRequest)
		return
	}

	s.store.SetVBucketState(uint16(id), ep.ParseVBucketState(body.State))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePartition(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		http.Error(w, "invalid partition id", http.StatusBadRequest)
		return
	}
	if !s.store.DeleteVBucket(uint16(id)) {
		http.Error(w, "partition absent or not dead", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.store.Stats().Snapshot()); err != nil {
		Logger.Errorf("writing stats failed: %v", err)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.store.Stats().Set().WritePrometheus(w)
}
