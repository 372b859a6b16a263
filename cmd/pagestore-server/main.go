// Command pagestore-server runs a small read-only introspection HTTP
// server over a pagestore buffer pool: buffer-pool and replacer
// statistics only, no query or write surface (the SQL/executor layer
// that would normally sit in front of the index is an external
// collaborator, out of scope here).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mnohosten/pagestore/pkg/bufferpool"
	"github.com/mnohosten/pagestore/pkg/storage"
)

func main() {
	host := flag.String("host", "localhost", "server host address")
	port := flag.Int("port", 8080, "server port")
	dataFile := flag.String("data-file", "./pagestore.db", "backing data file path")
	frames := flag.Int("frames", 1024, "buffer pool frame count")
	lruK := flag.Int("lru-k", 2, "LRU-K replacer k")
	compress := flag.Bool("compress", false, "compress pages on disk (zstd)")
	flag.Parse()

	bpm, err := openBufferPool(*dataFile, *frames, *lruK, *compress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open buffer pool: %v\n", err)
		os.Exit(1)
	}

	srv := newServer(*host, *port, bpm)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		fmt.Printf("pagestore-server listening on http://%s:%d\n", *host, *port)
		if err := srv.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		}
	}()

	<-ctx.Done()
	fmt.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.httpSrv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "server shutdown error: %v\n", err)
	}
	if err := bpm.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "buffer pool close error: %v\n", err)
	}
}

func openBufferPool(path string, frames, k int, compress bool) (*bufferpool.Manager, error) {
	if !compress {
		return bufferpool.New(path, frames, k)
	}

	compressor, err := storage.NewPageCompressor()
	if err != nil {
		return nil, err
	}
	return bufferpool.New(path, frames, k, storage.WithCompression(compressor))
}

type server struct {
	bpm     *bufferpool.Manager
	router  *chi.Mux
	httpSrv *http.Server
}

func newServer(host string, port int, bpm *bufferpool.Manager) *server {
	s := &server{bpm: bpm, router: chi.NewRouter()}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Logger)

	s.router.Get("/stats/bufferpool", s.handleBufferPoolStats)
	s.router.Get("/stats/replacer", s.handleReplacerStats)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *server) handleBufferPoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.bpm.Stats())
}

func (s *server) handleReplacerStats(w http.ResponseWriter, r *http.Request) {
	stats := s.bpm.Stats()
	writeJSON(w, map[string]any{
		"evictable": stats["evictable"],
		"evictions": stats["evictions"],
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
