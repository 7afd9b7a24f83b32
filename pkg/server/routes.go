// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/n0ot/sigrelay/pkg/channels"
	"github.com/n0ot/sigrelay/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// StatsPasswordHeader carries the stats password on a stats request.
const StatsPasswordHeader = "X-Stats-Password"

// StatsResponse contains information about the running state of a sigrelay server.
type StatsResponse struct {
	Stats          channels.Stats `json:"stats"`
	NumConnections int            `json:"num_connections"`
	ServerTime     time.Time      `json:"server_time"`
}

func (srv *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", srv.handleStats).Methods(http.MethodGet)
	if srv.Metrics != nil {
		r.Handle("/metrics", metrics.Handler(srv.Metrics)).Methods(http.MethodGet)
	}
	r.HandleFunc(srv.Path, srv.serveWS).Methods(http.MethodGet)
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (srv *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if srv.StatsPassword == "" {
		http.NotFound(w, r)
		return
	}

	password := r.Header.Get(StatsPasswordHeader)
	if password == "" {
		http.Error(w, "no password", http.StatusUnauthorized)
		return
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(srv.StatsPassword)) != 1 {
		srv.Log.WithField("remote_addr", r.RemoteAddr).Warn("Wrong stats password")
		time.Sleep(srv.statsDelay) // Slow down brute forcing
		http.Error(w, "wrong password", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(StatsResponse{
		Stats:          srv.registry.Stats(),
		NumConnections: srv.numClients(),
		ServerTime:     time.Now().UTC(),
	})
	if err != nil {
		srv.Log.WithField("error", err).Debug("Error writing stats")
	}
}

// checkOrigin allows requests without an Origin header, and requests from any of allowed.
// If allowed is empty, every origin is accepted.
func checkOrigin(allowed []string, log logrus.FieldLogger) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	origins := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origins[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err == nil && u.Host != "" {
			if _, ok := origins[strings.ToLower(u.Scheme+"://"+u.Host)]; ok {
				return true
			}
		}

		log.WithFields(logrus.Fields{
			"origin":      origin,
			"remote_addr": r.RemoteAddr,
		}).Warn("WebSocket origin rejected")
		return false
	}
}
