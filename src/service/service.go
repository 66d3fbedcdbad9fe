// Package service exposes the node's observability API over HTTP: stats,
// neighbor table, journal queries, and prometheus metrics.
package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/fedmesh/fedmesh/src/node"
	"github.com/sirupsen/logrus"
)

// Service ...
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process
// is simultaneously using the DefaultServerMux, in which case the handlers
// will be accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
	http.HandleFunc("/transitions/", s.makeHandler(s.GetTransitions))
	http.HandleFunc("/deliveries/", s.makeHandler(s.GetDeliveries))
	http.Handle("/metrics", s.node.Router().Metrics().Handler())
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary
// to call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.Stats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.Router().Neighbors())
}

// GetTransitions returns the journaled state transitions for a round.
func (s *Service) GetTransitions(w http.ResponseWriter, r *http.Request) {
	round, ok := roundParam(w, r, "/transitions/")
	if !ok {
		return
	}

	res, err := s.node.Store().Transitions(round)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving transitions for round %d", round)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(res)
}

// GetDeliveries returns the journaled deliveries for a round.
func (s *Service) GetDeliveries(w http.ResponseWriter, r *http.Request) {
	round, ok := roundParam(w, r, "/deliveries/")
	if !ok {
		return
	}

	res, err := s.node.Store().Deliveries(round)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving deliveries for round %d", round)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(res)
}

func roundParam(w http.ResponseWriter, r *http.Request, prefix string) (int, bool) {
	param := r.URL.Path[len(prefix):]

	round, err := strconv.Atoi(param)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}

	return round, true
}
