package service

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hashpool/ledgerd/src/chain"
	"github.com/hashpool/ledgerd/src/node"
)

// Service exposes the node's status API over HTTP: stats, peers, blocks, the
// mempool, transaction submission, and the prometheus metrics endpoint.
type Service struct {
	bindAddress string
	node        *node.Node
	router      *mux.Router
	logger      *logrus.Entry
}

// NewService creates the Service and registers its handlers.
func NewService(bindAddress string, n *node.Node, registry *prometheus.Registry, logger *logrus.Entry) *Service {
	service := &Service{
		bindAddress: bindAddress,
		node:        n,
		router:      mux.NewRouter(),
		logger:      logger.WithField("component", "service"),
	}

	service.router.HandleFunc("/stats", service.GetStats).Methods("GET")
	service.router.HandleFunc("/peers", service.GetPeers).Methods("GET")
	service.router.HandleFunc("/block/{height}", service.GetBlock).Methods("GET")
	service.router.HandleFunc("/mempool", service.GetMempool).Methods("GET")
	service.router.HandleFunc("/tx", service.SubmitTx).Methods("POST")

	if registry != nil {
		service.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return service
}

// Router returns the HTTP handler, mainly for tests.
func (s *Service) Router() http.Handler {
	return s.router
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Info("Serving status API")

	if err := http.ListenAndServe(s.bindAddress, s.router); err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	returnJSON(w, s.node.GetStats())
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	returnJSON(w, s.node.GetPeers())
}

// GetBlock ...
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	param := mux.Vars(r)["height"]

	height, err := strconv.ParseUint(param, 10, 64)
	if err != nil {
		http.Error(w, "invalid height: "+param, http.StatusBadRequest)
		return
	}

	block, err := s.node.GetBlock(height)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		s.logger.WithError(err).Errorf("Retrieving block %d", height)
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	returnJSON(w, struct {
		Hash  string       `json:"hash"`
		Block *chain.Block `json:"block"`
	}{
		Hash:  block.HashHex(),
		Block: block,
	})
}

// GetMempool ...
func (s *Service) GetMempool(w http.ResponseWriter, r *http.Request) {
	returnJSON(w, map[string]string{"size": s.node.GetStats()["mempool_size"]})
}

// SubmitTx reads a raw transaction payload from the request body and submits
// it to the node. The priority is passed as a query parameter.
func (s *Service) SubmitTx(w http.ResponseWriter, r *http.Request) {
	payload, err := ioutil.ReadAll(r.Body)
	if err != nil || len(payload) == 0 {
		http.Error(w, "empty transaction payload", http.StatusBadRequest)
		return
	}

	var priority uint64
	if p := r.URL.Query().Get("priority"); p != "" {
		priority, err = strconv.ParseUint(p, 10, 64)
		if err != nil {
			http.Error(w, "invalid priority: "+p, http.StatusBadRequest)
			return
		}
	}

	tx := &chain.Transaction{Payload: payload, Priority: priority}

	if err := s.node.SubmitTransaction(tx); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	returnJSON(w, map[string]string{"id": tx.ID()})
}

func returnJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
