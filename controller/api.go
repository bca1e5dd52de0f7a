package controller

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"asyncre/api"
	"asyncre/pilot"
	"asyncre/replica"
)

// HttpApiController serves the read-only monitor surface: the same table
// that lands in {basename}_stat.txt, plus host metrics.
type HttpApiController struct {
	api.HttpApi[Controller]
}

type statusSummary struct {
	Tick     int
	Draining bool
	Running  int
	Waiting  int
	Accepted int
	Replicas []replica.Replica
}

func (a *HttpApiController) status() statusSummary {
	c := a.Ref
	running, waiting := c.store.Partition()
	s := statusSummary{
		Tick:     c.tick,
		Draining: c.draining,
		Running:  len(running),
		Waiting:  len(waiting),
		Accepted: c.acceptedSwaps,
	}
	for id := 0; id < c.store.Len(); id++ {
		s.Replicas = append(s.Replicas, c.store.Get(id))
	}
	return s
}

func (a *HttpApiController) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, a.status())
}

func (a *HttpApiController) GetReplicasHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, a.status().Replicas)
}

func (a *HttpApiController) GetReplicaHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.Atoi(vars["replicaId"])
	if err != nil || id < 0 || id >= a.Ref.store.Len() {
		api.WriteError(w, http.StatusNotFound, fmt.Sprintf("no replica %q", vars["replicaId"]))
		return
	}
	api.WriteJSON(w, http.StatusOK, a.Ref.store.Get(id))
}

func (a *HttpApiController) GetMetricsHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, pilot.ReadHostMetrics())
}

func (a *HttpApiController) initRouter() {
	a.Router = mux.NewRouter()

	a.Router.HandleFunc("/status", a.GetStatusHandler).Methods("GET")
	a.Router.HandleFunc("/replicas", a.GetReplicasHandler).Methods("GET")
	a.Router.HandleFunc("/replicas/{replicaId}", a.GetReplicaHandler).Methods("GET")
	a.Router.HandleFunc("/metrics", a.GetMetricsHandler).Methods("GET")
}

func (a *HttpApiController) StartServer() {
	a.initRouter()
	server := http.Server{
		Handler:      a.Router,
		Addr:         fmt.Sprintf("%s:%s", a.Address, a.Port),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	log.Printf("Monitor on %s:%s\n", a.Address, a.Port)
	api.PrintEndpoints(a.Router)
	if err := server.ListenAndServe(); err != nil {
		log.Printf("Warning: monitor server: %v", err)
	}
}

func (c *Controller) serveMonitor() {
	host, port, err := net.SplitHostPort(c.cfg.MonitorAddr)
	if err != nil {
		log.Printf("Warning: bad MONITOR_ADDR %q: %v", c.cfg.MonitorAddr, err)
		return
	}
	monitor := &HttpApiController{api.HttpApi[Controller]{Address: host, Port: port, Ref: c}}
	monitor.StartServer()
}
