package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	ActiveConnections = "ActiveConnections"
	MessagesSent      = "MessagesSent"
	DeliveryFailures  = "DeliveryFailures"
	SendRejected      = "SendRejected"
)

// StatsProvider is the metrics sink used by the chat server.
type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater publishes counters under the "boardchat" expvar map. Updates
// are applied by a single goroutine so callers never block on a lock.
type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int64
}

var (
	varsOnce sync.Once
	vars     *expvar.Map
)

// expvar panics on duplicate names, so the map is created once per process.
func statsMap() *expvar.Map {
	varsOnce.Do(func() {
		vars = expvar.NewMap("boardchat")
	})
	return vars
}

func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:       statsMap(),
		updateChan: make(chan *metricsUpdateReq, 512),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	return su
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	data := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		data[kv.Key] = value
	})

	json.NewEncoder(w).Encode(data)
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		if metric, ok := su.vars.Get(req.name).(*expvar.Int); ok {
			metric.Add(req.value)
		}
	}
}

// Incr and Decr drop the update when the queue is full.
func (su *StatsUpdater) Incr(name string) {
	su.enqueue(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.enqueue(name, -1)
}

func (su *StatsUpdater) enqueue(name string, v int64) {
	select {
	case su.updateChan <- &metricsUpdateReq{name: name, value: v}:
	default:
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	if su.vars.Get(name) == nil {
		su.vars.Set(name, new(expvar.Int))
	}
}

func (su *StatsUpdater) Value(name string) int64 {
	if metric, ok := su.vars.Get(name).(*expvar.Int); ok {
		return metric.Value()
	}
	return 0
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.updateChan) })
}
