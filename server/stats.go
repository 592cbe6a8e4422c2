/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Stats is what the engine reports through; PromStats is the only
// implementation, but callers depend on the interface so tests can swap in
// a no-op.
type Stats interface {
	IncRequests()
	IncStarts()
	IncAcks()
	IncNaks()
	IncCommits()
	IncAborts()
	IncInvalid()
}

// PromStats exposes server activity as Prometheus counters on
// Config.MonitoringPort, in place of a hand-rolled JSON stats endpoint.
type PromStats struct {
	requests prometheus.Counter
	starts   prometheus.Counter
	acks     prometheus.Counter
	naks     prometheus.Counter
	commits  prometheus.Counter
	aborts   prometheus.Counter
	invalid  prometheus.Counter
}

// NewPromStats registers a fresh set of counters on its own registry, so
// multiple servers in the same process (as in tests) never collide.
func NewPromStats() (*PromStats, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &PromStats{
		requests: f.NewCounter(prometheus.CounterOpts{Name: "ntpspy_requests_total", Help: "Datagrams accepted as ours."}),
		starts:   f.NewCounter(prometheus.CounterOpts{Name: "ntpspy_starts_total", Help: "Start messages processed."}),
		acks:     f.NewCounter(prometheus.CounterOpts{Name: "ntpspy_acks_total", Help: "Acks sent."}),
		naks:     f.NewCounter(prometheus.CounterOpts{Name: "ntpspy_naks_total", Help: "Naks sent."}),
		commits:  f.NewCounter(prometheus.CounterOpts{Name: "ntpspy_commits_total", Help: "Transfers committed to final name."}),
		aborts:   f.NewCounter(prometheus.CounterOpts{Name: "ntpspy_aborts_total", Help: "Transfers aborted (checksum or idle timeout)."}),
		invalid:  f.NewCounter(prometheus.CounterOpts{Name: "ntpspy_invalid_total", Help: "Datagrams dropped as not-ours or malformed."}),
	}, reg
}

func (p *PromStats) IncRequests() { p.requests.Inc() }
func (p *PromStats) IncStarts()   { p.starts.Inc() }
func (p *PromStats) IncAcks()     { p.acks.Inc() }
func (p *PromStats) IncNaks()     { p.naks.Inc() }
func (p *PromStats) IncCommits()  { p.commits.Inc() }
func (p *PromStats) IncAborts()   { p.aborts.Inc() }
func (p *PromStats) IncInvalid()  { p.invalid.Inc() }

// Serve blocks serving reg's metrics on port; callers run it in its own
// goroutine.
func Serve(port int, reg *prometheus.Registry) {
	if port <= 0 {
		return
	}
	addr := fmt.Sprintf(":%d", port)
	log.Debugf("starting prometheus handler on %s", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("monitoring listener failed: %v", err)
	}
}
