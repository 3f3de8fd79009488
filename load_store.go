/*
 *
 * Copyright 2025 the meshproxy authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package loadreporter

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshproxy/loadreporter/internal"
)

// LoadStore keeps request counts for multiple clusters, to be reported to one
// LRS server. It is owned by a Reporter and handed to the data-plane
// recorders; it is never a process-wide singleton, so multiple independent
// reporters can coexist in one process.
//
// It is safe for concurrent use.
type LoadStore struct {
	// mu guards the shape of the clusters map only. Counter mutation inside a
	// PerClusterReporter is atomic and does not take this lock.
	mu       sync.RWMutex
	clusters map[string]*PerClusterReporter
}

// NewLoadStore creates an empty LoadStore.
func NewLoadStore() *LoadStore {
	return &LoadStore{clusters: make(map[string]*PerClusterReporter)}
}

// ReporterForCluster returns the PerClusterReporter for the given cluster,
// creating an empty one on first use.
func (s *LoadStore) ReporterForCluster(clusterName string) *PerClusterReporter {
	s.mu.RLock()
	r, ok := s.clusters[clusterName]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.clusters[clusterName]; ok {
		return r
	}
	r = &PerClusterReporter{
		cluster:      clusterName,
		localities:   make(map[Locality]*localityCounters),
		lastReportAt: internal.TimeNow(),
	}
	s.clusters[clusterName] = r
	return r
}

// DeleteCluster removes all counters for the given cluster. It is meant to be
// called when the cluster is removed from the proxy's configuration; load
// reporting itself never removes entries, no matter what the server
// subscribes to.
func (s *LoadStore) DeleteCluster(clusterName string) {
	s.mu.Lock()
	delete(s.clusters, clusterName)
	s.mu.Unlock()
}

// stats drains the deltas for the given cluster names and returns the
// captured data, ordered by cluster name. Requested clusters with no local
// entry are skipped. A nil clusterNames drains every known cluster (used when
// the server sets send_all_clusters).
//
// Draining swaps the success/error/drop deltas to zero and reads the
// in-progress gauge without resetting it. This is the only synchronization
// point between the recording hot path and the reporting cadence.
func (s *LoadStore) stats(clusterNames []string) []*loadData {
	var reporters []*PerClusterReporter
	s.mu.RLock()
	if clusterNames == nil {
		reporters = make([]*PerClusterReporter, 0, len(s.clusters))
		for _, r := range s.clusters {
			reporters = append(reporters, r)
		}
	} else {
		for _, name := range clusterNames {
			if r, ok := s.clusters[name]; ok {
				reporters = append(reporters, r)
			}
		}
	}
	s.mu.RUnlock()

	ret := make([]*loadData, 0, len(reporters))
	for _, r := range reporters {
		ret = append(ret, r.stats())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].cluster < ret[j].cluster })
	return ret
}

// PerClusterReporter records request outcomes for a single cluster. The
// recording methods are called inline from request-processing goroutines and
// never block on anything other than short map-shape locks: all counters are
// mutated atomically.
type PerClusterReporter struct {
	cluster string
	drops   atomic.Uint64

	// localityMu guards the shape of the localities map. The counters inside
	// are mutated atomically under the read lock.
	localityMu sync.RWMutex
	localities map[Locality]*localityCounters

	// lastReportAt is only touched by stats(), which runs on the single
	// reporting goroutine.
	lastReportAt time.Time
}

type localityCounters struct {
	succeeded  atomic.Uint64
	errored    atomic.Uint64
	inProgress atomic.Int64
}

// CallStarted records a request beginning for the given locality, creating
// the locality entry on demand.
func (r *PerClusterReporter) CallStarted(l Locality) {
	r.counters(l).inProgress.Add(1)
}

// CallFinished records the outcome of a request that previously called
// CallStarted. A nil err counts as a success, anything else as an error; the
// classification (e.g. 5xx responses counting as errors) is the caller's.
func (r *PerClusterReporter) CallFinished(l Locality, err error) {
	r.localityMu.RLock()
	c, ok := r.localities[l]
	r.localityMu.RUnlock()
	if !ok {
		// Locality entries are only ever reset, never removed, so a finish
		// with no matching start should not happen.
		return
	}
	c.inProgress.Add(-1)
	if err == nil {
		c.succeeded.Add(1)
	} else {
		c.errored.Add(1)
	}
}

// CallDropped records one admission-control rejection for the cluster. Drops
// happen before a locality is chosen, so there is no locality argument.
func (r *PerClusterReporter) CallDropped() {
	r.drops.Add(1)
}

// EnsureLocality idempotently creates a zero-valued entry for the given
// locality so that it shows up with explicit zeros in the next report instead
// of being silently absent.
func (r *PerClusterReporter) EnsureLocality(l Locality) {
	r.counters(l)
}

func (r *PerClusterReporter) counters(l Locality) *localityCounters {
	r.localityMu.RLock()
	c, ok := r.localities[l]
	r.localityMu.RUnlock()
	if ok {
		return c
	}

	r.localityMu.Lock()
	defer r.localityMu.Unlock()
	if c, ok := r.localities[l]; ok {
		return c
	}
	c = &localityCounters{}
	r.localities[l] = c
	return c
}

// stats captures and resets the cluster's deltas. Every known locality is
// included, even if all its counters are zero: the server distinguishes "no
// traffic" from "no such locality".
func (r *PerClusterReporter) stats() *loadData {
	sd := &loadData{
		cluster:       r.cluster,
		totalDrops:    r.drops.Swap(0),
		localityStats: make(map[Locality]localityData),
	}
	r.localityMu.RLock()
	for l, c := range r.localities {
		sd.localityStats[l] = localityData{
			succeeded:  c.succeeded.Swap(0),
			errored:    c.errored.Swap(0),
			inProgress: uint64(c.inProgress.Load()),
		}
	}
	r.localityMu.RUnlock()

	now := internal.TimeNow()
	sd.reportInterval = now.Sub(r.lastReportAt)
	r.lastReportAt = now
	return sd
}

// loadData contains the counters drained from one cluster since its previous
// drain.
type loadData struct {
	cluster       string
	totalDrops    uint64
	localityStats map[Locality]localityData
	// reportInterval is the duration since the previous drain of this
	// cluster.
	reportInterval time.Duration
}

type localityData struct {
	succeeded  uint64
	errored    uint64
	inProgress uint64
}
