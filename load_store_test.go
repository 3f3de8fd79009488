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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/meshproxy/loadreporter/internal"
)

var (
	localities = []Locality{
		{Region: "some_region", Zone: "zone_name", SubZone: "winter"},
		{Region: "some_region", Zone: "zone_name", SubZone: "dragon"},
	}
	errTest = fmt.Errorf("test error")
)

// rpcData wraps the rpc counts to be pushed to the store.
type rpcData struct {
	start, success, failure int
}

func verifyLoadData(wantData, gotData []*loadData) error {
	if diff := cmp.Diff(wantData, gotData, cmpopts.EquateEmpty(), cmp.AllowUnexported(loadData{}, localityData{}), cmpopts.IgnoreFields(loadData{}, "reportInterval")); diff != "" {
		return fmt.Errorf("store.stats() returned unexpected diff (-want +got):\n%s", diff)
	}
	return nil
}

// TestDrops spawns a bunch of goroutines which report drops. After the
// goroutines have exited, the test drains the store and makes sure the total
// is as expected.
func TestDrops(t *testing.T) {
	const drops = 80

	store := NewLoadStore()
	r := store.ReporterForCluster("cluster_0")
	var wg sync.WaitGroup
	for i := 0; i < drops; i++ {
		wg.Add(1)
		go func() {
			r.CallDropped()
			wg.Done()
		}()
	}
	wg.Wait()

	want := []*loadData{{cluster: "cluster_0", totalDrops: drops}}
	if err := verifyLoadData(want, store.stats([]string{"cluster_0"})); err != nil {
		t.Error(err)
	}
}

// TestLocalityStats spawns a bunch of goroutines which report request
// lifecycle events. After the goroutines have exited, the test drains the
// store and verifies conservation: succeeded+errored equals the number of
// finished calls, and in-progress equals starts minus finishes.
func TestLocalityStats(t *testing.T) {
	ld := map[Locality]rpcData{
		localities[0]: {start: 40, success: 20, failure: 10},
		localities[1]: {start: 80, success: 40, failure: 20},
	}
	want := []*loadData{{
		cluster: "cluster_0",
		localityStats: map[Locality]localityData{
			localities[0]: {succeeded: 20, errored: 10, inProgress: 10},
			localities[1]: {succeeded: 40, errored: 20, inProgress: 20},
		},
	}}

	store := NewLoadStore()
	r := store.ReporterForCluster("cluster_0")
	var wg sync.WaitGroup
	for locality, data := range ld {
		wg.Add(data.start)
		for i := 0; i < data.start; i++ {
			go func(l Locality) {
				r.CallStarted(l)
				wg.Done()
			}(locality)
		}
		// The calls to CallStarted() need to happen before the other calls
		// are made. Hence the wait here.
		wg.Wait()

		wg.Add(data.success)
		for i := 0; i < data.success; i++ {
			go func(l Locality) {
				r.CallFinished(l, nil)
				wg.Done()
			}(locality)
		}
		wg.Add(data.failure)
		for i := 0; i < data.failure; i++ {
			go func(l Locality) {
				r.CallFinished(l, errTest)
				wg.Done()
			}(locality)
		}
		wg.Wait()
	}

	if err := verifyLoadData(want, store.stats([]string{"cluster_0"})); err != nil {
		t.Error(err)
	}
}

// TestResetAfterStats verifies that draining the store resets the deltas but
// not the in-progress gauge, and that a second drain with no intervening
// traffic yields all-zero deltas with the gauge intact.
func TestResetAfterStats(t *testing.T) {
	store := NewLoadStore()
	r := store.ReporterForCluster("cluster_0")
	for i := 0; i < 10; i++ {
		r.CallStarted(localities[0])
	}
	for i := 0; i < 4; i++ {
		r.CallFinished(localities[0], nil)
	}
	for i := 0; i < 2; i++ {
		r.CallFinished(localities[0], errTest)
	}
	for i := 0; i < 3; i++ {
		r.CallDropped()
	}

	want := []*loadData{{
		cluster:    "cluster_0",
		totalDrops: 3,
		localityStats: map[Locality]localityData{
			localities[0]: {succeeded: 4, errored: 2, inProgress: 4},
		},
	}}
	if err := verifyLoadData(want, store.stats([]string{"cluster_0"})); err != nil {
		t.Error(err)
	}

	// The drain above should have reset everything except the in-progress
	// gauge. The locality entry itself is retained and reported with explicit
	// zeros.
	want = []*loadData{{
		cluster: "cluster_0",
		localityStats: map[Locality]localityData{
			localities[0]: {inProgress: 4},
		},
	}}
	if err := verifyLoadData(want, store.stats([]string{"cluster_0"})); err != nil {
		t.Error(err)
	}
}

// TestStatsSubset verifies that draining is restricted to exactly the
// requested clusters: other clusters keep their data, requested clusters with
// no local entry are skipped, and a nil request drains everything.
func TestStatsSubset(t *testing.T) {
	store := NewLoadStore()
	for _, c := range []string{"c0", "c1", "c2"} {
		r := store.ReporterForCluster(c)
		r.CallStarted(localities[0])
		r.CallFinished(localities[0], nil)
		r.CallDropped()
	}

	wantC0 := []*loadData{{
		cluster:    "c0",
		totalDrops: 1,
		localityStats: map[Locality]localityData{
			localities[0]: {succeeded: 1},
		},
	}}
	// "unknown" has no local entry and must produce nothing, not a zero
	// entry.
	if err := verifyLoadData(wantC0, store.stats([]string{"c0", "unknown"})); err != nil {
		t.Error(err)
	}

	// Draining everything must return c1 and c2 untouched by the previous
	// drain, and c0 with zero deltas.
	wantAll := []*loadData{
		{
			cluster: "c0",
			localityStats: map[Locality]localityData{
				localities[0]: {},
			},
		},
		{
			cluster:    "c1",
			totalDrops: 1,
			localityStats: map[Locality]localityData{
				localities[0]: {succeeded: 1},
			},
		},
		{
			cluster:    "c2",
			totalDrops: 1,
			localityStats: map[Locality]localityData{
				localities[0]: {succeeded: 1},
			},
		},
	}
	if err := verifyLoadData(wantAll, store.stats(nil)); err != nil {
		t.Error(err)
	}
}

// TestEnsureLocality verifies that localities created through EnsureLocality
// are included in reports with explicit zeros, and that repeated calls are
// idempotent.
func TestEnsureLocality(t *testing.T) {
	store := NewLoadStore()
	r := store.ReporterForCluster("cluster_0")
	r.EnsureLocality(localities[0])
	r.EnsureLocality(localities[1])
	r.EnsureLocality(localities[0])

	want := []*loadData{{
		cluster: "cluster_0",
		localityStats: map[Locality]localityData{
			localities[0]: {},
			localities[1]: {},
		},
	}}
	if err := verifyLoadData(want, store.stats([]string{"cluster_0"})); err != nil {
		t.Error(err)
	}

	// Traffic recorded after EnsureLocality lands on the same entry.
	r.CallStarted(localities[0])
	r.CallFinished(localities[0], nil)
	want = []*loadData{{
		cluster: "cluster_0",
		localityStats: map[Locality]localityData{
			localities[0]: {succeeded: 1},
			localities[1]: {},
		},
	}}
	if err := verifyLoadData(want, store.stats([]string{"cluster_0"})); err != nil {
		t.Error(err)
	}
}

// TestDeleteCluster verifies that explicit cluster removal, and nothing else,
// removes entries from the store.
func TestDeleteCluster(t *testing.T) {
	store := NewLoadStore()
	store.ReporterForCluster("c0").CallDropped()
	store.ReporterForCluster("c1").CallDropped()

	store.DeleteCluster("c0")
	want := []*loadData{{cluster: "c1", totalDrops: 1}}
	if err := verifyLoadData(want, store.stats(nil)); err != nil {
		t.Error(err)
	}

	// A new entry under the deleted name starts from scratch.
	store.ReporterForCluster("c0").CallDropped()
	want = []*loadData{
		{cluster: "c0", totalDrops: 1},
		{cluster: "c1"},
	}
	if err := verifyLoadData(want, store.stats(nil)); err != nil {
		t.Error(err)
	}
}

// TestStoreReportInterval verifies that the report interval is computed per
// cluster as the time between consecutive drains of that cluster.
func TestStoreReportInterval(t *testing.T) {
	originalTimeNow := internal.TimeNow
	t.Cleanup(func() { internal.TimeNow = originalTimeNow })

	currentTime := time.Now()
	internal.TimeNow = func() time.Time { return currentTime }

	store := NewLoadStore()
	r := store.ReporterForCluster("cluster_0")
	r.CallDropped()

	currentTime = currentTime.Add(5 * time.Second)
	got := store.stats([]string{"cluster_0"})
	if len(got) != 1 {
		t.Fatalf("store.stats() returned %d entries, want 1", len(got))
	}
	if got[0].reportInterval != 5*time.Second {
		t.Errorf("reportInterval = %v, want %v", got[0].reportInterval, 5*time.Second)
	}

	currentTime = currentTime.Add(10 * time.Second)
	got = store.stats([]string{"cluster_0"})
	if len(got) != 1 {
		t.Fatalf("store.stats() returned %d entries, want 1", len(got))
	}
	if got[0].reportInterval != 10*time.Second {
		t.Errorf("reportInterval = %v, want %v", got[0].reportInterval, 10*time.Second)
	}
}
