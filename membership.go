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
	"context"
	"slices"
)

// OnClusterMembershipChanged is the hook for the endpoint-discovery
// collaborator. It is called with the complete current set of localities for
// a cluster whenever that set changes, and guarantees that every listed
// locality appears (with explicit zeros if idle) in subsequent reports.
//
// Localities missing from a notification are retained with their last-known
// values: membership churn must not flap entries between zero and absent.
// Only DeleteCluster removes data.
//
// Notifications for the same Reporter are applied in the order received, on a
// single goroutine, even when this method is called concurrently.
func (r *Reporter) OnClusterMembershipChanged(clusterName string, localities []Locality) {
	locs := slices.Clone(localities)
	r.serializer.TrySchedule(func(context.Context) {
		pcr := r.store.ReporterForCluster(clusterName)
		for _, l := range locs {
			pcr.EnsureLocality(l)
		}
	})
}

// RemoveCluster drops all accumulated data for a cluster that has been
// removed from the proxy's configuration. It is ordered with respect to
// membership notifications so that a removal never loses to a stale update
// delivered earlier.
func (r *Reporter) RemoveCluster(clusterName string) {
	r.serializer.TrySchedule(func(context.Context) {
		r.store.DeleteCluster(clusterName)
	})
}
