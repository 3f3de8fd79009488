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

// Package loadreporter implements the load-reporting subsystem of a proxy's
// cluster manager: it aggregates per-cluster, per-locality request counts and
// streams them to an LRS server over a long-lived bidirectional gRPC stream.
// The server dictates which clusters to report on and at what interval, and
// can change both at any time during the stream.
package loadreporter

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/meshproxy/loadreporter/internal"
	"github.com/meshproxy/loadreporter/internal/backoff"
	"github.com/meshproxy/loadreporter/internal/grpcsync"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3endpointpb "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	v3lrsgrpc "github.com/envoyproxy/go-control-plane/envoy/service/load_stats/v3"
	v3lrspb "github.com/envoyproxy/go-control-plane/envoy/service/load_stats/v3"
)

type lrsStream = v3lrsgrpc.LoadReportingService_StreamLoadStatsClient

// subscription is the server-controlled reporting state. It is replaced
// wholesale, never merged, whenever a response arrives on the stream.
type subscription struct {
	// clusters is the set of cluster names to report on. Ignored if sendAll
	// is set.
	clusters []string
	// sendAll indicates that the server wants reports for all known clusters.
	sendAll bool
	// interval is the reporting cadence.
	interval time.Duration
}

// active returns true once the server has expressed interest in at least one
// cluster.
func (s subscription) active() bool {
	return s.sendAll || len(s.clusters) > 0
}

// Reporter aggregates load data and reports it to a single LRS server. It
// runs until Close is called, reconnecting with backoff after stream
// failures; counters keep accumulating across outages and are folded into the
// first report sent after reconnection.
type Reporter struct {
	cc         *grpc.ClientConn
	serverURI  string
	nodeProto  *v3corepb.Node
	store      *LoadStore
	backoff    func(retries int) time.Duration
	metrics    *reporterMetrics
	serializer *grpcsync.CallbackSerializer
	cancel     context.CancelFunc
	done       chan struct{}

	// sub is only accessed on the run goroutine.
	sub subscription
}

// New creates a Reporter from the given config, connects to the configured
// LRS server and starts reporting. The returned Reporter must be closed with
// Close when no longer needed.
func New(config Config) (*Reporter, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("lrs: invalid config: %v", err)
	}

	dopts := append([]grpc.DialOption{grpc.WithTransportCredentials(config.TransportCredentials)}, config.DialOptions...)
	cc, err := grpc.NewClient(config.ServerURI, dopts...)
	if err != nil {
		return nil, fmt.Errorf("lrs: failed to create channel to %q: %v", config.ServerURI, err)
	}

	bo := internal.StreamBackoff
	if bo == nil {
		bo = backoff.DefaultExponential.Backoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		cc:         cc,
		serverURI:  config.ServerURI,
		nodeProto:  config.Node.toProto(),
		store:      NewLoadStore(),
		backoff:    bo,
		metrics:    newReporterMetrics(config.MeterProvider),
		serializer: grpcsync.NewCallbackSerializer(ctx),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go r.run(ctx)
	return r, nil
}

// LoadStore returns the store that the data-plane recorders should report
// into. The same store survives stream reconnects.
func (r *Reporter) LoadStore() *LoadStore {
	return r.store
}

// Close stops the report stream and releases the connection to the server.
// No final report is flushed; whatever has accumulated is discarded.
func (r *Reporter) Close() {
	r.cancel()
	<-r.done
	<-r.serializer.Done()
	r.cc.Close()
}

// run drives the stream lifecycle: connect, report until failure, back off,
// reconnect. It returns only when ctx is canceled.
func (r *Reporter) run(ctx context.Context) {
	defer close(r.done)

	retries := 0
	lastStreamStartTime := time.Time{}
	for ctx.Err() == nil {
		dur := time.Until(lastStreamStartTime.Add(r.backoff(retries)))
		if dur > 0 {
			timer := time.NewTimer(dur)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		retries++
		lastStreamStartTime = time.Now()
		func() {
			// streamCtx is created and canceled in case we terminate the
			// stream early for any reason, to avoid leaking the RPC's
			// monitoring goroutine.
			streamCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stream, err := v3lrsgrpc.NewLoadReportingServiceClient(r.cc).StreamLoadStats(streamCtx)
			if err != nil {
				logger.Warningf("lrs: failed to create stream to %q: %v", r.serverURI, err)
				r.metrics.errors.Add(ctx, 1)
				return
			}
			logger.Infof("lrs: created stream to %q", r.serverURI)

			// The first request on every stream carries the node identity and
			// a report drained over the last known subscription; on the very
			// first connection that subscription is empty and the report
			// carries no cluster entries at all.
			if err := r.sendReport(streamCtx, stream, true); err != nil {
				logger.Warningf("lrs: failed to send first request to %q: %v", r.serverURI, err)
				r.metrics.errors.Add(ctx, 1)
				return
			}

			r.session(streamCtx, stream, &retries)
		}()
	}
}

// session runs the per-stream state machine on the run goroutine: responses
// replace the subscription and reset the cadence clock, timer fires flush the
// store, and any transport error ends the session. Only one timer is ever
// pending.
func (r *Reporter) session(ctx context.Context, stream lrsStream, retries *int) {
	respCh := make(chan *v3lrspb.LoadStatsResponse)
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			resp, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			select {
			case respCh <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()

	var timer internal.Timer
	timerCh := make(chan struct{}, 1)
	stopTimer := func() {
		if timer == nil {
			return
		}
		timer.Stop()
		timer = nil
		// Discard a tick that fired between the Stop and the select.
		select {
		case <-timerCh:
		default:
		}
	}
	arm := func(d time.Duration) {
		stopTimer()
		timer = internal.TimeAfterFunc(d, func() {
			select {
			case timerCh <- struct{}{}:
			default:
			}
		})
	}
	defer stopTimer()

	for {
		select {
		case resp := <-respCh:
			r.metrics.responses.Add(ctx, 1)
			sub, ok := r.parseResponse(resp)
			if !ok {
				// Malformed response: keep the previous subscription and the
				// pending timer, and keep the stream open.
				continue
			}
			// A stream that produced a response is considered healthy; the
			// next reconnect starts from a fresh backoff.
			*retries = 0
			r.sub = sub
			// The cadence clock restarts from now, superseding any interval
			// already in flight.
			arm(sub.interval)
		case <-timerCh:
			if err := r.sendReport(ctx, stream, false); err != nil {
				logger.Warningf("lrs: failed to send report to %q: %v", r.serverURI, err)
				r.metrics.errors.Add(ctx, 1)
				return
			}
			arm(r.sub.interval)
		case err := <-recvErrCh:
			logger.Warningf("lrs: stream to %q closed: %v", r.serverURI, err)
			r.metrics.errors.Add(ctx, 1)
			return
		case <-ctx.Done():
			return
		}
	}
}

// parseResponse validates a subscription update. Malformed updates are logged
// and discarded without affecting the stream.
func (r *Reporter) parseResponse(resp *v3lrspb.LoadStatsResponse) (subscription, bool) {
	d := resp.GetLoadReportingInterval()
	if err := d.CheckValid(); err != nil {
		logger.Warningf("lrs: discarding response from %q with invalid load_reporting_interval: %v", r.serverURI, err)
		return subscription{}, false
	}
	interval := d.AsDuration()
	if interval <= 0 {
		logger.Warningf("lrs: discarding response from %q with non-positive load_reporting_interval %v", r.serverURI, interval)
		return subscription{}, false
	}
	if resp.GetReportEndpointGranularity() {
		// Per-endpoint stats are not supported; cluster-level stats keep
		// flowing.
		logger.Warningf("lrs: server %q requested endpoint granularity, which is not supported", r.serverURI)
	}
	return subscription{
		clusters: resp.GetClusters(),
		sendAll:  resp.GetSendAllClusters(),
		interval: interval,
	}, true
}

// sendReport drains the store over the current subscription and sends one
// LoadStatsRequest. The node identity is included only on the first request
// of a stream.
func (r *Reporter) sendReport(ctx context.Context, stream lrsStream, first bool) error {
	var loads []*loadData
	if r.sub.active() {
		if r.sub.sendAll {
			loads = r.store.stats(nil)
		} else {
			loads = r.store.stats(r.sub.clusters)
		}
	}

	req := &v3lrspb.LoadStatsRequest{ClusterStats: buildClusterStats(loads)}
	if first {
		req.Node = proto.Clone(r.nodeProto).(*v3corepb.Node)
	}
	err := stream.Send(req)
	if err == io.EOF && first {
		// An EOF from Send means the stream died; the actual error is
		// surfaced by Recv. After the first request a dedicated receive
		// goroutine owns Recv, so this drain only happens here.
		err = getStreamError(stream)
	}
	if err != nil {
		return err
	}
	r.metrics.requests.Add(ctx, 1)
	return nil
}

// buildClusterStats converts drained store data into its wire representation.
// Locality entries are emitted in a stable order; total_dropped_requests is
// left at zero (and therefore absent on the wire) for windows with no drops.
func buildClusterStats(loads []*loadData) []*v3endpointpb.ClusterStats {
	clusterStats := make([]*v3endpointpb.ClusterStats, 0, len(loads))
	for _, sd := range loads {
		localityStats := make([]*v3endpointpb.UpstreamLocalityStats, 0, len(sd.localityStats))
		for l, data := range sd.localityStats {
			localityStats = append(localityStats, &v3endpointpb.UpstreamLocalityStats{
				Locality: &v3corepb.Locality{
					Region:  l.Region,
					Zone:    l.Zone,
					SubZone: l.SubZone,
				},
				TotalSuccessfulRequests: data.succeeded,
				TotalErrorRequests:      data.errored,
				TotalRequestsInProgress: data.inProgress,
			})
		}
		sort.Slice(localityStats, func(i, j int) bool {
			a, b := localityStats[i].Locality, localityStats[j].Locality
			if a.Region != b.Region {
				return a.Region < b.Region
			}
			if a.Zone != b.Zone {
				return a.Zone < b.Zone
			}
			return a.SubZone < b.SubZone
		})

		clusterStats = append(clusterStats, &v3endpointpb.ClusterStats{
			ClusterName:           sd.cluster,
			UpstreamLocalityStats: localityStats,
			TotalDroppedRequests:  sd.totalDrops,
			LoadReportInterval:    durationpb.New(sd.reportInterval),
		})
	}
	return clusterStats
}

func getStreamError(stream lrsStream) error {
	for {
		if _, err := stream.Recv(); err != nil {
			return err
		}
	}
}
