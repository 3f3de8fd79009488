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

	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
)

// clientFeatureSendAllClusters advertises support for responses that name no
// clusters and instead request reports for everything the client knows about.
const clientFeatureSendAllClusters = "envoy.lrs.supports_send_all_clusters"

// Config holds the settings needed to report load to an LRS server.
type Config struct {
	// ServerURI is the target URI of the LRS server. Required.
	ServerURI string

	// Node is the identity of this client, included in the first request on
	// every stream so the server can attribute the reports.
	Node Node

	// TransportCredentials are the credentials to use when connecting to the
	// LRS server. Required.
	TransportCredentials credentials.TransportCredentials

	// DialOptions contains additional options to apply when connecting to the
	// LRS server.
	DialOptions []grpc.DialOption

	// MeterProvider is used to export operational metrics (reports sent,
	// responses received, stream errors). If nil, no metrics are recorded.
	MeterProvider metric.MeterProvider
}

func (c *Config) validate() error {
	if c.ServerURI == "" {
		return fmt.Errorf("ServerURI is not set in config %v", c)
	}
	if c.TransportCredentials == nil {
		return fmt.Errorf("TransportCredentials is not set in config %v", c)
	}
	return nil
}

// Node represents the identity of the reporting client, allowing the LRS
// server to identify the source of the load reports.
type Node struct {
	// ID is a string identifier of the application.
	ID string
	// Cluster is the name of the cluster the application belongs to.
	Cluster string
	// Locality is the location of the application including region, zone,
	// sub-zone.
	Locality Locality
	// Metadata provides additional context about the application by
	// associating arbitrary key-value pairs with it.
	Metadata *structpb.Struct
	// UserAgentName is the user agent name of the application.
	UserAgentName string
	// UserAgentVersion is the user agent version of the application.
	UserAgentVersion string
}

// toProto converts an instance of Node to its protobuf representation.
func (n Node) toProto() *v3corepb.Node {
	var locality *v3corepb.Locality
	if !n.Locality.isEmpty() {
		locality = &v3corepb.Locality{
			Region:  n.Locality.Region,
			Zone:    n.Locality.Zone,
			SubZone: n.Locality.SubZone,
		}
	}
	var md *structpb.Struct
	if n.Metadata != nil {
		md = proto.Clone(n.Metadata).(*structpb.Struct)
	}
	return &v3corepb.Node{
		Id:                   n.ID,
		Cluster:              n.Cluster,
		Locality:             locality,
		Metadata:             md,
		UserAgentName:        n.UserAgentName,
		UserAgentVersionType: &v3corepb.Node_UserAgentVersion{UserAgentVersion: n.UserAgentVersion},
		ClientFeatures:       []string{clientFeatureSendAllClusters},
	}
}

// Locality identifies a group of upstream endpoints by region, zone and
// sub-zone. It is immutable and compared by value, making it usable as a map
// key.
type Locality struct {
	// Region is the region of the upstream endpoints.
	Region string
	// Zone is the area within a region.
	Zone string
	// SubZone is the further subdivision within a zone.
	SubZone string
}

// isEmpty reports whether l is considered empty.
func (l Locality) isEmpty() bool {
	return l == Locality{}
}

// String returns a human readable representation for logging.
func (l Locality) String() string {
	return fmt.Sprintf("{region=%q, zone=%q, sub_zone=%q}", l.Region, l.Zone, l.SubZone)
}
