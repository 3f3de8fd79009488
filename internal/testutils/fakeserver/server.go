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

// Package fakeserver provides a fake LRS server whose behavior is scripted by
// the test: received reports are pushed onto a channel for inspection, and
// responses written by the test are forwarded onto the stream. Unlike a real
// control plane it can send any number of responses at arbitrary times, which
// is what cadence and subscription-replacement tests need.
package fakeserver

import (
	"fmt"
	"io"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"

	"github.com/meshproxy/loadreporter/internal/testutils"

	v3lrsgrpc "github.com/envoyproxy/go-control-plane/envoy/service/load_stats/v3"
	v3lrspb "github.com/envoyproxy/go-control-plane/envoy/service/load_stats/v3"
)

const defaultChannelBufferSize = 50

// Request wraps the request protobuf and error received by the Server in a
// call to stream.Recv().
type Request struct {
	Req proto.Message
	Err error
}

// Response wraps the response protobuf and error that the Server should send
// out to the client through a call to stream.Send().
type Response struct {
	Resp proto.Message
	Err  error
}

// Server is a fake implementation of the LRS protocol, listening on a local
// port and exposing channels to send and receive messages.
type Server struct {
	v3lrsgrpc.UnimplementedLoadReportingServiceServer

	// LRSRequestChan is a channel on which received LRS requests are made
	// available to the users of this Server.
	LRSRequestChan *testutils.Channel
	// LRSResponseChan is a channel on which the Server accepts LRS responses
	// to be sent to the client.
	LRSResponseChan chan *Response
	// LRSStreamOpenChan is a channel on which the Server sends notifications
	// when a new LRS stream is created.
	LRSStreamOpenChan *testutils.Channel
	// LRSStreamCloseChan is a channel on which the Server sends notifications
	// when an existing LRS stream is closed.
	LRSStreamCloseChan *testutils.Channel
	// Address is the host:port on which the Server is listening for requests.
	Address string
}

// StartServer makes a new Server and gets it to start listening on the given
// net.Listener. If the given net.Listener is nil, a new one is created on a
// local port. The returned cancel function should be invoked by the caller
// upon completion of the test.
func StartServer(lis net.Listener) (*Server, func(), error) {
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", "localhost:0")
		if err != nil {
			return nil, func() {}, fmt.Errorf("net.Listen() failed: %v", err)
		}
	}

	s := &Server{
		LRSRequestChan:     testutils.NewChannelWithSize(defaultChannelBufferSize),
		LRSResponseChan:    make(chan *Response, defaultChannelBufferSize),
		LRSStreamOpenChan:  testutils.NewChannelWithSize(defaultChannelBufferSize),
		LRSStreamCloseChan: testutils.NewChannelWithSize(defaultChannelBufferSize),
		Address:            lis.Addr().String(),
	}

	server := grpc.NewServer()
	v3lrsgrpc.RegisterLoadReportingServiceServer(server, s)
	go server.Serve(lis)

	return s, server.Stop, nil
}

// StreamLoadStats implements the LRS bidirectional stream. Requests received
// from the client are forwarded to LRSRequestChan; responses written to
// LRSResponseChan are sent to the client as they arrive.
func (s *Server) StreamLoadStats(stream v3lrsgrpc.LoadReportingService_StreamLoadStatsServer) error {
	s.LRSStreamOpenChan.Send(nil)
	defer s.LRSStreamCloseChan.Send(nil)

	errCh := make(chan error, 2)
	go func() {
		for {
			req, err := stream.Recv()
			s.LRSRequestChan.Send(&Request{req, err})
			if err != nil {
				if err == io.EOF {
					err = nil
				}
				errCh <- err
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case r := <-s.LRSResponseChan:
				if r.Err != nil {
					errCh <- r.Err
					return
				}
				if err := stream.Send(r.Resp.(*v3lrspb.LoadStatsResponse)); err != nil {
					errCh <- err
					return
				}
			case <-stream.Context().Done():
				errCh <- stream.Context().Err()
				return
			}
		}
	}()

	return <-errCh
}
