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

// Package grpcsync provides synchronization primitives for serializing
// callbacks delivered by external collaborators.
package grpcsync

import (
	"context"

	"github.com/meshproxy/loadreporter/internal/buffer"
)

// CallbackSerializer provides a mechanism to schedule callbacks in a
// synchronized manner. It provides a FIFO guarantee on the order of execution
// of scheduled callbacks. New callbacks can be scheduled by invoking the
// TrySchedule() method.
//
// This type is safe for concurrent access.
type CallbackSerializer struct {
	done      chan struct{}
	callbacks *buffer.Unbounded
}

// NewCallbackSerializer returns a new CallbackSerializer instance. The
// provided context will be passed to the scheduled callbacks. Users should
// cancel the provided context to shut down the CallbackSerializer. It is
// guaranteed that no callbacks will be added once this context is canceled,
// and any pending un-executed callbacks will be executed before it returns.
func NewCallbackSerializer(ctx context.Context) *CallbackSerializer {
	cs := &CallbackSerializer{
		done:      make(chan struct{}),
		callbacks: buffer.NewUnbounded(),
	}
	go cs.run(ctx)
	return cs
}

// TrySchedule tries to schedule the provided callback function f to be
// executed in the order it was added. This is a best-effort operation: if the
// context passed to NewCallbackSerializer has been canceled before this method
// is called, the callback will not be scheduled and false is returned.
//
// Callbacks are expected to honor the context when performing any blocking
// operations, and should return early when the context is canceled.
func (cs *CallbackSerializer) TrySchedule(f func(ctx context.Context)) bool {
	return cs.callbacks.Put(f) == nil
}

func (cs *CallbackSerializer) run(ctx context.Context) {
	defer close(cs.done)

	// This loop runs until the underlying buffer is closed below, so that
	// callbacks scheduled before cancellation still execute.
	for {
		select {
		case <-ctx.Done():
			// Do nothing here. Next iteration of the for loop will not happen,
			// since ctx.Err() would be non-nil.
		case cb := <-cs.callbacks.Get():
			cs.callbacks.Load()
			cb.(func(context.Context))(ctx)
		}
		if ctx.Err() != nil {
			break
		}
	}

	// Flush the buffer before exiting: execute all pending callbacks.
	cs.callbacks.Close()
	for cb := range cs.callbacks.Get() {
		cs.callbacks.Load()
		cb.(func(context.Context))(ctx)
	}
}

// Done returns a channel closed after the context passed to
// NewCallbackSerializer is canceled and all scheduled callbacks have executed.
func (cs *CallbackSerializer) Done() <-chan struct{} {
	return cs.done
}
