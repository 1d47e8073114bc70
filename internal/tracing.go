// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"

	opentracing "github.com/opentracing/opentracing-go"
)

// Task wraps a long-lived operation (one HTTP request, one sync connection)
// in an OpenTracing span, reported to whatever tracer the process wired up
// at startup (Jaeger in production, the no-op tracer otherwise).
type Task struct {
	span opentracing.Span
}

// StartTask begins a Task named name and attaches its span to ctx so any
// further opentracing.StartSpanFromContext calls downstream nest under it.
func StartTask(ctx context.Context, name string) (*Task, context.Context) {
	span, spanCtx := opentracing.StartSpanFromContext(ctx, name)
	return &Task{span: span}, spanCtx
}

// SetTag records a key/value pair against the task's span.
func (t *Task) SetTag(key string, value interface{}) {
	t.span.SetTag(key, value)
}

// EndTask finishes the task's span.
func (t *Task) EndTask() {
	t.span.Finish()
}

// Region wraps a sub-step of a Task (one phase of a request) in its own
// child span.
type Region struct {
	span opentracing.Span
}

// StartRegion begins a Region named name as a child of whatever span ctx
// carries, if any.
func StartRegion(ctx context.Context, name string) (*Region, context.Context) {
	span, spanCtx := opentracing.StartSpanFromContext(ctx, name)
	return &Region{span: span}, spanCtx
}

// SetTag records a key/value pair against the region's span.
func (r *Region) SetTag(key string, value interface{}) {
	r.span.SetTag(key, value)
}

// EndRegion finishes the region's span.
func (r *Region) EndRegion() {
	r.span.Finish()
}
