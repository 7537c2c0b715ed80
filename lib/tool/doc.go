// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package tool holds the registry the agentic loop dispatches tool
// calls through. Tools register once at startup with a name, a JSON
// Schema, and a handler; each agent sees a filtered view of the
// registry built from its enabled-tool glob patterns, so discovery and
// execution pass through the same gate.
//
// A handler's non-nil error return means infrastructure failure (the
// call never ran). Tool execution failures are reported in-band with
// isError=true and the message in the output, so the model can read
// the failure and adapt.
package tool
