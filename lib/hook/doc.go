// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package hook runs plugin handlers at fixed points of the agent
// loop. Each point has its own payload type and its own handler
// signature; there is no untyped pipeline.
//
// Handlers run in registration order, each receiving the previous
// handler's output. A handler that returns an error or exceeds its
// timeout is skipped: its input flows to the next handler unchanged,
// the failure is logged and audited, and the run continues. Hooks can
// shape a turn; they can never kill one.
//
// Two points — onContextAssembled and onModelResponse — see or mutate
// the full model context and are restricted to built-in handlers and
// plugins explicitly granted the privileged tier. Registration by
// anyone else fails.
package hook
