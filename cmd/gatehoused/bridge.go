// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gatehouse-project/gatehouse/lib/gateway"
	"github.com/gatehouse-project/gatehouse/lib/tool"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// gatewayBridge forwards engine-side callbacks to the gateway. It
// exists because the engine and the gateway each hold a reference to
// the other; the bridge lets the engine be constructed first and the
// gateway installed afterwards.
type gatewayBridge struct {
	gw atomic.Pointer[gateway.Gateway]
}

func (b *gatewayBridge) install(gw *gateway.Gateway) {
	b.gw.Store(gw)
}

// Publish fans a run event out to the device's connections. Events
// raised before the gateway is installed have no possible subscriber
// and are dropped.
func (b *gatewayBridge) Publish(deviceID string, name wire.EventName, data any) {
	if gw := b.gw.Load(); gw != nil {
		gw.Publish(deviceID, name, data)
	}
}

// RequestExec files a node execution request through the gateway's
// approval workflow.
func (b *gatewayBridge) RequestExec(ctx context.Context, call tool.CallContext, submission tool.ExecSubmission) (string, error) {
	gw := b.gw.Load()
	if gw == nil {
		return "", fmt.Errorf("gateway not ready")
	}
	return gw.RequestExec(ctx, call, submission)
}
