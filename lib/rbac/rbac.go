// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package rbac is the static method-by-role permission matrix. The
// matrix is fixed at compile time: there are no dynamic grants, no
// wildcard roles, and no way to widen access at runtime. Lookup fails
// closed — a method absent from the matrix denies every role.
package rbac

import (
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// matrix maps each method to the roles allowed to call it. A method
// missing here is unreachable for everyone; a role missing from a
// method's set is denied. Nodes deliberately have no path to
// session.resolve, message.send, or agent.run: a compromised node
// must not be able to drive agents.
var matrix = map[wire.Method]map[wire.Role]bool{
	wire.MethodSessionResolve: {
		wire.RoleClient: true,
		wire.RoleAdmin:  true,
	},
	wire.MethodMessageSend: {
		wire.RoleClient: true,
		wire.RoleAdmin:  true,
	},
	wire.MethodAgentRun: {
		wire.RoleClient: true,
		wire.RoleAdmin:  true,
	},
	wire.MethodAgentCancel: {
		wire.RoleClient: true,
		wire.RoleAdmin:  true,
	},
	wire.MethodStatusGet: {
		wire.RoleClient: true,
		wire.RoleNode:   true,
		wire.RoleAdmin:  true,
	},
	wire.MethodExecRequest: {
		wire.RoleClient: true,
		wire.RoleAdmin:  true,
	},
	wire.MethodExecApprove: {
		wire.RoleAdmin: true,
	},
	wire.MethodExecResult: {
		wire.RoleNode: true,
	},
	wire.MethodDeviceRevoke: {
		wire.RoleAdmin: true,
	},
	wire.MethodPluginDisable: {
		wire.RoleAdmin: true,
	},
	wire.MethodHeartbeatPong: {
		wire.RoleClient: true,
		wire.RoleNode:   true,
		wire.RoleAdmin:  true,
	},
}

// Check authorizes role to call method. The two failure modes carry
// distinct codes: a method outside the protocol is METHOD_NOT_FOUND,
// a known method the role may not call is PERMISSION_DENIED. Callers
// audit denials; Check itself has no side effects.
func Check(method wire.Method, role wire.Role) *wire.Error {
	allowed, known := matrix[method]
	if !known {
		return wire.Errorf(wire.CodeMethodNotFound, "unknown method %q", method)
	}
	if !allowed[role] {
		return wire.Errorf(wire.CodePermissionDenied, "role %s may not call %s", role, method)
	}
	return nil
}

// Methods returns every method in the matrix. Used by tests to prove
// the matrix and the protocol's method set stay in lockstep.
func Methods() []wire.Method {
	result := make([]wire.Method, 0, len(matrix))
	for method := range matrix {
		result = append(result, method)
	}
	return result
}
