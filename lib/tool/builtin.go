// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Built-in tool names. Agents opt in through enabled_tools patterns;
// nothing is granted implicitly.
const (
	ToolReadFile  = "fs.read"
	ToolWriteFile = "fs.write"
	ToolListFiles = "fs.list"
	ToolNodeExec  = "node.exec"
)

// ExecSubmission is what the node.exec tool hands to the approval
// workflow. The command does not run until an admin approves it.
type ExecSubmission struct {
	NodeDeviceID string
	Command      string
	Args         []string
	Cwd          string
	TimeoutSec   int
}

// ExecRequester files a remote execution request on behalf of a run
// and returns the exec id to poll or await. The gateway's exec
// workflow implements it.
type ExecRequester interface {
	RequestExec(ctx context.Context, call CallContext, submission ExecSubmission) (execID string, err error)
}

// RegisterBuiltins wires the built-in tools into the registry. The
// file tools operate strictly inside the calling agent's workspace;
// node.exec only files an approval request, it never runs anything
// itself. A nil requester skips node.exec (daemon configured without
// exec nodes).
func RegisterBuiltins(r *Registry, requester ExecRequester) error {
	if err := r.Register(readFileDefinition, readFileHandler); err != nil {
		return err
	}
	if err := r.Register(writeFileDefinition, writeFileHandler); err != nil {
		return err
	}
	if err := r.Register(listFilesDefinition, listFilesHandler); err != nil {
		return err
	}
	if requester != nil {
		def, handler := NodeExecTool(requester)
		if err := r.Register(def, handler); err != nil {
			return err
		}
	}
	return nil
}

var readFileDefinition = Definition{
	Name:        ToolReadFile,
	Description: "Read a file from the agent workspace. The path is relative to the workspace root.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Workspace-relative file path"}
		},
		"required": ["path"]
	}`),
}

func readFileHandler(_ context.Context, call CallContext, arguments json.RawMessage) (string, bool, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), true, nil
	}
	if call.Workspace == nil {
		return "", false, fmt.Errorf("tool: %s: no workspace configured", ToolReadFile)
	}
	data, err := call.Workspace.ReadFile(args.Path)
	if err != nil {
		return err.Error(), true, nil
	}
	return string(data), false, nil
}

var writeFileDefinition = Definition{
	Name:        ToolWriteFile,
	Description: "Write a file in the agent workspace, creating parent directories as needed. The path is relative to the workspace root.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Workspace-relative file path"},
			"content": {"type": "string", "description": "Full file content to write"}
		},
		"required": ["path", "content"]
	}`),
}

func writeFileHandler(_ context.Context, call CallContext, arguments json.RawMessage) (string, bool, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return fmt.Sprintf("invalid arguments: %v", err), true, nil
	}
	if call.Workspace == nil {
		return "", false, fmt.Errorf("tool: %s: no workspace configured", ToolWriteFile)
	}
	if args.Path == "" {
		return "path is required", true, nil
	}

	// The target may not exist yet, so containment is checked twice:
	// lexically here, before any directory is created, and again via
	// Resolve once the parent exists (which also catches symlink
	// escapes).
	cleaned := filepath.Clean(args.Path)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Sprintf("invalid path %q", args.Path), true, nil
	}
	dir, base := filepath.Split(cleaned)
	dir = filepath.Clean(dir)
	if dir == "" {
		dir = "."
	}
	if base == "" || base == "." || base == ".." {
		return fmt.Sprintf("invalid path %q", args.Path), true, nil
	}
	resolvedDir, err := call.Workspace.Resolve(dir)
	if err != nil {
		if mkErr := os.MkdirAll(filepath.Join(call.Workspace.Root(), dir), 0o755); mkErr != nil {
			return fmt.Sprintf("creating %s: %v", dir, mkErr), true, nil
		}
		resolvedDir, err = call.Workspace.Resolve(dir)
		if err != nil {
			return err.Error(), true, nil
		}
	}
	target := filepath.Join(resolvedDir, base)
	if err := os.WriteFile(target, []byte(args.Content), 0o644); err != nil {
		return fmt.Sprintf("writing %s: %v", args.Path, err), true, nil
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), false, nil
}

var listFilesDefinition = Definition{
	Name:        ToolListFiles,
	Description: "List the entries of a directory in the agent workspace. Defaults to the workspace root.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Workspace-relative directory path; omit for the root"}
		}
	}`),
}

func listFilesHandler(_ context.Context, call CallContext, arguments json.RawMessage) (string, bool, error) {
	var args struct {
		Path string `json:"path"`
	}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fmt.Sprintf("invalid arguments: %v", err), true, nil
		}
	}
	if call.Workspace == nil {
		return "", false, fmt.Errorf("tool: %s: no workspace configured", ToolListFiles)
	}
	if args.Path == "" {
		args.Path = "."
	}
	resolved, err := call.Workspace.Resolve(args.Path)
	if err != nil {
		return err.Error(), true, nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return fmt.Sprintf("listing %s: %v", args.Path, err), true, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty directory)", false, nil
	}
	return strings.Join(names, "\n"), false, nil
}

// NodeExecTool builds the bridge between the agentic loop and the
// exec approval workflow. Invoking it files a pending exec request;
// the returned output tells the model the command is queued for human
// approval, which is all the model gets to know until a result event
// arrives.
func NodeExecTool(requester ExecRequester) (Definition, Handler) {
	def := Definition{
		Name:        ToolNodeExec,
		Description: "Request execution of a command on a remote node. The request requires admin approval before it runs; the result arrives asynchronously.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"node_device_id": {"type": "string", "description": "Device id of the target execution node"},
				"command": {"type": "string", "description": "Program to run"},
				"args": {"type": "array", "items": {"type": "string"}, "description": "Program arguments"},
				"cwd": {"type": "string", "description": "Working directory on the node"},
				"timeout_sec": {"type": "integer", "description": "Execution timeout in seconds"}
			},
			"required": ["node_device_id", "command"]
		}`),
	}
	handler := func(ctx context.Context, call CallContext, arguments json.RawMessage) (string, bool, error) {
		var args struct {
			NodeDeviceID string   `json:"node_device_id"`
			Command      string   `json:"command"`
			Args         []string `json:"args"`
			Cwd          string   `json:"cwd"`
			TimeoutSec   int      `json:"timeout_sec"`
		}
		if err := json.Unmarshal(arguments, &args); err != nil {
			return fmt.Sprintf("invalid arguments: %v", err), true, nil
		}
		if args.NodeDeviceID == "" || args.Command == "" {
			return "node_device_id and command are required", true, nil
		}
		execID, err := requester.RequestExec(ctx, call, ExecSubmission{
			NodeDeviceID: args.NodeDeviceID,
			Command:      args.Command,
			Args:         args.Args,
			Cwd:          args.Cwd,
			TimeoutSec:   args.TimeoutSec,
		})
		if err != nil {
			return fmt.Sprintf("filing exec request: %v", err), true, nil
		}
		return fmt.Sprintf("exec request %s filed for node %s; awaiting admin approval", execID, args.NodeDeviceID), false, nil
	}
	return def, handler
}
