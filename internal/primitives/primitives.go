// Package primitives implements the scheduler.Primitives collaborator (spec
// §4.4 spawn step 7: "If tool declarations are present, register them with
// the primitives runtime"; spec §1 "primitives/tool registry... specified
// only at the interface boundary to the core").
//
// Tools are named host functions a spawned block's bytecode declares at
// compile time (block.ToolInfo); the registry's job is purely bookkeeping
// which pids have which tools available and dispatching an invocation by
// name. The sync.Map-keyed registration style mirrors the teacher's
// domain/registry/hub.go Hub, narrowed from connection cells to host-tool
// bindings.
package primitives

import (
	"fmt"
	"sync"

	"github.com/kelpline/blockrt/internal/block"
)

// HostFunc is a tool's Go-side implementation: it receives the calling
// block's pid and the argument value the VM popped for it, and returns a
// result value or an error the VM surfaces to the caller.
type HostFunc func(caller block.Pid, arg block.Value) (block.Value, error)

// Registry is the concrete primitives runtime: a global table of named host
// functions, plus a per-pid record of which names that block's bytecode
// declared (spec §4.4 step 7 only records the declaration; invocation still
// goes through the global table, matching how Erlang NIFs are registered
// once and called by any process that knows the name).
type Registry struct {
	hostFuncs sync.Map // string -> HostFunc
	declared  sync.Map // block.Pid -> []block.ToolInfo
}

// New builds an empty primitives runtime.
func New() *Registry {
	return &Registry{}
}

// Define adds or replaces the host implementation for name.
func (r *Registry) Define(name string, fn HostFunc) {
	r.hostFuncs.Store(name, fn)
}

// RegisterTools implements scheduler.Primitives.
func (r *Registry) RegisterTools(pid block.Pid, tools []block.ToolInfo) {
	if len(tools) == 0 {
		return
	}
	r.declared.Store(pid, tools)
}

// Declared returns the tool table a pid's bytecode registered at spawn time.
func (r *Registry) Declared(pid block.Pid) ([]block.ToolInfo, bool) {
	v, ok := r.declared.Load(pid)
	if !ok {
		return nil, false
	}
	return v.([]block.ToolInfo), true
}

// Forget drops a pid's declaration record, called when its block dies.
func (r *Registry) Forget(pid block.Pid) {
	r.declared.Delete(pid)
}

// Invoke calls the host function bound to name on behalf of caller. It
// returns an error if caller never declared that tool, or if no host
// implementation is defined for it.
func (r *Registry) Invoke(caller block.Pid, name string, arg block.Value) (block.Value, error) {
	tools, ok := r.Declared(caller)
	if !ok {
		return nil, fmt.Errorf("primitives: pid %d declared no tools", caller)
	}
	found := false
	for _, t := range tools {
		if t.Name == name {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("primitives: pid %d did not declare tool %q", caller, name)
	}

	v, ok := r.hostFuncs.Load(name)
	if !ok {
		return nil, fmt.Errorf("primitives: tool %q has no host implementation", name)
	}
	return v.(HostFunc)(caller, arg)
}
