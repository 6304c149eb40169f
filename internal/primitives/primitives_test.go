package primitives

import (
	"testing"

	"github.com/kelpline/blockrt/internal/block"
	"github.com/kelpline/blockrt/internal/vmref"
)

func TestInvokeRegisteredTool(t *testing.T) {
	r := New()
	r.Define("echo", func(caller block.Pid, arg block.Value) (block.Value, error) {
		return arg, nil
	})
	r.RegisterTools(1, []block.ToolInfo{{Name: "echo", FuncIndex: 0}})

	out, err := r.Invoke(1, "echo", vmref.Int(42))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	iv, ok := out.(vmref.Int)
	if !ok || int64(iv) != 42 {
		t.Fatalf("unexpected result %#v", out)
	}
}

func TestInvokeUndeclaredTool(t *testing.T) {
	r := New()
	r.Define("echo", func(caller block.Pid, arg block.Value) (block.Value, error) { return arg, nil })

	if _, err := r.Invoke(1, "echo", vmref.Int(1)); err == nil {
		t.Fatal("expected error for a pid that never declared the tool")
	}
}

func TestForgetClearsDeclaration(t *testing.T) {
	r := New()
	r.Define("echo", func(caller block.Pid, arg block.Value) (block.Value, error) { return arg, nil })
	r.RegisterTools(1, []block.ToolInfo{{Name: "echo"}})
	r.Forget(1)

	if _, err := r.Invoke(1, "echo", vmref.Int(1)); err == nil {
		t.Fatal("expected error after Forget")
	}
}
