package conductor

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func loaderFixture(t *testing.T) (*Registry, *ToolLoader, *fakeWorker) {
	t.Helper()
	reg := NewRegistry()
	w := &fakeWorker{id: "alpha_agent"}
	spec := AgentSpec{ID: "alpha_agent", Tools: []string{"alpha.run"}}
	tool := ToolSpec{ID: "alpha.run", AgentID: "alpha_agent"}
	if err := reg.Register(spec, w, tool); err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	betaSpec := AgentSpec{ID: "beta_agent", Tools: []string{"beta.run"}}
	betaTool := ToolSpec{ID: "beta.run", AgentID: "beta_agent"}
	if err := reg.Register(betaSpec, &fakeWorker{id: "beta_agent"}, betaTool); err != nil {
		t.Fatalf("register beta: %v", err)
	}
	return reg, NewToolLoader(reg, nil), w
}

func TestToolsForUnion(t *testing.T) {
	_, loader, _ := loaderFixture(t)

	tools := loader.ToolsFor([]string{"alpha_agent"})
	if len(tools) != 1 || tools[0].ID != "alpha.run" {
		t.Fatalf("tools = %v", tools)
	}

	both := loader.ToolsFor([]string{"beta_agent", "alpha_agent"})
	ids := []string{both[0].ID, both[1].ID}
	if !reflect.DeepEqual(ids, []string{"beta.run", "alpha.run"}) {
		t.Fatalf("union = %v, want agent order preserved", ids)
	}

	// Repeated agents do not duplicate entries.
	again := loader.ToolsFor([]string{"alpha_agent", "alpha_agent"})
	if len(again) != 1 {
		t.Fatalf("dedup failed: %v", again)
	}
}

func TestInvokeDispatches(t *testing.T) {
	_, loader, w := loaderFixture(t)

	out, err := loader.Invoke(context.Background(), "alpha_agent", Invocation{
		RunID: "r1", TaskID: "t1", ToolID: "alpha.run", Query: "q",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Metadata.Agent != "alpha_agent" {
		t.Fatalf("output = %+v", out)
	}
	if got := w.invoked(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("worker calls = %v", got)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	_, loader, _ := loaderFixture(t)

	_, err := loader.Invoke(context.Background(), "alpha_agent", Invocation{ToolID: "nope.run"})
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) || unknown.ToolID != "nope.run" {
		t.Fatalf("err = %v, want UnknownToolError", err)
	}
}

func TestInvokeEnforcesAllowList(t *testing.T) {
	_, loader, w := loaderFixture(t)

	_, err := loader.Invoke(context.Background(), "alpha_agent", Invocation{ToolID: "beta.run"})
	var unauthorized *UnauthorizedToolError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("err = %v, want UnauthorizedToolError", err)
	}
	if unauthorized.ToolID != "beta.run" || unauthorized.AgentID != "alpha_agent" {
		t.Fatalf("err = %+v", unauthorized)
	}
	if len(w.invoked()) != 0 {
		t.Fatal("worker invoked despite allow-list violation")
	}
}

func TestInvokeWrapsWorkerError(t *testing.T) {
	reg := NewRegistry()
	w := &fakeWorker{id: "alpha_agent", fn: func(context.Context, Invocation) (Output, error) {
		return Output{}, errors.New("backend down")
	}}
	spec := AgentSpec{ID: "alpha_agent", Tools: []string{"alpha.run"}}
	tool := ToolSpec{ID: "alpha.run", AgentID: "alpha_agent"}
	if err := reg.Register(spec, w, tool); err != nil {
		t.Fatalf("register: %v", err)
	}
	loader := NewToolLoader(reg, nil)

	_, err := loader.Invoke(context.Background(), "alpha_agent", Invocation{ToolID: "alpha.run"})
	var toolErr *ToolError
	if !errors.As(err, &toolErr) || toolErr.ToolID != "alpha.run" {
		t.Fatalf("err = %v, want ToolError", err)
	}
}

func TestInvokeNoWorker(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(AgentSpec{ID: "ghost_agent"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	loader := NewToolLoader(reg, nil)

	_, err := loader.Invoke(context.Background(), "ghost_agent", Invocation{})
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("err = %v, want ToolError", err)
	}
}
