package server

import (
	"strings"
	"testing"

	"connectrpc.com/connect"

	"github.com/chazu/goslang/pkg/bytecode"
)

func TestRunService_Run(t *testing.T) {
	svc := testServer.Service()

	resp, err := svc.Run(bg(), programRequest(t, sumProgram(), nil))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if id := stringField(resp, "id"); id == "" {
		t.Error("Run should return a run id")
	}
	if got, want := stringField(resp, "program_hash"), sumProgram().HashString(); got != want {
		t.Errorf("program_hash = %q, want %q", got, want)
	}
	if _, ok := resp.Fields["error"]; ok {
		t.Errorf("unexpected run error %v", resp.Fields["error"])
	}

	main := mainReport(t, resp)
	if main["state"] != "finished" {
		t.Errorf("state = %v, want finished", main["state"])
	}
	if main["final"] != 42.0 {
		t.Errorf("final = %v, want 42", main["final"])
	}
	output := main["output"].([]any)
	if len(output) != 1 || output[0] != 42.0 {
		t.Errorf("output = %v, want [42]", output)
	}
}

func TestRunService_RunSource(t *testing.T) {
	svc := testServer.Service()
	source := "- tag: LDC\n  val: hello\n- tag: DONE\n"

	resp, err := svc.Run(bg(), mustStruct(t, map[string]any{"source": source, "format": "yaml"}))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := mainReport(t, resp)["final"]; got != "hello" {
		t.Errorf("final = %v, want hello", got)
	}
}

func TestRunService_Deadlock(t *testing.T) {
	svc := testServer.Service()

	resp, err := svc.Run(bg(), programRequest(t, receiveForever(), map[string]any{"deadlock_retries": 1}))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := stringField(resp, "error_kind"); got != "Deadlock" {
		t.Errorf("error_kind = %q, want Deadlock", got)
	}
	if got := stringField(resp, "error"); !strings.Contains(got, "blocked on a receive without matching send") {
		t.Errorf("error = %q", got)
	}
	if got := mainReport(t, resp)["state"]; got != "blocked_receive" {
		t.Errorf("state = %v, want blocked_receive", got)
	}
}

func TestRunService_NonFiniteResult(t *testing.T) {
	svc := testServer.Service()
	prog := bytecode.NewBuilder().
		LDC(bytecode.Num(1)).LDC(bytecode.Num(0)).BINOP("/").
		DONE().
		MustBuild()

	resp, err := svc.Run(bg(), programRequest(t, prog, nil))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := mainReport(t, resp)["final"]; got != "+Inf" {
		t.Errorf("final = %v, want +Inf", got)
	}

	// The report was persisted as well
	id := stringField(resp, "id")
	testServer.results.Release(id)
	got, err := svc.GetRun(bg(), mustStruct(t, map[string]any{"id": id}))
	if err != nil {
		t.Fatalf("GetRun from store error: %v", err)
	}
	if final := mainReport(t, got)["final"]; final != "+Inf" {
		t.Errorf("stored final = %v, want +Inf", final)
	}
}

func TestRunService_NormalizeStrings(t *testing.T) {
	svc := testServer.Service()
	source := `[{"tag":"LDC","val":"caf\u00e9"},{"tag":"LDC","val":"cafe\u0301"},{"tag":"BINOP","sym":"=="},{"tag":"DONE"}]`

	tests := []struct {
		options map[string]any
		want    bool
	}{
		{map[string]any{}, false},
		{map[string]any{"normalize_strings": true}, true},
	}
	for _, tt := range tests {
		resp, err := svc.Run(bg(), mustStruct(t, map[string]any{"source": source, "options": tt.options}))
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
		if got := mainReport(t, resp)["final"]; got != tt.want {
			t.Errorf("options %v: final = %v, want %v", tt.options, got, tt.want)
		}
	}
}

func TestRunService_Options(t *testing.T) {
	svc := testServer.Service()

	resp, err := svc.Run(bg(), programRequest(t, sumProgram(), map[string]any{
		"profile":   true,
		"timeslice": 1,
	}))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	report := resp.Fields["report"].GetStructValue()
	if report.Fields["profile"].GetStructValue() == nil {
		t.Error("profile requested but missing from report")
	}
	// One instruction per round; the machine finishes in the round that
	// leaves it at DONE
	if got, want := report.Fields["rounds"].GetNumberValue(), float64(len(sumProgram())-1); got != want {
		t.Errorf("rounds = %v, want %v", got, want)
	}
}

func TestRunService_InvalidRequests(t *testing.T) {
	svc := testServer.Service()

	tests := []struct {
		name string
		req  map[string]any
	}{
		{"no program", map[string]any{}},
		{"bad format", map[string]any{"source": "[]", "format": "toml"}},
		{"bad json", map[string]any{"source": "[{"}},
		{"invalid program", map[string]any{"source": `[{"tag":"GOTO","addr":7},{"tag":"DONE"}]`}},
		{"heap too large", map[string]any{"source": `[{"tag":"DONE"}]`, "options": map[string]any{"heap_size": 1e9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Run(bg(), mustStruct(t, tt.req))
			if connect.CodeOf(err) != connect.CodeInvalidArgument {
				t.Errorf("Run error = %v, want InvalidArgument", err)
			}
		})
	}
}

func TestRunService_GetRun(t *testing.T) {
	svc := testServer.Service()

	resp, err := svc.Run(bg(), programRequest(t, sumProgram(), nil))
	if err != nil {
		t.Fatal(err)
	}
	id := stringField(resp, "id")

	got, err := svc.GetRun(bg(), mustStruct(t, map[string]any{"id": id}))
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if mainReport(t, got)["final"] != 42.0 {
		t.Errorf("GetRun final = %v, want 42", mainReport(t, got)["final"])
	}

	// Evicted from memory, still in the store
	testServer.results.Release(id)
	got, err = svc.GetRun(bg(), mustStruct(t, map[string]any{"id": id}))
	if err != nil {
		t.Fatalf("GetRun from store error: %v", err)
	}
	if stringField(got, "program_hash") != sumProgram().HashString() {
		t.Errorf("stored program_hash = %q", stringField(got, "program_hash"))
	}

	_, err = svc.GetRun(bg(), mustStruct(t, map[string]any{"id": "no-such-run"}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("GetRun(missing) error = %v, want NotFound", err)
	}
	_, err = svc.GetRun(bg(), mustStruct(t, map[string]any{}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("GetRun() error = %v, want InvalidArgument", err)
	}
}

func TestRunService_ListRuns(t *testing.T) {
	svc := testServer.Service()
	for i := 0; i < 2; i++ {
		if _, err := svc.Run(bg(), programRequest(t, sumProgram(), nil)); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := svc.ListRuns(bg(), mustStruct(t, map[string]any{"limit": 2}))
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	runs := resp.Fields["runs"].GetListValue().GetValues()
	if len(runs) != 2 {
		t.Fatalf("ListRuns returned %d runs, want 2", len(runs))
	}
	first := runs[0].GetStructValue().AsMap()
	if first["id"] == "" || first["state"] == "" {
		t.Errorf("run summary = %v", first)
	}

	// Without a store
	bare := NewRunService(testServer.worker, NewResultStore(), nil, testServer.service.defaults)
	_, err = bare.ListRuns(bg(), mustStruct(t, map[string]any{}))
	if connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Errorf("ListRuns without store error = %v, want FailedPrecondition", err)
	}
}

func TestRunService_Disassemble(t *testing.T) {
	svc := testServer.Service()

	resp, err := svc.Disassemble(bg(), programRequest(t, sumProgram(), nil))
	if err != nil {
		t.Fatalf("Disassemble error: %v", err)
	}
	text := stringField(resp, "text")
	for _, want := range []string{"LD display", "BINOP +", "CALL arity=1", "DONE"} {
		if !strings.Contains(text, want) {
			t.Errorf("disassembly missing %q:\n%s", want, text)
		}
	}
	if got := numberField(resp, "instructions"); got != float64(len(sumProgram())) {
		t.Errorf("instructions = %v, want %d", got, len(sumProgram()))
	}
	if problems := resp.Fields["problems"].GetListValue().GetValues(); len(problems) != 0 {
		t.Errorf("problems = %v, want none", problems)
	}

	bad := bytecode.Program{{Op: bytecode.OpGOTO, Addr: 5}}
	resp, err = svc.Disassemble(bg(), programRequest(t, bad, nil))
	if err != nil {
		t.Fatalf("Disassemble error: %v", err)
	}
	if problems := resp.Fields["problems"].GetListValue().GetValues(); len(problems) != 2 {
		t.Errorf("problems = %v, want 2", problems)
	}
}
