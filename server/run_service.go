package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/goslang/pkg/bytecode"
	"github.com/chazu/goslang/store"
	"github.com/chazu/goslang/vm"
	"github.com/chazu/goslang/vm/errs"
)

// Procedure names of goslang.v1.RunService. Every procedure takes and
// returns a google.protobuf.Struct.
const (
	RunServiceName = "goslang.v1.RunService"

	RunProcedure         = "/" + RunServiceName + "/Run"
	GetRunProcedure      = "/" + RunServiceName + "/GetRun"
	ListRunsProcedure    = "/" + RunServiceName + "/ListRuns"
	DisassembleProcedure = "/" + RunServiceName + "/Disassemble"
)

// MaxHeapWords bounds the heap a request may ask for.
const MaxHeapWords = 1 << 22

// RunService executes programs submitted over Connect or gRPC.
//
// Requests carry the program either as "program", a list of instruction
// objects in the JSON wire form, or as "source" text with an optional
// "format" of json or yaml. Run also accepts "options" with heap_size,
// timeslice, gc, deadlock_retries, profile and normalize_strings.
type RunService struct {
	worker   *Worker
	results  *ResultStore
	store    *store.Store
	defaults vm.Options
}

// NewRunService creates a RunService. st may be nil.
func NewRunService(worker *Worker, results *ResultStore, st *store.Store, defaults vm.Options) *RunService {
	return &RunService{
		worker:   worker,
		results:  results,
		store:    st,
		defaults: defaults,
	}
}

// Run executes a program and returns its report with a run id.
func (s *RunService) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	prog, err := programFrom(req)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := prog.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	opts, err := s.options(req)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	rep, runErr := s.worker.Run(ctx, prog, opts)
	switch {
	case errors.Is(runErr, context.Canceled):
		return nil, connect.NewError(connect.CodeCanceled, runErr)
	case errors.Is(runErr, context.DeadlineExceeded):
		return nil, connect.NewError(connect.CodeDeadlineExceeded, runErr)
	case rep == nil:
		return nil, connect.NewError(connect.CodeInternal, runErr)
	}

	hash := prog.HashString()
	id := s.results.Add(hash, rep)
	if s.store != nil {
		rec := store.Record{ID: id, ProgramHash: hash, CreatedAt: time.Now(), Report: rep}
		if err := s.store.Save(ctx, rec); err != nil {
			log.Warningf("persisting run %s: %v", id, err)
		}
	}
	log.Infof("run %s: main %s after %d instructions", id, rep.Main().State, rep.Instructions)

	fields := map[string]any{
		"id":           id,
		"program_hash": hash,
		"report":       rep,
	}
	if runErr != nil {
		fields["error"] = runErr.Error()
		fields["error_kind"] = errs.KindOf(runErr).String()
	}
	return toStruct(fields)
}

// GetRun returns a previous run by id, from memory or the store.
func (s *RunService) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "id")
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("id is required"))
	}
	if rep, ok := s.results.Lookup(id); ok {
		return toStruct(map[string]any{"id": id, "report": rep})
	}
	if s.store != nil {
		rec, err := s.store.Get(ctx, id)
		switch {
		case err == nil:
			return toStruct(map[string]any{"id": id, "program_hash": rec.ProgramHash, "report": rec.Report})
		case !errors.Is(err, store.ErrNotFound):
			return nil, connect.NewError(connect.CodeInternal, err)
		}
	}
	return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("run %q not found", id))
}

// ListRuns summarizes persisted runs, newest first.
func (s *RunService) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("run store is disabled"))
	}
	recs, err := s.store.List(ctx, int(numberField(req, "limit")))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	runs := make([]any, len(recs))
	for i, r := range recs {
		runs[i] = map[string]any{
			"id":           r.ID,
			"program_hash": r.ProgramHash,
			"created_at":   r.CreatedAt.UTC().Format(time.RFC3339Nano),
			"state":        r.Report.Main().State.String(),
		}
	}
	return toStruct(map[string]any{"runs": runs})
}

// Disassemble renders a program and reports validation problems without
// running it.
func (s *RunService) Disassemble(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	prog, err := programFrom(req)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	problems := []any{}
	var verr *bytecode.ValidationError
	if err := prog.Validate(); errors.As(err, &verr) {
		for _, p := range verr.Problems {
			problems = append(problems, map[string]any{"pc": p.PC, "message": p.Msg})
		}
	}
	return toStruct(map[string]any{
		"text":         prog.Disassemble(),
		"program_hash": prog.HashString(),
		"instructions": len(prog),
		"problems":     problems,
	})
}

// options overlays the request's options on the service defaults.
func (s *RunService) options(req *structpb.Struct) (vm.Options, error) {
	opts := s.defaults
	o := req.GetFields()["options"].GetStructValue()
	if o == nil {
		return opts, nil
	}
	if v, ok := o.Fields["heap_size"]; ok {
		n := int(v.GetNumberValue())
		if n <= 0 || n > MaxHeapWords {
			return opts, fmt.Errorf("heap_size %d outside 1..%d", n, MaxHeapWords)
		}
		opts.HeapWords = n
	}
	if v, ok := o.Fields["timeslice"]; ok {
		opts.Timeslice = int(v.GetNumberValue())
	}
	if v, ok := o.Fields["gc"]; ok {
		opts.DisableGC = !v.GetBoolValue()
	}
	if v, ok := o.Fields["deadlock_retries"]; ok {
		opts.DeadlockRetries = int(v.GetNumberValue())
	}
	if v, ok := o.Fields["profile"]; ok {
		opts.Profile = v.GetBoolValue()
	}
	if v, ok := o.Fields["normalize_strings"]; ok {
		opts.NormalizeStrings = v.GetBoolValue()
	}
	return opts, nil
}

// ---------------------------------------------------------------------------
// Struct conversion
// ---------------------------------------------------------------------------

// programFrom decodes the program carried by a request.
func programFrom(req *structpb.Struct) (bytecode.Program, error) {
	fields := req.GetFields()
	if v, ok := fields["program"]; ok {
		data, err := json.Marshal(v.AsInterface())
		if err != nil {
			return nil, err
		}
		return bytecode.DecodeJSON(data)
	}
	source := stringField(req, "source")
	if source == "" {
		return nil, fmt.Errorf("program or source is required")
	}
	switch f := bytecode.Format(stringField(req, "format")); f {
	case "", bytecode.FormatJSON:
		return bytecode.DecodeJSON([]byte(source))
	case bytecode.FormatYAML:
		return bytecode.DecodeYAML([]byte(source))
	default:
		return nil, fmt.Errorf("unsupported source format %q", f)
	}
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return s, nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func numberField(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}
