package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/term"

	"github.com/chazu/goslang/manifest"
	"github.com/chazu/goslang/pkg/bytecode"
	"github.com/chazu/goslang/server"
	"github.com/chazu/goslang/store"
	"github.com/chazu/goslang/vm"
	"github.com/chazu/goslang/vm/heap"

	_ "github.com/tliron/commonlog/simple"
)

// Exit statuses.
const (
	exitOK    = 0
	exitFail  = 1 // deadlock, main machine error, or run failure
	exitUsage = 2
)

type options struct {
	config    string
	heap      int
	timeslice int
	noGC      bool
	retries   int
	profile   bool
	normalize bool
	disasm    bool
	encode    string
	json      bool
	record    bool
	verbose   int
	serve     bool
	port      int
	grpcPort  int
	lsp       bool
}

// verbosity is a flag.Value counting repeated -v flags.
type verbosity int

func (v *verbosity) String() string   { return fmt.Sprint(int(*v)) }
func (v *verbosity) IsBoolFlag() bool { return true }
func (v *verbosity) Set(string) error { *v++; return nil }

func parseFlags(args []string, stderr io.Writer) (*options, *flag.FlagSet, error) {
	o := &options{}
	fs := flag.NewFlagSet("goslang", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.config, "config", "", "Directory containing goslang.toml (default: search upwards from .)")
	fs.IntVar(&o.heap, "heap", 0, "Heap size in words")
	fs.IntVar(&o.timeslice, "timeslice", 0, "Instructions per machine per round")
	fs.BoolVar(&o.noGC, "no-gc", false, "Disable garbage collection")
	fs.IntVar(&o.retries, "retries", 0, "Stalled rounds tolerated before reporting deadlock")
	fs.BoolVar(&o.profile, "profile", false, "Collect opcode and function profile")
	fs.BoolVar(&o.normalize, "normalize", false, "Intern strings by their Unicode NFC form")
	fs.BoolVar(&o.disasm, "disasm", false, "Print disassembly and exit")
	fs.StringVar(&o.encode, "encode", "", "Re-encode the program to this file (format by extension) and exit")
	fs.BoolVar(&o.json, "json", false, "Print the run report as JSON")
	fs.BoolVar(&o.record, "record", false, "Save the run report to the run store")
	fs.Var((*verbosity)(&o.verbose), "v", "Verbose logging (repeat for more)")
	fs.BoolVar(&o.serve, "serve", false, "Start the run server (Connect HTTP/JSON + gRPC)")
	fs.IntVar(&o.port, "port", 0, "Connect port (used with -serve)")
	fs.IntVar(&o.grpcPort, "grpc-port", 0, "gRPC port (used with -serve)")
	fs.BoolVar(&o.lsp, "lsp", false, "Start the language server on stdio")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: goslang [options] program.{json,yaml,cbor}\n\n")
		fmt.Fprintf(stderr, "Runs a goslang bytecode program and reports every machine's outcome.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  goslang examples/loop.json             # Run a program\n")
		fmt.Fprintf(stderr, "  goslang -timeslice 1 -profile prog.yaml # Interleave finely, profile\n")
		fmt.Fprintf(stderr, "  goslang -disasm prog.cbor              # Show disassembly\n")
		fmt.Fprintf(stderr, "  goslang -encode prog.cbor prog.json    # Convert JSON to CBOR\n")
		fmt.Fprintf(stderr, "  goslang -serve -port 8080              # Serve runs over Connect and gRPC\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return o, fs, nil
}

// loadConfig finds goslang.toml and applies explicitly set flags on top.
func loadConfig(o *options, fs *flag.FlagSet) (*manifest.Manifest, error) {
	var (
		m   *manifest.Manifest
		err error
	)
	if o.config != "" {
		m, err = manifest.Load(o.config)
	} else {
		m, err = manifest.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "heap":
			m.Runtime.HeapSize = o.heap
		case "timeslice":
			m.Runtime.Timeslice = o.timeslice
		case "no-gc":
			m.Runtime.GC = !o.noGC
		case "retries":
			m.Runtime.DeadlockRetries = o.retries
		case "profile":
			m.Runtime.Profile = o.profile
		case "normalize":
			m.Runtime.NormalizeStrings = o.normalize
		case "v":
			m.Log.Verbosity = o.verbose
		case "port":
			m.Server.Addr = fmt.Sprintf(":%d", o.port)
		case "grpc-port":
			m.Server.GRPCAddr = fmt.Sprintf(":%d", o.grpcPort)
		}
	})
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return m, nil
}

func runOptions(m *manifest.Manifest) vm.Options {
	return vm.Options{
		HeapWords:        m.Runtime.HeapSize,
		Timeslice:        m.Runtime.Timeslice,
		DisableGC:        !m.Runtime.GC,
		DeadlockRetries:  m.Runtime.DeadlockRetries,
		Profile:          m.Runtime.Profile,
		NormalizeStrings: m.Runtime.NormalizeStrings,
	}
}

func configureLogging(m *manifest.Manifest) {
	var path *string
	if m.Log.File != "" {
		path = &m.Log.File
	}
	commonlog.Configure(m.Log.Verbosity, path)
}

func run(args []string, stdout, stderr io.Writer) int {
	o, fs, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	m, err := loadConfig(o, fs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	configureLogging(m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case o.lsp:
		if err := server.NewLSP(nil).Run(); err != nil {
			fmt.Fprintf(stderr, "LSP error: %v\n", err)
			return exitFail
		}
		return exitOK
	case o.serve:
		return serve(ctx, m, stderr)
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}
	path := fs.Arg(0)
	prog, err := bytecode.LoadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFail
	}
	if err := prog.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
		return exitFail
	}

	if o.disasm {
		fmt.Fprint(stdout, prog.DisassembleWithName(filepath.Base(path)))
		return exitOK
	}
	if o.encode != "" {
		if err := bytecode.SaveFile(o.encode, prog); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFail
		}
		return exitOK
	}

	opts := runOptions(m)
	if !o.json {
		// Stream display output as it happens
		opts.Stdout = stdout
	}
	rep, runErr := vm.Run(ctx, prog, opts)
	if rep == nil {
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return exitFail
	}

	if o.record {
		if err := record(ctx, m, prog, rep); err != nil {
			fmt.Fprintf(stderr, "Warning: %v\n", err)
		}
	}

	if o.json {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFail
		}
	} else {
		printReport(stderr, rep, isTerminal(stderr) || o.verbose > 0)
	}

	if runErr != nil {
		if !o.json {
			fmt.Fprintf(stderr, "Error: %v\n", runErr)
		}
		return exitFail
	}
	if rep.Main().State == vm.Errored {
		return exitFail
	}
	return exitOK
}

// printReport writes one line per machine, plus run statistics when
// stats is set.
func printReport(w io.Writer, rep *vm.Report, stats bool) {
	for _, mr := range rep.Machines {
		switch {
		case mr.Error != "":
			fmt.Fprintf(w, "machine %d: %s: %s\n", mr.ID, mr.State, mr.Error)
		case mr.State == vm.Finished:
			fmt.Fprintf(w, "machine %d: finished => %s\n", mr.ID, formatValue(mr.Final))
		default:
			fmt.Fprintf(w, "machine %d: %s\n", mr.ID, mr.State)
		}
	}
	if !stats {
		return
	}
	h := rep.Heap
	fmt.Fprintf(w, "%s instructions in %s rounds, %s\n",
		humanize.Comma(int64(rep.Instructions)), humanize.Comma(int64(rep.Rounds)), rep.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "heap: %s nodes (%s), %s allocations, %d collections freed %s nodes\n",
		humanize.Comma(int64(h.Nodes)), humanize.IBytes(uint64(h.Nodes)*heap.NodeSize*heap.WordSize),
		humanize.Comma(int64(h.Allocations)), h.Collections, humanize.Comma(int64(h.Freed)))
	if p := rep.Profile; p != nil {
		fmt.Fprintf(w, "profile: %d functions (%d hot), %s calls\n",
			p.Functions, p.HotFunctions, humanize.Comma(int64(p.Calls)))
		for _, f := range p.Top {
			fmt.Fprintf(w, "  @%04d %s calls\n", f.Entry, humanize.Comma(int64(f.Calls)))
		}
	}
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return heap.Format(v)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// record saves rep to the configured run store.
func record(ctx context.Context, m *manifest.Manifest, prog bytecode.Program, rep *vm.Report) error {
	path := m.StorePath()
	if path == "" {
		return errors.New("run store is disabled")
	}
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Save(ctx, store.Record{
		ID:          uuid.NewString(),
		ProgramHash: prog.HashString(),
		CreatedAt:   time.Now(),
		Report:      rep,
	})
}

// serve runs the Connect and gRPC servers until interrupted.
func serve(ctx context.Context, m *manifest.Manifest, stderr io.Writer) int {
	opts := []server.ServerOption{
		server.WithDefaults(runOptions(m)),
		server.WithResultTTL(m.ResultTTL()),
	}
	if path := m.StorePath(); path != "" {
		st, err := store.Open(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFail
		}
		defer st.Close()
		opts = append(opts, server.WithStore(st))
	}

	srv := server.New(opts...)
	defer srv.Stop()
	if err := srv.Serve(ctx, m.Server.Addr, m.Server.GRPCAddr); err != nil {
		fmt.Fprintf(stderr, "Server error: %v\n", err)
		return exitFail
	}
	return exitOK
}
