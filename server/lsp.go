package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/goslang/pkg/bytecode"
	"github.com/chazu/goslang/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "goslang-lsp"

// LspServer provides editor support for bytecode program files in their
// JSON and YAML forms: diagnostics from decoding and validation, opcode
// and builtin completion, hover, and go-to-definition on jump targets.
type LspServer struct {
	builtins *vm.Builtins

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server. builtins may be nil for the standard
// table.
func NewLSP(builtins *vm.Builtins) *LspServer {
	if builtins == nil {
		builtins = vm.NewBuiltins()
	}
	s := &LspServer{
		builtins: builtins,
		docs:     make(map[string]string),
		version:  "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "goslang LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"\"", " "},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return s.complete(prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return s.hover(word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	loc := definition(uri, text, params.Position)
	if loc == nil {
		return nil, nil
	}
	return []protocol.Location{*loc}, nil
}

func (s *LspServer) complete(prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	upper := strings.ToUpper(prefix)

	// Opcode names
	for _, op := range bytecode.AllOpcodes() {
		name := op.String()
		if strings.HasPrefix(name, upper) {
			kind := protocol.CompletionItemKindKeyword
			detail := opcodeDetail(op)
			items = append(items, protocol.CompletionItem{
				Label:      name,
				Kind:       &kind,
				Detail:     &detail,
				InsertText: &name,
			})
		}
	}

	// Builtins and constants, for LD sym fields
	for _, name := range s.builtins.Names() {
		if strings.HasPrefix(name, prefix) {
			kind := protocol.CompletionItemKindFunction
			detail := s.builtinDetail(name)
			if s.builtins.Arity(name) < 0 {
				kind = protocol.CompletionItemKindConstant
			}
			nameCopy := name
			items = append(items, protocol.CompletionItem{
				Label:      name,
				Kind:       &kind,
				Detail:     &detail,
				InsertText: &nameCopy,
			})
		}
	}

	return items
}

func (s *LspServer) hover(word string) *protocol.Hover {
	var b strings.Builder
	if op, ok := bytecode.LookupOpcode(word); ok {
		fmt.Fprintf(&b, "**%s**\n\n%s", op, opcodeDetail(op))
	} else if _, ok := s.builtins.Position(word); ok {
		fmt.Fprintf(&b, "**%s**\n\n%s", word, s.builtinDetail(word))
	} else {
		return nil
	}
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

func opcodeDetail(op bytecode.Opcode) string {
	info := bytecode.GetOpcodeInfo(op)
	pops := strconv.Itoa(info.StackPop)
	if info.StackPop < 0 {
		pops = "arity+1"
	}
	detail := fmt.Sprintf("pops %s, pushes %d", pops, info.StackPush)
	if len(info.Operands) > 0 {
		detail += "; operands: " + strings.Join(info.Operands, ", ")
	}
	return detail
}

func (s *LspServer) builtinDetail(name string) string {
	pos, _ := s.builtins.Position(name)
	if arity := s.builtins.Arity(name); arity >= 0 {
		return fmt.Sprintf("builtin/%d at %s", arity, pos)
	}
	return fmt.Sprintf("constant at %s", pos)
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnose(uri, text),
	})
}

// diagnose decodes and validates a program document. Validation problems
// are placed on the line of the instruction they refer to.
func diagnose(uri protocol.DocumentUri, text string) []protocol.Diagnostic {
	diagnostics := []protocol.Diagnostic{}
	add := func(line int, msg string) {
		severity := protocol.DiagnosticSeverityError
		source := lspName
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: protocol.UInteger(line), Character: 0},
				End:   protocol.Position{Line: protocol.UInteger(line), Character: 0},
			},
			Severity: &severity,
			Source:   &source,
			Message:  msg,
		})
	}

	if strings.TrimSpace(text) == "" {
		return diagnostics
	}
	prog, err := bytecode.Decode(bytecode.FormatForPath(string(uri)), []byte(text))
	if err != nil {
		add(0, err.Error())
		return diagnostics
	}
	var verr *bytecode.ValidationError
	if err := prog.Validate(); errors.As(err, &verr) {
		lines := instructionLines(text)
		for _, p := range verr.Problems {
			line := 0
			if p.PC >= 0 && p.PC < len(lines) {
				line = lines[p.PC]
			}
			add(line, p.String())
		}
	}
	return diagnostics
}

// instructionLines returns the line on which each instruction starts:
// top-level "- " items in YAML, or one "{" object per line in JSON.
func instructionLines(text string) []int {
	var lines []int
	for i, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") || line == "-" || strings.HasPrefix(trimmed, "{") {
			lines = append(lines, i)
		}
	}
	return lines
}

// definition resolves a jump target under the cursor (the value of an
// addr, start or end field) to the line of that instruction.
func definition(uri protocol.DocumentUri, text string, pos protocol.Position) *protocol.Location {
	word := extractWord(text, pos)
	target, err := strconv.Atoi(word)
	if err != nil {
		return nil
	}
	lines := strings.Split(text, "\n")
	line := lines[pos.Line]
	if !hasJumpField(line) {
		return nil
	}
	starts := instructionLines(text)
	if target < 0 || target >= len(starts) {
		return nil
	}
	at := protocol.Position{Line: protocol.UInteger(starts[target]), Character: 0}
	return &protocol.Location{
		URI:   uri,
		Range: protocol.Range{Start: at, End: at},
	}
}

func hasJumpField(line string) bool {
	for _, field := range []string{"addr", "start", "end"} {
		if strings.Contains(line, `"`+field+`"`) || strings.Contains(line, field+":") {
			return true
		}
	}
	return false
}

// --- Text extraction helpers ---

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}
	end := col
	for end < len(line) && isWordChar(rune(line[end])) {
		end++
	}

	if start == end {
		return ""
	}

	return line[start:end]
}

func isWordChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

func boolPtr(b bool) *bool {
	return &b
}
