package server

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

// ---------------------------------------------------------------------------
// LSP text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"simple word", `{"tag": "LD`, protocol.Position{Line: 0, Character: 11}, "LD"},
		{"empty line", "", protocol.Position{Line: 0, Character: 0}, ""},
		{"multi line", "- tag: LDC\n  val: 1\n- tag: BIN", protocol.Position{Line: 2, Character: 10}, "BIN"},
		{"underscore", "- tag: ENTER_SC", protocol.Position{Line: 0, Character: 15}, "ENTER_SC"},
		{"cursor at beginning", "hello", protocol.Position{Line: 0, Character: 0}, ""},
		{"line beyond document", "single line", protocol.Position{Line: 5, Character: 0}, ""},
		{"column beyond line", "- tag: POP", protocol.Position{Line: 0, Character: 99}, "POP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPrefix(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractPrefix = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"middle of word", "- tag: WAITGROUP", protocol.Position{Line: 0, Character: 9}, "WAITGROUP"},
		{"at end", "sym: display", protocol.Position{Line: 0, Character: 12}, "display"},
		{"at space", "a b", protocol.Position{Line: 0, Character: 1}, "a"},
		{"number", `{"tag":"GOTO","addr":12}`, protocol.Position{Line: 0, Character: 21}, "12"},
		{"underscore", "sym: is_pair", protocol.Position{Line: 0, Character: 8}, "is_pair"},
		{"line beyond document", "x", protocol.Position{Line: 3, Character: 0}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractWord(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractWord = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBoolPtr(t *testing.T) {
	if p := boolPtr(true); p == nil || !*p {
		t.Error("boolPtr(true) should point to true")
	}
	if p := boolPtr(false); p == nil || *p {
		t.Error("boolPtr(false) should point to false")
	}
}

// ---------------------------------------------------------------------------
// Language features
// ---------------------------------------------------------------------------

func TestLSP_Complete(t *testing.T) {
	lsp := NewLSP(nil)

	items := lsp.complete("WA")
	if len(items) != 1 || items[0].Label != "WAITGROUP" {
		t.Fatalf("complete(WA) = %v, want [WAITGROUP]", labels(items))
	}
	if items[0].Kind == nil || *items[0].Kind != protocol.CompletionItemKindKeyword {
		t.Error("opcode completion should have Kind=Keyword")
	}

	// Lower-case prefixes match opcodes case-insensitively and builtins exactly
	items = lsp.complete("is_")
	got := labels(items)
	for _, want := range []string{"is_pair", "is_null", "is_channel"} {
		if !strings.Contains(got, want) {
			t.Errorf("complete(is_) = %s, missing %s", got, want)
		}
	}

	items = lsp.complete("nil")
	if len(items) != 1 || *items[0].Kind != protocol.CompletionItemKindConstant {
		t.Errorf("complete(nil) = %s, want the nil constant", labels(items))
	}
}

func labels(items []protocol.CompletionItem) string {
	var names []string
	for _, it := range items {
		names = append(names, it.Label)
	}
	return strings.Join(names, ",")
}

func TestLSP_Hover(t *testing.T) {
	lsp := NewLSP(nil)

	tests := []struct {
		word string
		want string // substring of the markdown, empty for no hover
	}{
		{"CALL", "pops arity+1, pushes 1; operands: arity"},
		{"SEND", "pops 2, pushes 0"},
		{"display", "builtin/1 at (0,0)"},
		{"undefined", "constant at (2,0)"},
		{"nothing", ""},
	}
	for _, tt := range tests {
		hover := lsp.hover(tt.word)
		if tt.want == "" {
			if hover != nil {
				t.Errorf("hover(%s) = %v, want nil", tt.word, hover)
			}
			continue
		}
		if hover == nil {
			t.Errorf("hover(%s) = nil", tt.word)
			continue
		}
		mc, ok := hover.Contents.(protocol.MarkupContent)
		if !ok {
			t.Fatal("hover contents should be MarkupContent")
		}
		if !strings.Contains(mc.Value, tt.want) {
			t.Errorf("hover(%s) = %q, want it to contain %q", tt.word, mc.Value, tt.want)
		}
	}
}

const yamlDoc = `- tag: ENTER_SCOPE
  num: 1
- tag: GOTO
  addr: 3
- tag: LDC
  val: 1
- tag: EXIT_SCOPE
- tag: DONE
`

func TestLSP_Definition(t *testing.T) {
	uri := protocol.DocumentUri("file:///prog.yaml")

	loc := definition(uri, yamlDoc, protocol.Position{Line: 3, Character: 9})
	if loc == nil {
		t.Fatal("definition on addr should resolve")
	}
	if loc.Range.Start.Line != 6 {
		t.Errorf("definition line = %d, want 6", loc.Range.Start.Line)
	}

	// A number outside a jump field
	if loc := definition(uri, yamlDoc, protocol.Position{Line: 1, Character: 8}); loc != nil {
		t.Errorf("definition on num = %v, want nil", loc)
	}
}

func TestDiagnose(t *testing.T) {
	tests := []struct {
		name  string
		uri   string
		text  string
		lines []int
		msg   string
	}{
		{"valid yaml", "file:///a.yaml", yamlDoc, nil, ""},
		{"empty", "file:///a.json", "  \n", nil, ""},
		{"bad json", "file:///a.json", `[{"tag": "LDC"`, []int{0}, "decode json"},
		{"unknown opcode", "file:///a.json", `[{"tag": "NOPE"}]`, []int{0}, ""},
		{
			"bad target",
			"file:///a.json",
			"[\n  {\"tag\":\"LDC\",\"val\":1},\n  {\"tag\":\"GOTO\",\"addr\":9},\n  {\"tag\":\"DONE\"}\n]\n",
			[]int{2},
			"@1: GOTO target @9",
		},
		{
			"missing done",
			"file:///a.yaml",
			"- tag: LDC\n  val: 1\n- tag: POP\n",
			[]int{2},
			"does not end with DONE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := diagnose(protocol.DocumentUri(tt.uri), tt.text)
			if len(got) != len(tt.lines) {
				t.Fatalf("diagnose returned %d diagnostics, want %d: %v", len(got), len(tt.lines), got)
			}
			for i, d := range got {
				if int(d.Range.Start.Line) != tt.lines[i] {
					t.Errorf("diagnostic %d on line %d, want %d", i, d.Range.Start.Line, tt.lines[i])
				}
				if tt.msg != "" && !strings.Contains(d.Message, tt.msg) {
					t.Errorf("diagnostic %d = %q, want it to contain %q", i, d.Message, tt.msg)
				}
			}
		})
	}
}

func TestLSP_DocumentStore(t *testing.T) {
	lsp := NewLSP(nil)

	// Simulate didOpen
	lsp.mu.Lock()
	lsp.docs["file:///test.yaml"] = yamlDoc
	lsp.mu.Unlock()

	text, ok := lsp.document("file:///test.yaml")
	if !ok {
		t.Error("document should be stored after open")
	}
	if text != yamlDoc {
		t.Errorf("document text = %q, want %q", text, yamlDoc)
	}

	// Simulate didClose
	lsp.mu.Lock()
	delete(lsp.docs, "file:///test.yaml")
	lsp.mu.Unlock()

	if _, ok := lsp.document("file:///test.yaml"); ok {
		t.Error("document should be removed after close")
	}
}
