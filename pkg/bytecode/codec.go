package bytecode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v2"
)

// Format is a program encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCBOR Format = "cbor"
)

// FormatForPath picks a format from a file extension. Unknown extensions
// are treated as JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".cbor", ".gsb":
		return FormatCBOR
	}
	return FormatJSON
}

// encMode encodes CBOR canonically so equal programs hash equally.
var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// DecodeJSON parses the JSON instruction-array form. Unknown fields are
// ignored.
func DecodeJSON(data []byte) (Program, error) {
	var p Program
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bytecode: decode json: %w", err)
	}
	return p, nil
}

// EncodeJSON renders the program with one instruction per line.
func EncodeJSON(p Program) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("[\n")
	for i, in := range p {
		line, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("bytecode: encode json @%d: %w", i, err)
		}
		buf.WriteString("  ")
		buf.Write(line)
		if i < len(p)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("]\n")
	return buf.Bytes(), nil
}

// DecodeYAML parses a YAML sequence of instructions.
func DecodeYAML(data []byte) (Program, error) {
	var p Program
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bytecode: decode yaml: %w", err)
	}
	return p, nil
}

// EncodeYAML renders the program as a YAML sequence.
func EncodeYAML(p Program) ([]byte, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("bytecode: encode yaml: %w", err)
	}
	return data, nil
}

// DecodeCBOR parses the compact binary form.
func DecodeCBOR(data []byte) (Program, error) {
	var p Program
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bytecode: decode cbor: %w", err)
	}
	return p, nil
}

// EncodeCBOR renders the program canonically.
func EncodeCBOR(p Program) ([]byte, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("bytecode: encode cbor: %w", err)
	}
	return data, nil
}

// Decode parses data in the given format.
func Decode(f Format, data []byte) (Program, error) {
	switch f {
	case FormatJSON:
		return DecodeJSON(data)
	case FormatYAML:
		return DecodeYAML(data)
	case FormatCBOR:
		return DecodeCBOR(data)
	}
	return nil, fmt.Errorf("bytecode: unknown format %q", f)
}

// Encode renders p in the given format.
func Encode(f Format, p Program) ([]byte, error) {
	switch f {
	case FormatJSON:
		return EncodeJSON(p)
	case FormatYAML:
		return EncodeYAML(p)
	case FormatCBOR:
		return EncodeCBOR(p)
	}
	return nil, fmt.Errorf("bytecode: unknown format %q", f)
}

// LoadFile reads a program, choosing the format from the extension.
func LoadFile(path string) (Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(FormatForPath(path), data)
}

// SaveFile writes a program, choosing the format from the extension.
func SaveFile(path string, p Program) error {
	data, err := Encode(FormatForPath(path), p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
