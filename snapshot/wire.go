// Package snapshot serializes compiled code objects to a canonical CBOR
// wire form and addresses them by content digest.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ternvm/tern/vm"
)

// FormatVersion is bumped on incompatible wire changes.
const FormatVersion = 1

// cborEncMode uses canonical encoding so the same code object always
// produces the same bytes, and therefore the same digest.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Wire structs mirror vm.CodeObject field by field. Integer keys keep
// the encoding compact and stable across field renames.

type wireConstant struct {
	Kind uint8  `cbor:"1,keyasint"`
	Int  int64  `cbor:"2,keyasint,omitempty"`
	Str  string `cbor:"3,keyasint,omitempty"`
}

type wireUpvalue struct {
	FromLocal bool `cbor:"1,keyasint"`
	Index     int  `cbor:"2,keyasint"`
}

type wireCode struct {
	Name      string         `cbor:"1,keyasint,omitempty"`
	NumParams int            `cbor:"2,keyasint"`
	NumLocals int            `cbor:"3,keyasint"`
	Bytecode  []byte         `cbor:"4,keyasint"`
	Constants []wireConstant `cbor:"5,keyasint,omitempty"`
	Children  []*wireCode    `cbor:"6,keyasint,omitempty"`
	Upvalues  []wireUpvalue  `cbor:"7,keyasint,omitempty"`
}

type wireSnapshot struct {
	Version int       `cbor:"1,keyasint"`
	Root    *wireCode `cbor:"2,keyasint"`
}

func toWire(c *vm.CodeObject) *wireCode {
	w := &wireCode{
		Name:      c.Name,
		NumParams: c.NumParams,
		NumLocals: c.NumLocals,
		Bytecode:  c.Bytecode,
	}
	for _, k := range c.Constants {
		w.Constants = append(w.Constants, wireConstant{Kind: uint8(k.Kind), Int: k.Int, Str: k.Str})
	}
	for _, child := range c.Children {
		w.Children = append(w.Children, toWire(child))
	}
	for _, u := range c.Upvalues {
		w.Upvalues = append(w.Upvalues, wireUpvalue{FromLocal: u.FromLocal, Index: u.Index})
	}
	return w
}

func fromWire(w *wireCode) *vm.CodeObject {
	c := &vm.CodeObject{
		Name:      w.Name,
		NumParams: w.NumParams,
		NumLocals: w.NumLocals,
		Bytecode:  w.Bytecode,
	}
	for _, k := range w.Constants {
		c.Constants = append(c.Constants, vm.Constant{Kind: vm.Kind(k.Kind), Int: k.Int, Str: k.Str})
	}
	for _, child := range w.Children {
		c.Children = append(c.Children, fromWire(child))
	}
	for _, u := range w.Upvalues {
		c.Upvalues = append(c.Upvalues, vm.UpvalueDesc{FromLocal: u.FromLocal, Index: u.Index})
	}
	return c
}

// Marshal serializes a code object to canonical CBOR bytes.
func Marshal(code *vm.CodeObject) ([]byte, error) {
	if code == nil {
		return nil, fmt.Errorf("snapshot: nil code object")
	}
	return cborEncMode.Marshal(&wireSnapshot{Version: FormatVersion, Root: toWire(code)})
}

// Unmarshal deserializes and structurally validates a code object.
func Unmarshal(data []byte) (*vm.CodeObject, error) {
	var w wireSnapshot
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	if w.Version != FormatVersion {
		return nil, fmt.Errorf("snapshot: unsupported format version %d", w.Version)
	}
	if w.Root == nil {
		return nil, fmt.Errorf("snapshot: missing root code object")
	}
	code := fromWire(w.Root)
	if err := code.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot: invalid code: %w", err)
	}
	return code, nil
}

// Digest returns the hex SHA-256 of the canonical encoding. Two code
// objects with identical structure share a digest.
func Digest(code *vm.CodeObject) (string, error) {
	data, err := Marshal(code)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DigestBytes returns the hex SHA-256 of already-marshaled snapshot bytes.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
