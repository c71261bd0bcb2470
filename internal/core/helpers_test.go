package core

import (
	"os"
	"path/filepath"
	"testing"
)

// emulatorWasm is the test core shared with the wasm package.
var emulatorWasm = filepath.Join("..", "wasm", "testdata", "emulator.wasm")

const validManifest = `name: dmg-test
version: 1.0.0
system: gb
extensions: [".GB", ".gbc"]
wasm:
  file: core.wasm
  start_functions: [_initialize]
video:
  width: 160
  height: 144
author: grouboy
license: MIT
`

// writeCore creates dir/name with a manifest and, unless wasm is nil, a
// core.wasm file.
func writeCore(t *testing.T, dir, name, manifest string, wasm []byte) string {
	t.Helper()
	coreDir := filepath.Join(dir, name)
	if err := os.MkdirAll(coreDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(coreDir, "manifest.yaml"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	if wasm != nil {
		if err := os.WriteFile(filepath.Join(coreDir, "core.wasm"), wasm, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return coreDir
}

func readEmulatorWasm(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(emulatorWasm)
	if err != nil {
		t.Fatalf("Failed to read test core: %v", err)
	}
	return data
}
