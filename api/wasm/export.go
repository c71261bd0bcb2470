//go:build wasm

package wasm

// This file documents the export interface an emulator core must provide.
// Cores are usually C/C++ built with emscripten, but any toolchain that can
// produce a wasm32 module with these exports works.
//
// NOTE: every pointer and length is an i32 because cores use the 32-bit
// linear memory model. Handles are opaque i32 tokens; 0 means "no handle".
//
// Exported functions a core must implement (names may be remapped in the
// core's manifest.yaml under "exports"):
//
// malloc(size i32) i32
// free(ptr i32)
// init() i32
// destroy(handle i32)
// loadROM(handle i32, ptr i32, length i32) i32
// start(handle i32)
//
// "start" runs the core's frame loop for the handle. It should call
// host.wait_frame once per frame and return when wait_frame returns 0.
//
// Optional reactor initialisation is run at instantiation time, by default
// from the "_initialize" export.
