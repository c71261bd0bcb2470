package wasm

import (
	"errors"
	"fmt"
	"time"
)

// CompilationError occurs when core compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when instantiation or the core's own start
// functions fail. Diagnostics holds what the core wrote to stderr meanwhile.
type InstantiationError struct {
	ModuleName  string
	InstanceID  string
	Diagnostics []string
	Err         error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// InstanceLimitError occurs when RuntimeConfig.MaxInstances is reached
type InstanceLimitError struct {
	Limit int
}

func (e *InstanceLimitError) Error() string {
	return fmt.Sprintf("instance limit reached (%d live instances)", e.Limit)
}

// ModuleNotFoundError occurs when a module is not in cache
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' not found in cache", e.ModuleName)
}

// FunctionNotFoundError occurs when an exported function is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// ImportError occurs when a core imports a function the runtime does not
// provide
type ImportError struct {
	ModuleName   string
	ImportModule string
	ImportName   string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("module '%s' imports unknown function '%s.%s'",
		e.ModuleName, e.ImportModule, e.ImportName)
}

// SignatureError occurs when an export has the wrong parameter or result count
type SignatureError struct {
	ModuleName   string
	FunctionName string
	WantParams   int
	WantResults  int
	GotParams    int
	GotResults   int
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("function '%s' in module '%s' has %d params/%d results, want %d/%d",
		e.FunctionName, e.ModuleName, e.GotParams, e.GotResults, e.WantParams, e.WantResults)
}

// MemoryAccessError occurs when memory operations fail
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// CallError occurs when a call into the core traps or exits
type CallError struct {
	InstanceID   string
	FunctionName string
	Err          error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call to '%s' failed (instance: %s): %v", e.FunctionName, e.InstanceID, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// HostFunctionError occurs when host function execution fails
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error {
	return e.Err
}

// TimeoutError occurs when a boundary call exceeds RuntimeConfig.CallTimeout.
// wazero closes the instance when this happens.
type TimeoutError struct {
	FunctionName string
	Duration     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Wasm call '%s' timed out after %v", e.FunctionName, e.Duration)
}

// errOutOfRange is the cause recorded for out of bounds memory access.
var errOutOfRange = errors.New("out of range of memory size")
