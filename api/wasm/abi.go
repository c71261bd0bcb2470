package wasm

// Default export names. They match what an emscripten build of the core
// exposes with EMSCRIPTEN_KEEPALIVE.
const (
	ExportMemory  = "memory"
	ExportMalloc  = "malloc"
	ExportFree    = "free"
	ExportInit    = "init"
	ExportDestroy = "destroy"
	ExportLoadROM = "loadROM"
	ExportStart   = "start"

	// StartInitialize is the reactor start function run during instantiation.
	StartInitialize = "_initialize"
)

// Host import module and function names.
const (
	HostModule         = "host"
	ImportLogMessage   = "log_message"
	ImportPresentFrame = "present_frame"
	ImportWaitFrame    = "wait_frame"
)

// Log levels accepted by log_message.
const (
	LogLevelDebug uint32 = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)
