package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Module registry & compute unit errors
// 21000-21999: Sandbox errors
// 22000-22999: Scheduler, worker & admission errors
// 23000-23999: Invocation event errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError ErrorCode = 10100

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300

	// Authentication (10400-10499)
	InvalidCredentials    ErrorCode = 10400
	TokenExpired          ErrorCode = 10401
	TokenInvalid          ErrorCode = 10402
	TokenGenerationFailed ErrorCode = 10403

	// ========== Module Errors (20000-20999) ==========

	ModuleInvalid           ErrorCode = 20000
	ModuleNotFound          ErrorCode = 20001
	ModuleAlreadyExists     ErrorCode = 20002
	ModuleLoadFailed        ErrorCode = 20003
	ModuleCompileFailed     ErrorCode = 20004
	ModulePortInUse         ErrorCode = 20005
	IndirectIndexOutOfRange ErrorCode = 20100
	IndirectTypeMismatch    ErrorCode = 20101
	IndirectSlotConflict    ErrorCode = 20102
	ArtifactFetchFailed     ErrorCode = 20200
	ArtifactHashMismatch    ErrorCode = 20201

	// ========== Sandbox Errors (21000-21999) ==========

	SandboxOutOfMemory    ErrorCode = 21000
	SandboxStackMapFailed ErrorCode = 21001
	MemoryGrowFailed      ErrorCode = 21002
	RequestMalformed      ErrorCode = 21100
	RequestTooLarge       ErrorCode = 21101
	ResponseTooLarge      ErrorCode = 21102
	SandboxIOFailed       ErrorCode = 21200
	ClientClosed          ErrorCode = 21201
	IOHandleExhausted     ErrorCode = 21202
	DeadlineExceeded      ErrorCode = 21300
	ModuleTrapped         ErrorCode = 21301

	// ========== Scheduler & Admission Errors (22000-22999) ==========

	RequestQueueFull  ErrorCode = 22000
	ReactorFailed     ErrorCode = 22001
	ListenerFailed    ErrorCode = 22002
	AdmissionRejected ErrorCode = 22003
	WorkerStopped     ErrorCode = 22004

	// ========== Invocation Event Errors (23000-23999) ==========

	EventPublishFailed ErrorCode = 23000
)

var errorMessages = map[ErrorCode]string{
	Success: "Success",

	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized",
	Forbidden:           "Forbidden",
	ServiceUnavailable:  "Service unavailable",
	Timeout:             "Request timeout",

	DatabaseError: "Database error",

	CacheError: "Cache error",

	ValidationFailed: "Validation failed",

	InvalidCredentials:    "Invalid credentials",
	TokenExpired:          "Token expired",
	TokenInvalid:          "Invalid token",
	TokenGenerationFailed: "Failed to generate token",

	ModuleInvalid:           "Module is invalid",
	ModuleNotFound:          "Module not found",
	ModuleAlreadyExists:     "Module already exists",
	ModuleLoadFailed:        "Failed to load module",
	ModuleCompileFailed:     "Failed to compile module",
	ModulePortInUse:         "Module port already in use",
	IndirectIndexOutOfRange: "Indirect table index out of range",
	IndirectTypeMismatch:    "Indirect call type mismatch",
	IndirectSlotConflict:    "Indirect table slot already bound",
	ArtifactFetchFailed:     "Failed to fetch module artifact",
	ArtifactHashMismatch:    "Module artifact hash mismatch",

	SandboxOutOfMemory:    "Sandbox memory allocation failed",
	SandboxStackMapFailed: "Sandbox stack allocation failed",
	MemoryGrowFailed:      "Linear memory growth failed",
	RequestMalformed:      "Malformed request",
	RequestTooLarge:       "Request too large",
	ResponseTooLarge:      "Response too large",
	SandboxIOFailed:       "Sandbox I/O failed",
	ClientClosed:          "Client closed connection",
	IOHandleExhausted:     "No free I/O handle",
	DeadlineExceeded:      "Deadline exceeded",
	ModuleTrapped:         "Module trapped",

	RequestQueueFull:  "Request queue is full",
	ReactorFailed:     "Reactor failure",
	ListenerFailed:    "Listener failure",
	AdmissionRejected: "Request rejected by admission control",
	WorkerStopped:     "Worker stopped",

	EventPublishFailed: "Failed to publish invocation event",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c >= 10400 && c < 10500:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == ModuleNotFound:
		return 404
	case c == ModuleAlreadyExists, c == ModulePortInUse:
		return 409
	case c == RequestTooLarge, c == ResponseTooLarge:
		return 413
	case c == AdmissionRejected, c == RequestQueueFull:
		return 429
	case c == ServiceUnavailable, c == WorkerStopped:
		return 503
	case c == Timeout, c == DeadlineExceeded:
		return 504
	case c >= 10300 && c < 10400, c == InvalidParams, c == RequestMalformed, c == ModuleInvalid, c == ArtifactHashMismatch:
		return 400
	default:
		return 500
	}
}
