package module

import (
	"time"

	"faasrt/internal/runtime/memory"
	appErr "faasrt/pkg/errors"
)

const (
	MaxNameLength = 32

	DefaultStackSize          = 512 * 1024
	DefaultMaxMemory          = 64 << 20
	DefaultInitialMemory      = memory.WasmPageSize
	DefaultRelativeDeadlineUS = 50000
	DefaultMaxRequestSize     = 64 * 1024
	DefaultMaxResponseSize    = 64 * 1024
	DefaultMaxHeaderCount     = 16
	DefaultMaxHeaderLength    = 1024
	DefaultIndirectTableSize  = 1024

	DefaultContentType = "text/plain"
)

// Limits are the per-module resource ceilings every sandbox of the module runs under.
type Limits struct {
	StackSize          int    `yaml:"stackSize" json:"stack_size"`
	MaxMemory          uint64 `yaml:"maxMemory" json:"max_memory"`
	InitialMemory      uint64 `yaml:"initialMemory" json:"initial_memory"`
	RelativeDeadlineUS uint32 `yaml:"relativeDeadlineUs" json:"relative_deadline_us"`
	MaxRequestSize     int    `yaml:"maxRequestSize" json:"max_request_size"`
	MaxResponseSize    int    `yaml:"maxResponseSize" json:"max_response_size"`
	MaxHeaderCount     int    `yaml:"maxHeaderCount" json:"max_header_count"`
	MaxHeaderLength    int    `yaml:"maxHeaderLength" json:"max_header_length"`
	IndirectTableSize  int    `yaml:"indirectTableSize" json:"indirect_table_size"`
}

// HTTPTemplate holds the header templates attached to requests and default responses.
type HTTPTemplate struct {
	RequestHeaders      []string `yaml:"requestHeaders" json:"request_headers,omitempty"`
	RequestContentType  string   `yaml:"requestContentType" json:"request_content_type,omitempty"`
	ResponseHeaders     []string `yaml:"responseHeaders" json:"response_headers,omitempty"`
	ResponseContentType string   `yaml:"responseContentType" json:"response_content_type,omitempty"`
}

// withDefaults fills zero fields and caps linear memory at the reserved ceiling.
func (l Limits) withDefaults() Limits {
	if l.StackSize == 0 {
		l.StackSize = DefaultStackSize
	}
	if l.MaxMemory == 0 {
		l.MaxMemory = DefaultMaxMemory
	}
	if l.MaxMemory > memory.LinearCeiling {
		l.MaxMemory = memory.LinearCeiling
	}
	if l.InitialMemory == 0 {
		l.InitialMemory = DefaultInitialMemory
	}
	if l.RelativeDeadlineUS == 0 {
		l.RelativeDeadlineUS = DefaultRelativeDeadlineUS
	}
	if l.MaxRequestSize == 0 {
		l.MaxRequestSize = DefaultMaxRequestSize
	}
	if l.MaxResponseSize == 0 {
		l.MaxResponseSize = DefaultMaxResponseSize
	}
	if l.MaxHeaderCount == 0 {
		l.MaxHeaderCount = DefaultMaxHeaderCount
	}
	if l.MaxHeaderLength == 0 {
		l.MaxHeaderLength = DefaultMaxHeaderLength
	}
	if l.IndirectTableSize == 0 {
		l.IndirectTableSize = DefaultIndirectTableSize
	}
	return l
}

func (l Limits) validate() error {
	switch {
	case l.StackSize < 0:
		return appErr.ValidationError("stack_size", "must not be negative")
	case l.InitialMemory > l.MaxMemory:
		return appErr.ValidationError("initial_memory", "exceeds max_memory")
	case l.MaxRequestSize < 0:
		return appErr.ValidationError("max_request_size", "must not be negative")
	case l.MaxResponseSize < 0:
		return appErr.ValidationError("max_response_size", "must not be negative")
	case l.MaxHeaderCount < 0 || l.MaxHeaderLength < 0:
		return appErr.ValidationError("max_header", "must not be negative")
	case l.IndirectTableSize < 0:
		return appErr.ValidationError("indirect_table_size", "must not be negative")
	}
	return nil
}

// RelativeDeadline is the time budget from dispatch.
func (l Limits) RelativeDeadline() time.Duration {
	return time.Duration(l.RelativeDeadlineUS) * time.Microsecond
}

// MaxRequestOrResponseSize sizes the embedded request/response buffer.
func (l Limits) MaxRequestOrResponseSize() int {
	if l.MaxRequestSize > l.MaxResponseSize {
		return l.MaxRequestSize
	}
	return l.MaxResponseSize
}

func (h HTTPTemplate) validate(l Limits) error {
	if len(h.RequestHeaders) > l.MaxHeaderCount {
		return appErr.ValidationError("request_headers", "too many headers")
	}
	if len(h.ResponseHeaders) > l.MaxHeaderCount {
		return appErr.ValidationError("response_headers", "too many headers")
	}
	for _, hdr := range append(append([]string{}, h.RequestHeaders...), h.ResponseHeaders...) {
		if len(hdr) > l.MaxHeaderLength {
			return appErr.ValidationError("headers", "header exceeds max_header_length")
		}
	}
	return nil
}

// ContentType is the response content type, text/plain unless the template sets one.
func (h HTTPTemplate) ContentType() string {
	if h.ResponseContentType == "" {
		return DefaultContentType
	}
	return h.ResponseContentType
}
