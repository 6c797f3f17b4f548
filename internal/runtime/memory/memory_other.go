//go:build !linux || !(amd64 || arm64)

package memory

// Arena is unavailable on this platform.
type Arena struct{}

func NewArena(bufSize int, limit, initial uint64) (*Arena, error) { return nil, ErrUnsupported }

func (a *Arena) Base() uintptr { return 0 }
func (a *Arena) Reserved() uintptr { return 0 }
func (a *Arena) LinearBase() uintptr { return 0 }
func (a *Arena) Size() uint64 { return 0 }
func (a *Arena) Limit() uint64 { return 0 }
func (a *Arena) Buffer() []byte { return nil }
func (a *Arena) Linear() []byte { return nil }
func (a *Arena) Grow(newSize uint64) error { return ErrUnsupported }
func (a *Arena) ReleaseLinear() error { return nil }
func (a *Arena) Release() error { return nil }

// Stack is unavailable on this platform.
type Stack struct{}

func NewStack(size int) (*Stack, error) { return nil, ErrUnsupported }

func (s *Stack) Base() uintptr { return 0 }
func (s *Stack) Top() uintptr { return 0 }
func (s *Stack) Size() int { return 0 }
func (s *Stack) Bytes() []byte { return nil }
func (s *Stack) Release() error { return nil }
