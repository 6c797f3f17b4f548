package module

import (
	"context"
	"sync"
	"sync/atomic"

	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// retiredBit marks a descriptor that no longer accepts new references.
const retiredBit = 1 << 30

// Spec describes a module to register.
type Spec struct {
	Name      string       `yaml:"name" json:"name"`
	Source    string       `yaml:"source" json:"source"`
	Port      int          `yaml:"port" json:"port"`
	Arguments string       `yaml:"arguments" json:"arguments"`
	Limits    Limits       `yaml:"limits" json:"limits"`
	HTTP      HTTPTemplate `yaml:"http" json:"http"`
}

// Descriptor is an immutable registered module. Only its reference count and
// retirement flag change after New.
type Descriptor struct {
	name   string
	source string
	port   int
	args   []string
	limits Limits
	http   HTTPTemplate
	table  *IndirectTable
	unit   Unit

	refs      atomic.Int32
	closeOnce sync.Once
}

// New validates spec, binds unit and runs the unit's table initialization.
func New(spec Spec, unit Unit) (*Descriptor, error) {
	if spec.Name == "" {
		return nil, appErr.ValidationError("name", "required")
	}
	if len(spec.Name) > MaxNameLength {
		return nil, appErr.ValidationError("name", "too long")
	}
	if spec.Port < 0 || spec.Port > 65535 {
		return nil, appErr.ValidationError("port", "out of range")
	}
	if unit == nil {
		return nil, appErr.New(appErr.ModuleInvalid).WithMessage("module has no compute unit")
	}
	limits := spec.Limits.withDefaults()
	if err := limits.validate(); err != nil {
		return nil, err
	}
	if err := spec.HTTP.validate(limits); err != nil {
		return nil, err
	}
	args, err := shlex.Split(spec.Arguments)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse module arguments failed")
	}

	d := &Descriptor{
		name:   spec.Name,
		source: spec.Source,
		port:   spec.Port,
		args:   args,
		limits: limits,
		http:   spec.HTTP,
		table:  NewIndirectTable(limits.IndirectTableSize),
		unit:   unit,
	}
	if err := unit.InitTables(d.table); err != nil {
		return nil, appErr.Wrapf(err, appErr.ModuleLoadFailed, "initialize tables for %s failed", spec.Name)
	}
	if !d.Valid() {
		return nil, appErr.New(appErr.ModuleInvalid).WithMessagef("module %s has no main entry point", spec.Name)
	}
	return d, nil
}

func (d *Descriptor) Name() string          { return d.name }
func (d *Descriptor) Source() string        { return d.source }
func (d *Descriptor) Port() int             { return d.port }
func (d *Descriptor) Limits() Limits        { return d.limits }
func (d *Descriptor) HTTP() HTTPTemplate    { return d.http }
func (d *Descriptor) Table() *IndirectTable { return d.table }
func (d *Descriptor) Unit() Unit            { return d.unit }

// Args returns a copy of the default argument vector.
func (d *Descriptor) Args() []string {
	return append([]string(nil), d.args...)
}

// ArgumentCount is the argc passed to main.
func (d *Descriptor) ArgumentCount() int { return len(d.args) }

// Valid reports whether the module has a load handle and a main entry point.
func (d *Descriptor) Valid() bool {
	return d != nil && d.unit != nil && d.unit.HasMain()
}

// RefCount is the number of sandboxes holding the descriptor.
func (d *Descriptor) RefCount() int32 { return d.refs.Load() &^ retiredBit }

// Retired reports whether the descriptor stopped accepting references.
func (d *Descriptor) Retired() bool { return d.refs.Load()&retiredBit != 0 }

// Acquire pins the descriptor for a new sandbox. It fails once retired.
func (d *Descriptor) Acquire() bool {
	for {
		v := d.refs.Load()
		if v&retiredBit != 0 {
			return false
		}
		if d.refs.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// Release drops one reference. The last release of a retired descriptor
// closes its unit.
func (d *Descriptor) Release() {
	v := d.refs.Add(-1)
	if prev := v + 1; v < 0 || (prev&retiredBit != 0 && v&retiredBit == 0) {
		panic("module: reference count underflow for " + d.name)
	}
	if v == retiredBit {
		d.close()
	}
}

// Retire stops new references; the unit closes when the count drains to zero.
func (d *Descriptor) Retire() {
	for {
		v := d.refs.Load()
		if v&retiredBit != 0 {
			return
		}
		if d.refs.CompareAndSwap(v, v|retiredBit) {
			if v == 0 {
				d.close()
			}
			return
		}
	}
}

func (d *Descriptor) close() {
	d.closeOnce.Do(func() {
		if err := d.unit.Close(context.Background()); err != nil {
			logger.Warn(context.Background(), "close module unit failed",
				zap.String("module", d.name), zap.Error(err))
		}
	})
}
