package allocman

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joshuapare/allocman/kobj"
)

// DefaultRefillPassLimit bounds the refill fixed-point iteration.
const DefaultRefillPassLimit = 4

// Runtime allocation logging, controlled by the ALLOCMAN_LOG env var.
var logAlloc = os.Getenv("ALLOCMAN_LOG") != ""

// Kind names one of the three resource kinds.
type Kind int

const (
	KindCspace Kind = iota
	KindUtspace
	KindMspace
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindCspace:
		return "cspace"
	case KindUtspace:
		return "utspace"
	case KindMspace:
		return "mspace"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Options configures a Manager.
type Options struct {
	// Logger receives allocation diagnostics.
	// Default: discard, or stderr text when ALLOCMAN_LOG is set
	Logger *slog.Logger

	// RefillPassLimit caps the number of refill passes after an outermost
	// operation.
	// Default: 4
	RefillPassLimit int

	// Mover relocates a reserved utspace object from its reserve slot into
	// the slot the caller asked for. Without it, utspace watermark hits fail.
	Mover kobj.Mover
}

// DefaultOptions returns the options used when New is given nil.
func DefaultOptions() *Options {
	return &Options{
		Logger:          defaultLogger(),
		RefillPassLimit: DefaultRefillPassLimit,
	}
}

func defaultLogger() *slog.Logger {
	if logAlloc {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DepthPair is the reentrancy depth of one resource kind.
type DepthPair struct {
	Alloc int
	Free  int
}

// Depths is a snapshot of all six depth counters.
type Depths struct {
	Cspace  DepthPair
	Utspace DepthPair
	Mspace  DepthPair
}

// Manager is the allocation manager. The zero value is not usable; call New.
type Manager struct {
	log       *slog.Logger
	passLimit int
	mover     kobj.Mover

	mspace  Mspace
	cspace  Cspace
	utspace Utspace

	// inOperation is set from the start of an outermost call until it returns.
	inOperation bool
	depth       [numKinds]DepthPair

	refilling     bool
	usedWatermark bool

	cspaceSlots    vector[kobj.Path]
	mspaceClasses  vector[mspaceClass]
	utspaceClasses vector[utspaceClass]

	freedSlots   vector[kobj.Path]
	freedMspace  vector[freedChunk]
	freedUtspace vector[freedUntyped]

	stats Stats
}

// New creates a Manager around the mandatory mspace backend. Cspace and
// utspace backends are attached later. A nil opts uses DefaultOptions.
func New(ms Mspace, opts *Options) *Manager {
	if ms == nil {
		panic("allocman: nil mspace backend")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	m := &Manager{
		log:       opts.Logger,
		passLimit: opts.RefillPassLimit,
		mover:     opts.Mover,
		mspace:    ms,
		// The first outermost operation always attempts a fill.
		usedWatermark: true,
	}
	if m.log == nil {
		m.log = defaultLogger()
	}
	if m.passLimit <= 0 {
		m.passLimit = DefaultRefillPassLimit
	}
	return m
}

// AttachCspace installs the cspace backend.
func (m *Manager) AttachCspace(cs Cspace) error {
	root := m.startOperation()
	defer m.endOperation(root)
	if !root {
		return fmt.Errorf("attach cspace: %w", ErrNested)
	}
	if m.cspace != nil {
		m.log.Error("allocator already attached", "kind", KindCspace)
		return fmt.Errorf("attach cspace: %w", ErrAlreadyAttached)
	}
	m.cspace = cs
	return nil
}

// AttachUtspace installs the utspace backend.
func (m *Manager) AttachUtspace(us Utspace) error {
	root := m.startOperation()
	defer m.endOperation(root)
	if !root {
		return fmt.Errorf("attach utspace: %w", ErrNested)
	}
	if m.utspace != nil {
		m.log.Error("allocator already attached", "kind", KindUtspace)
		return fmt.Errorf("attach utspace: %w", ErrAlreadyAttached)
	}
	m.utspace = us
	return nil
}

// HasCspace reports whether a cspace backend is attached.
func (m *Manager) HasCspace() bool { return m.cspace != nil }

// HasUtspace reports whether a utspace backend is attached.
func (m *Manager) HasUtspace() bool { return m.utspace != nil }

// Mspace returns the mspace backend the Manager was created with.
func (m *Manager) Mspace() Mspace { return m.mspace }

// InOperation reports whether an outermost operation is executing.
func (m *Manager) InOperation() bool { return m.inOperation }

// Depths returns the current reentrancy depths.
func (m *Manager) Depths() Depths {
	return Depths{
		Cspace:  m.depth[KindCspace],
		Utspace: m.depth[KindUtspace],
		Mspace:  m.depth[KindMspace],
	}
}

// startOperation marks the start of an operation and reports whether it is
// the outermost one.
func (m *Manager) startOperation() bool {
	root := !m.inOperation
	m.inOperation = true
	return root
}

// endOperation closes an operation. Closing the outermost one refills the
// watermark pools.
func (m *Manager) endOperation(root bool) {
	if !root {
		return
	}
	m.inOperation = false
	m.refillWatermark()
}

type direction int

const (
	dirAlloc direction = iota
	dirFree
)

// enter bumps the depth counter for k/dir and returns the matching exit.
func (m *Manager) enter(k Kind, dir direction) func() {
	c := &m.depth[k].Alloc
	if dir == dirFree {
		c = &m.depth[k].Free
	}
	*c++
	return func() {
		if *c <= 0 {
			panic(fmt.Sprintf("allocman: %s depth underflow", k))
		}
		*c--
	}
}
