package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/internal/logger"
	"github.com/joshuapare/allocman/kobj"
	"github.com/joshuapare/allocman/kobj/sim"
)

var (
	simSeed        uint64
	simSteps       int
	simUntypedBits uint
	simTwoLevel    bool
)

func init() {
	cmd := newSimulateCmd()
	cmd.Flags().Uint64Var(&simSeed, "seed", 1, "Workload random seed")
	cmd.Flags().IntVar(&simSteps, "steps", 10000, "Number of workload steps")
	cmd.Flags().UintVar(&simUntypedBits, "untyped-bits", 24, "Size in bits of the boot kernel untyped")
	cmd.Flags().BoolVar(&simTwoLevel, "two-level", false, "Bootstrap a two-level cspace")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a random allocation workload",
		Long: `The simulate command boots a manager, then runs a seeded mix of memory,
slot and object allocations and frees. Some object frees are issued from
inside kernel retypes, while the untyped allocator is mid operation, so they
take the deferred-free path.

Example:
  allocmanctl simulate --steps 50000 --seed 7
  allocmanctl simulate --two-level --config allocman.toml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate()
		},
	}
	return cmd
}

// opCounts tallies workload operations.
type opCounts struct {
	MspaceAllocs  int `json:"mspace_allocs"`
	MspaceFrees   int `json:"mspace_frees"`
	SlotAllocs    int `json:"slot_allocs"`
	SlotFrees     int `json:"slot_frees"`
	ObjectAllocs  int `json:"object_allocs"`
	ObjectFrees   int `json:"object_frees"`
	CallbackFrees int `json:"callback_frees"`
	Failures      int `json:"failures"`
}

// simReport is the simulate command's output.
type simReport struct {
	Seed        uint64          `json:"seed"`
	Steps       int             `json:"steps"`
	Ops         opCounts        `json:"ops"`
	Stats       allocman.Stats  `json:"stats"`
	Levels      allocman.Levels `json:"levels"`
	LiveObjects int             `json:"live_objects"`
	MappedPages int             `json:"mapped_pages"`
}

type chunk struct {
	addr  allocman.Addr
	bytes int
}

type object struct {
	slot     kobj.Path
	cookie   allocman.Cookie
	sizeBits uint
}

// objectKinds are the objects the workload creates.
var objectKinds = []struct {
	typ  kobj.Type
	bits uint
}{
	{sim.TypeEndpoint, 4},
	{sim.TypeTCB, 10},
	{sim.TypeFrame, sim.PageBits},
	{sim.TypeFrame, 16},
}

// workload drives a Manager with random operations and remembers what it
// holds so it can free it again.
type workload struct {
	m   *allocman.Manager
	k   *hookKernel
	rng *rand.Rand

	chunks  []chunk
	slots   []kobj.Path
	objects []object
	ops     opCounts
}

func newWorkload(b *booted, seed uint64) *workload {
	w := &workload{
		m:   b.m,
		k:   b.kernel,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	b.kernel.hook = w.callbackFree
	return w
}

// take removes and returns a random element of s.
func take[T any](rng *rand.Rand, s *[]T) T {
	i := rng.IntN(len(*s))
	v := (*s)[i]
	last := len(*s) - 1
	(*s)[i] = (*s)[last]
	*s = (*s)[:last]
	return v
}

func (w *workload) step() error {
	switch w.rng.IntN(8) {
	case 0, 1:
		bytes := 8 + w.rng.IntN(504)
		addr, err := w.m.AllocMspace(bytes)
		if err != nil {
			w.ops.Failures++
			return nil
		}
		w.chunks = append(w.chunks, chunk{addr: addr, bytes: bytes})
		w.ops.MspaceAllocs++
	case 2:
		if len(w.chunks) > 0 {
			c := take(w.rng, &w.chunks)
			w.m.FreeMspace(c.addr, c.bytes)
			w.ops.MspaceFrees++
		}
	case 3:
		slot, err := w.m.AllocCspace()
		if err != nil {
			w.ops.Failures++
			return nil
		}
		w.slots = append(w.slots, slot)
		w.ops.SlotAllocs++
	case 4:
		if len(w.slots) > 0 {
			w.m.FreeCspace(take(w.rng, &w.slots))
			w.ops.SlotFrees++
		}
	case 5, 6:
		return w.allocObject()
	case 7:
		if len(w.objects) > 0 {
			return w.freeObject(take(w.rng, &w.objects))
		}
	}
	return nil
}

func (w *workload) allocObject() error {
	kind := objectKinds[w.rng.IntN(len(objectKinds))]
	slot, err := w.m.AllocCspace()
	if err != nil {
		w.ops.Failures++
		return nil
	}
	cookie, err := w.m.AllocUtspace(kind.bits, kind.typ, slot, false)
	if err != nil {
		w.m.FreeCspace(slot)
		w.ops.Failures++
		return nil
	}
	w.objects = append(w.objects, object{slot: slot, cookie: cookie, sizeBits: kind.bits})
	w.ops.ObjectAllocs++
	return nil
}

// freeObject deletes the capability, then returns the memory and the slot.
func (w *workload) freeObject(o object) error {
	if err := w.k.Delete(o.slot); err != nil {
		return fmt.Errorf("delete %v: %w", o.slot, err)
	}
	w.m.FreeUtspace(o.cookie, o.sizeBits)
	w.m.FreeCspace(o.slot)
	w.ops.ObjectFrees++
	return nil
}

// callbackFree runs inside kernel retypes and sometimes frees an object.
func (w *workload) callbackFree() {
	if len(w.objects) == 0 || w.rng.IntN(4) != 0 {
		return
	}
	if err := w.freeObject(take(w.rng, &w.objects)); err != nil {
		logger.Error("callback free failed", "error", err)
		return
	}
	w.ops.CallbackFrees++
}

// release frees everything the workload still holds.
func (w *workload) release() error {
	w.k.hook = nil
	for len(w.objects) > 0 {
		if err := w.freeObject(take(w.rng, &w.objects)); err != nil {
			return err
		}
	}
	for len(w.slots) > 0 {
		w.m.FreeCspace(take(w.rng, &w.slots))
		w.ops.SlotFrees++
	}
	for len(w.chunks) > 0 {
		c := take(w.rng, &w.chunks)
		w.m.FreeMspace(c.addr, c.bytes)
		w.ops.MspaceFrees++
	}
	return nil
}

func simulate(seed uint64, steps int, opts bootOptions) (*simReport, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	b, err := boot(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	defer b.Close()

	w := newWorkload(b, seed)
	for i := range steps {
		if err := w.step(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	if err := w.release(); err != nil {
		return nil, fmt.Errorf("release: %w", err)
	}
	return &simReport{
		Seed:        seed,
		Steps:       steps,
		Ops:         w.ops,
		Stats:       b.m.Stats(),
		Levels:      b.m.ReserveLevels(),
		LiveObjects: b.kernel.LiveObjects(),
		MappedPages: len(b.kernel.MappedPages()),
	}, nil
}

func runSimulate() error {
	printVerbose("Simulating %d steps with seed %d\n", simSteps, simSeed)
	report, err := simulate(simSeed, simSteps, bootOptions{twoLevel: simTwoLevel, untypedBits: simUntypedBits})
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(report)
	}

	o := report.Ops
	printInfo("Simulated %d steps (seed %d)\n", report.Steps, report.Seed)
	printInfo("  mspace   %d allocs, %d frees\n", o.MspaceAllocs, o.MspaceFrees)
	printInfo("  slots    %d allocs, %d frees\n", o.SlotAllocs, o.SlotFrees)
	printInfo("  objects  %d allocs, %d frees (%d from callbacks)\n", o.ObjectAllocs, o.ObjectFrees, o.CallbackFrees)
	printInfo("  failures %d\n", o.Failures)
	printInfo("\n")
	printStats(report.Stats)
	printInfo("\nKernel: %d live objects, %d mapped pages\n", report.LiveObjects, report.MappedPages)
	return nil
}

// printStats prints one row per resource kind.
func printStats(st allocman.Stats) {
	printInfo("%-8s %10s %10s %8s %9s %10s %9s %7s\n",
		"kind", "direct", "watermark", "failed", "refilled", "freed", "deferred", "leaked")
	rows := []struct {
		name string
		k    allocman.KindStats
	}{
		{allocman.KindCspace.String(), st.Cspace},
		{allocman.KindUtspace.String(), st.Utspace},
		{allocman.KindMspace.String(), st.Mspace},
	}
	for _, r := range rows {
		printInfo("%-8s %10d %10d %8d %9d %10d %9d %7d\n",
			r.name, r.k.Direct, r.k.Watermark, r.k.Failed, r.k.Refilled, r.k.Freed, r.k.Deferred, r.k.Leaked)
	}
	printInfo("Refills: %d runs, %d passes, %d pass-limit hits\n",
		st.RefillRuns, st.RefillPasses, st.RefillCapHits)
}
