package pmm

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/kcore/internal/boot"
	"github.com/tinyrange/kcore/internal/errno"
)

// PMM is the top-level physical memory manager: the frame table, the
// three zones, and the flat byte backing that models the HHDM (every
// physical address is reachable as a byte slice without remapping, the
// same property the real HHDM gives the kernel).
type PMM struct {
	info   *boot.Info
	frames *frameTable
	zones  [zoneCount]Zone
	ram    []byte

	maxPFN        PFN
	explicitReserved int // frames in hard-Reserved/bad regions, never zone-tracked

	reclaimable []boot.MemoryMapEntry
	reclaimed   bool

	log *slog.Logger
}

// Init executes spec.md §4.1's init protocol: compute max_pfn, bump-
// allocate bootstrap structures out of the largest usable region, mark
// every still-usable run of frames into the owning zone's buddy
// allocator.
func Init(info *boot.Info, log *slog.Logger) (*PMM, error) {
	if log == nil {
		log = slog.Default()
	}
	maxPFN := PFN(info.MaxPFN(PageSize))
	if maxPFN == 0 {
		return nil, fmt.Errorf("pmm: init: memory map yields zero max_pfn")
	}

	region, ok := info.LargestUsableRegion()
	if !ok {
		return nil, fmt.Errorf("pmm: init: no usable region to bootstrap from")
	}
	bump := newBumpAllocator(region)

	bitmapBytes := (uint64(maxPFN) + 7) / 8
	bitmapPages := int((bitmapBytes + PageSize - 1) / PageSize)
	if _, ok := bump.allocPages(bitmapPages); !ok {
		return nil, fmt.Errorf("pmm: init: no room for occupancy bitmap")
	}

	frameBytes := uint64(maxPFN) * 64 // Frame is cache-line sized per spec.md §3
	frameArrayPages := int((frameBytes + PageSize - 1) / PageSize)
	if _, ok := bump.allocPages(frameArrayPages); !ok {
		return nil, fmt.Errorf("pmm: init: no room for frame metadata array")
	}

	p := &PMM{
		info:   info,
		frames: newFrameTable(int(maxPFN)),
		ram:    make([]byte, uint64(maxPFN)*PageSize),
		maxPFN: maxPFN,
		log:    log.With(slog.String("subsystem", "pmm")),
	}

	for id := ZoneDMA; id < zoneCount; id++ {
		p.zones[id] = Zone{id: id, frames: p.frames}
	}
	p.zones[ZoneDMA].startPFN, p.zones[ZoneDMA].endPFN = 0, minPFN(maxPFN, FromAddr(dmaEnd))
	p.zones[ZoneDMA32].startPFN, p.zones[ZoneDMA32].endPFN = p.zones[ZoneDMA].endPFN, minPFN(maxPFN, FromAddr(dma32End))
	p.zones[ZoneNormal].startPFN, p.zones[ZoneNormal].endPFN = p.zones[ZoneDMA32].endPFN, maxPFN

	// Mark every frame reserved by default; usable runs get carved out
	// of reservation below as they're handed to a zone.
	for i := 0; i < int(maxPFN); i++ {
		p.frames.at(PFN(i)).set(FlagReserved)
	}

	for _, e := range info.MemoryMap {
		if e.Type != boot.RegionUsable {
			if e.Type != boot.RegionBootloaderReclaimable {
				p.explicitReserved += p.reserveRange(e)
			} else {
				p.reclaimable = append(p.reclaimable, e)
			}
			continue
		}
		p.markUsable(e, region, bump)
	}

	p.log.Info("pmm initialized",
		slog.Uint64("max_pfn", uint64(maxPFN)),
		slog.Int("explicit_reserved", p.explicitReserved))
	return p, nil
}

func minPFN(a, b PFN) PFN {
	if a < b {
		return a
	}
	return b
}

// reserveRange marks every frame a non-usable region covers as
// FlagReserved (already the default) and returns how many frames that
// region spans, for Stats' explicit-reserved count.
func (p *PMM) reserveRange(e boot.MemoryMapEntry) int {
	start := FromAddr(e.Base)
	end := FromAddr(e.End())
	if end > p.maxPFN {
		end = p.maxPFN
	}
	n := 0
	for pfn := start; pfn < end; pfn++ {
		p.frames.at(pfn).set(FlagReserved)
		n++
	}
	return n
}

// markUsable walks e's frame range, skips whatever the bump allocator
// already consumed inside bootRegion, and feeds every remaining
// contiguous run to its owning zone at the largest naturally aligned
// order that fits, per spec.md §4.1.
func (p *PMM) markUsable(e, bootRegion boot.MemoryMapEntry, bump *bumpAllocator) {
	start := FromAddr(e.Base)
	end := FromAddr(e.End())
	if end > p.maxPFN {
		end = p.maxPFN
	}

	bumpUsedStart, bumpUsedEnd := FromAddr(bootRegion.Base), FromAddr(bump.usedEnd())
	sameRegion := e.Base == bootRegion.Base

	cur := start
	for cur < end {
		if sameRegion && cur >= bumpUsedStart && cur < bumpUsedEnd {
			cur = bumpUsedEnd
			continue
		}
		runEnd := end
		if sameRegion && cur < bumpUsedStart && runEnd > bumpUsedStart {
			runEnd = bumpUsedStart
		}
		if runEnd <= cur {
			break
		}
		p.feedRun(cur, runEnd)
		cur = runEnd
	}
}

// feedRun hands frames [start,end) to the appropriate zone(s), breaking
// at zone boundaries and then at the largest naturally aligned
// power-of-two block that fits within the remaining run.
func (p *PMM) feedRun(start, end PFN) {
	cur := start
	for cur < end {
		z := p.zoneFor(cur)
		zoneEnd := z.endPFN
		if zoneEnd > end {
			zoneEnd = end
		}
		remaining := uint64(zoneEnd - cur)
		for remaining > 0 {
			order := largestAlignedOrder(cur, remaining)
			p.frames.at(cur).clear(FlagReserved)
			z.lock.Lock()
			z.pushFree(cur, order)
			z.lock.Unlock()
			blockLen := PFN(1) << uint(order)
			cur += blockLen
			remaining -= uint64(blockLen)
		}
	}
}

func largestAlignedOrder(pfn PFN, remaining uint64) int {
	order := MaxOrder
	for order > 0 {
		blockLen := uint64(1) << uint(order)
		if blockLen <= remaining && uint64(pfn)%blockLen == 0 {
			break
		}
		order--
	}
	return order
}

func (p *PMM) zoneFor(pfn PFN) *Zone {
	for i := range p.zones {
		if p.zones[i].rangeCovers(pfn) {
			return &p.zones[i]
		}
	}
	return &p.zones[zoneCount-1]
}

// Reclaim folds every bootloader-reclaimable region into its zone's
// buddy allocator. Callers must have copied out any module bytes first
// (spec.md §6's "modules must be cached … so bootloader-reclaimable
// memory can later be reclaimed without losing the module bytes");
// Reclaim is a no-op on a second call.
func (p *PMM) Reclaim() {
	if p.reclaimed {
		return
	}
	p.reclaimed = true
	for _, e := range p.reclaimable {
		p.feedRun(FromAddr(e.Base), minPFN(p.maxPFN, FromAddr(e.End())))
	}
	p.log.Info("pmm reclaimed bootloader-reclaimable regions", slog.Int("regions", len(p.reclaimable)))
}

// AllocPages implements spec.md §4.1's alloc_pages: pick a starting
// zone from flags, try zones in descending preference, splitting blocks
// as needed.
func (p *PMM) AllocPages(order int, flags AllocFlags) (PFN, error) {
	zones := p.zonePreference(flags)
	var lastErr error
	for _, zid := range zones {
		pfn, err := p.zones[zid].allocPages(order)
		if err == nil {
			if flags&AllocZero != 0 {
				p.Zero(pfn, order)
			}
			return pfn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errno.New("pmm: alloc_pages", errno.OutOfMemory)
	}
	return 0, lastErr
}

func (p *PMM) zonePreference(flags AllocFlags) []ZoneID {
	switch {
	case flags&AllocDMA != 0:
		return []ZoneID{ZoneDMA, ZoneDMA32, ZoneNormal}
	case flags&AllocDMA32 != 0:
		return []ZoneID{ZoneDMA32, ZoneNormal, ZoneDMA}
	default:
		return []ZoneID{ZoneNormal, ZoneDMA32, ZoneDMA}
	}
}

// FreePages implements spec.md §4.1's free_pages. The owning zone is
// derived from pfn's position, since zone ranges are static and a
// frame's zone never changes after Init.
func (p *PMM) FreePages(pfn PFN, order int) {
	p.zoneFor(pfn).freePages(pfn, order)
}

// Zero fills the order-sized block starting at pfn with zero bytes
// through the HHDM-equivalent ram backing.
func (p *PMM) Zero(pfn PFN, order int) {
	n := uint64(1) << uint(order)
	start := uint64(pfn) * PageSize
	end := start + n*PageSize
	clear(p.ram[start:end])
}

// Bytes returns the HHDM-equivalent byte slice backing one page frame.
// Every physical address is reachable this way without remapping,
// mirroring what the real HHDM offset gives the kernel (spec.md
// glossary "HHDM").
func (p *PMM) Bytes(pfn PFN) []byte {
	start := uint64(pfn) * PageSize
	return p.ram[start : start+PageSize]
}

// Frame exposes the metadata record for pfn, for callers (VMM, slab)
// that need to inspect/flip flags directly.
func (p *PMM) Frame(pfn PFN) *Frame { return p.frames.at(pfn) }

// MaxPFN returns the highest frame number the frame table covers.
func (p *PMM) MaxPFN() PFN { return p.maxPFN }

// Stats summarizes PMM occupancy for diagnostics and tests.
type Stats struct {
	TotalFrames      uint64
	UsablePages      uint64 // TotalFrames minus explicitly-reserved (hard MMIO) frames
	ExplicitReserved uint64
	FreePages        uint64
}

// Stats computes a snapshot of current PMM occupancy (invariant I1:
// sum over zones of nr_free<<order).
func (p *PMM) Stats() Stats {
	var free uint64
	for i := range p.zones {
		p.zones[i].lock.Lock()
		free += p.zones[i].freeCount()
		p.zones[i].lock.Unlock()
	}
	return Stats{
		TotalFrames:      uint64(p.maxPFN),
		UsablePages:      uint64(p.maxPFN) - uint64(p.explicitReserved),
		ExplicitReserved: uint64(p.explicitReserved),
		FreePages:        free,
	}
}
