// Package rootinit implements spec.md §4.6's initRootTask: the analog of
// child-side initProcess for the privileged root, seeded from kernel
// boot-info instead of a handoff record, with an image-remapping pass on
// architectures with page-protection quirks.
package rootinit

import (
	"k8s.io/klog/v2"

	"github.com/capkit/coeruntime/pkg/coeerr"
	"github.com/capkit/coeruntime/pkg/kernel"
	"github.com/capkit/coeruntime/pkg/lockwrap"
)

// BootInfo is the kernel-provided description of the root task's initial
// resources: the untyped regions available to seed the allocator, and the
// root's own image's text/data page ranges (for the remap pass).
type BootInfo struct {
	Untypeds  []kernel.UntypedRegion
	CapTable  kernel.Slot
	PageDir   kernel.Slot
	TextPages lockwrap.Reservation
	DataPages lockwrap.Reservation
}

// Root is the bootstrapped privileged context: a capability allocator and
// address-space bookkeeper wrapped the same way any other is (spec.md §4.2
// applies uniformly; the root is not special-cased beyond its boot-info
// source).
type Root struct {
	CapAlloc *lockwrap.CapAllocator
	VSpace   *lockwrap.VSpace
	CapTable kernel.Slot
	PageDir  kernel.Slot
}

// Init implements spec.md §4.6's initRootTask: seeds rawAlloc with boot's
// untyped regions, wraps both the allocator and the boot-provided
// address-space bookkeeper, and — on architectures with page-protection
// quirks — remaps the root image's text pages read-only+execute and data
// pages read-write+execute-never.
func Init(rawAlloc lockwrap.RawAllocator, rawVSpace lockwrap.RawVSpace, boot BootInfo, pageOps kernel.PageOps, execNeverSupported bool) (*Root, error) {
	for _, u := range boot.Untypeds {
		if err := rawAlloc.ContributeUntyped(u); err != nil {
			return nil, coeerr.Wrap(err, "seed root allocator with boot untyped")
		}
	}

	root := &Root{
		CapAlloc: lockwrap.NewCapAllocator(rawAlloc),
		VSpace:   lockwrap.NewVSpace(rawVSpace),
		CapTable: boot.CapTable,
		PageDir:  boot.PageDir,
	}

	if execNeverSupported {
		if err := remapImage(pageOps, boot.PageDir, boot.TextPages, boot.DataPages); err != nil {
			return nil, coeerr.Wrap(err, "remap root image pages")
		}
	} else {
		klog.V(2).InfoS("execute-never not supported; skipping root image remap pass")
	}
	return root, nil
}

func remapImage(pageOps kernel.PageOps, pageDir kernel.Slot, textPages, dataPages lockwrap.Reservation) error {
	const pageSize = 4096
	textAttrs := kernel.PageAttrs{Readable: true, Executable: true, Cacheable: true}
	for i := 0; i < textPages.NumPages; i++ {
		vaddr := textPages.Base + uint64(i)*pageSize
		if err := pageOps.Remap(pageDir, vaddr, textAttrs); err != nil {
			return coeerr.Wrap(err, "remap root text page")
		}
	}
	dataAttrs := kernel.PageAttrs{Readable: true, Writable: true, Cacheable: true}
	for i := 0; i < dataPages.NumPages; i++ {
		vaddr := dataPages.Base + uint64(i)*pageSize
		if err := pageOps.Remap(pageDir, vaddr, dataAttrs); err != nil {
			return coeerr.Wrap(err, "remap root data page")
		}
	}
	return nil
}
