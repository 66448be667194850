package rvvisor

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"time"

	"github.com/blacktop/go-rvvisor/paging"
	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/blacktop/go-rvvisor/virtio"
	"github.com/sirupsen/logrus"
)

// SectorReader reads one sector into physical memory at buf and returns
// once the data is there.
type SectorReader interface {
	Read(ctx context.Context, sector uint64, buf physmem.Addr) error
}

// LoadFromDisk reads the first LoadSize bytes of disk into a scratch buffer
// and loads them as an ELF image with LoadImage.
func (g *Guest) LoadFromDisk(ctx context.Context, disk SectorReader) error {
	start := time.Now()

	size := g.cfg.LoadSize
	pages := (size + paging.PageSize - 1) / paging.PageSize
	buf, err := g.alloc.AllocContinuous(int(pages))
	if err != nil {
		return fmt.Errorf("rvvisor: failed to allocate image buffer: %w", err)
	}
	g.log.Infof("-> image buffer: 0x%016x (%d pages)", uint64(buf.Addr()), pages)

	sectors := size / virtio.SectorSize
	interval := g.cfg.ProgressInterval
	for s := uint64(0); s < sectors; s++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := disk.Read(ctx, s, buf.Addr()+physmem.Addr(s*virtio.SectorSize)); err != nil {
			return fmt.Errorf("rvvisor: failed to read sector %d: %w", s, err)
		}
		recordSectorRead()
		if s%interval == interval-1 {
			g.log.Infof("-> loading sectors %d/%d", s+1, sectors)
		}
	}

	image, err := g.mem.Slice(buf.Addr(), size)
	if err != nil {
		return err
	}
	if err := g.LoadImage(image); err != nil {
		return err
	}
	recordImageLoad(time.Since(start))
	return nil
}

type loadSection struct {
	name  string
	addr  uint64
	data  []byte
	spans []span
}

// span is one page-bounded piece of a section and the host memory it lands
// in.
type span struct {
	pa  physmem.Addr
	dst []byte
	src []byte
}

// LoadImage parses image as a 64-bit ELF and copies every PROGBITS section
// with a nonzero address into guest memory, then sets the resume address to
// the ELF entry point. Every destination page is resolved before the first
// byte is copied, so a rejected image leaves guest memory unchanged.
func (g *Guest) LoadImage(image []byte) error {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if f.Class != elf.ELFCLASS64 {
		return fmt.Errorf("%w: %s image", ErrUnsupportedImage, f.Class)
	}
	if f.Machine != elf.EM_RISCV {
		g.log.Warnf("-> image machine is %s, not RISC-V", f.Machine)
	}

	var sections []loadSection
	for _, s := range f.Sections {
		if s.Type != elf.SHT_PROGBITS || s.Addr == 0 {
			continue
		}
		if s.Offset > uint64(len(image)) || s.Size > uint64(len(image))-s.Offset {
			return fmt.Errorf("%w: section %s [0x%x+0x%x] outside the %d-byte image", ErrUnsupportedImage, s.Name, s.Offset, s.Size, len(image))
		}
		ls := loadSection{
			name: s.Name,
			addr: s.Addr,
			data: image[s.Offset : s.Offset+s.Size],
		}
		if err := g.resolveSection(&ls); err != nil {
			return err
		}
		sections = append(sections, ls)
	}

	for _, s := range sections {
		g.log.WithFields(logrus.Fields{
			"addr": fmt.Sprintf("0x%016x", s.addr),
			"size": fmt.Sprintf("0x%x", len(s.data)),
		}).Infof("-> loading section %s", s.name)
		g.copySection(s)
	}

	g.Sepc = f.Entry
	g.log.Infof("-> entry point: 0x%016x", g.Sepc)
	return nil
}

// resolveSection splits s at guest page boundaries and resolves each piece:
// consecutive guest pages are not backed by consecutive frames.
func (g *Guest) resolveSection(s *loadSection) error {
	size := uint64(len(s.data))
	for off := uint64(0); off < size; {
		va := paging.GuestAddr(s.addr + off)
		pa, err := g.table.Resolve(va)
		if err != nil {
			return fmt.Errorf("rvvisor: section %s: %w", s.name, err)
		}
		n := min(paging.PageSize-va.Offset(), size-off)
		dst, err := g.mem.Slice(pa, n)
		if err != nil {
			return fmt.Errorf("rvvisor: section %s: %w", s.name, err)
		}
		s.spans = append(s.spans, span{pa: pa, dst: dst, src: s.data[off : off+n]})
		off += n
	}
	return nil
}

func (g *Guest) copySection(s loadSection) {
	for _, sp := range s.spans {
		copy(sp.dst, sp.src)
		if len(sp.src) >= 4 {
			g.log.Debugf("-> 0x%016x <- % x", uint64(sp.pa), sp.src[:4])
		}
	}
	recordSectionLoad(uint64(len(s.data)))
}
