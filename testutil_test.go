package rvvisor

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"

	"github.com/blacktop/go-rvvisor/paging"
	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// isCI returns true if running in GitHub Actions
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// testConfig is a small board: 8 MiB of host DRAM, a 16-page guest and a
// 16-sector image.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Hypervisor.DRAMEnd = 0x80800000
	cfg.Hypervisor.ImageEnd = 0x80010000
	cfg.Guest.DRAMEnd = 0x8000f000
	cfg.Guest.LoadSize = 16 * 512
	cfg.Guest.ProgressInterval = 4
	return cfg
}

func newTestLogger() (*logrus.Logger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

// newTestGuest builds a guest over its own DRAM arena.
func newTestGuest(t *testing.T, cfg Config) (*Guest, *physmem.Memory) {
	t.Helper()
	h := cfg.Hypervisor
	mem, err := physmem.New(physmem.Addr(h.DRAMStart), h.DRAMEnd-h.DRAMStart)
	if err != nil {
		t.Fatalf("physmem.New() failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	log, _ := newTestLogger()
	alloc := paging.NewAllocator(mem, log)
	alloc.Init(physmem.Addr(h.ImageEnd))
	g, err := NewGuest(cfg.Guest, physmem.Addr(cfg.Devices.UARTBase), mem, alloc, log)
	if err != nil {
		t.Fatalf("NewGuest() failed: %v", err)
	}
	return g, mem
}

type testSection struct {
	name string
	typ  elf.SectionType
	addr uint64
	data []byte
}

// buildELF64 lays out a minimal RISC-V executable: the ELF header, section
// contents back to back, a section name table and the section headers.
func buildELF64(entry uint64, sections ...testSection) []byte {
	shstrtab := []byte{0}
	names := make([]uint32, len(sections))
	for i, s := range sections {
		names[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name...)
		shstrtab = append(shstrtab, 0)
	}
	shstrName := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)

	const ehsize = 64
	var body bytes.Buffer
	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		offsets[i] = ehsize + uint64(body.Len())
		body.Write(s.data)
	}
	strOff := ehsize + uint64(body.Len())
	body.Write(shstrtab)
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	shoff := ehsize + uint64(body.Len())

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: 56,
		Shentsize: 64,
		Shnum:     uint16(len(sections) + 2),
		Shstrndx:  uint16(len(sections) + 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	shdrs := []elf.Section64{{}}
	for i, s := range sections {
		shdrs = append(shdrs, elf.Section64{
			Name:      names[i],
			Type:      uint32(s.typ),
			Flags:     uint64(elf.SHF_ALLOC),
			Addr:      s.addr,
			Off:       offsets[i],
			Size:      uint64(len(s.data)),
			Addralign: 1,
		})
	}
	shdrs = append(shdrs, elf.Section64{
		Name:      shstrName,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       strOff,
		Size:      uint64(len(shstrtab)),
		Addralign: 1,
	})

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(body.Bytes())
	binary.Write(&out, binary.LittleEndian, shdrs)
	return out.Bytes()
}

// buildELF32 is buildELF64 for ELFCLASS32: the same layout with 32-bit
// headers.
func buildELF32(entry uint32, sections ...testSection) []byte {
	shstrtab := []byte{0}
	names := make([]uint32, len(sections))
	for i, s := range sections {
		names[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name...)
		shstrtab = append(shstrtab, 0)
	}
	shstrName := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)

	const ehsize = 52
	var body bytes.Buffer
	offsets := make([]uint32, len(sections))
	for i, s := range sections {
		offsets[i] = ehsize + uint32(body.Len())
		body.Write(s.data)
	}
	strOff := ehsize + uint32(body.Len())
	body.Write(shstrtab)
	for (ehsize+body.Len())%4 != 0 {
		body.WriteByte(0)
	}
	shoff := ehsize + uint32(body.Len())

	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: 32,
		Shentsize: 40,
		Shnum:     uint16(len(sections) + 2),
		Shstrndx:  uint16(len(sections) + 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	shdrs := []elf.Section32{{}}
	for i, s := range sections {
		shdrs = append(shdrs, elf.Section32{
			Name:      names[i],
			Type:      uint32(s.typ),
			Flags:     uint32(elf.SHF_ALLOC),
			Addr:      uint32(s.addr),
			Off:       offsets[i],
			Size:      uint32(len(s.data)),
			Addralign: 1,
		})
	}
	shdrs = append(shdrs, elf.Section32{
		Name:      shstrName,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       strOff,
		Size:      uint32(len(shstrtab)),
		Addralign: 1,
	})

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	out.Write(body.Bytes())
	binary.Write(&out, binary.LittleEndian, shdrs)
	return out.Bytes()
}

// pattern returns n bytes of a recognizable non-zero sequence.
func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i*7)
	}
	return p
}
