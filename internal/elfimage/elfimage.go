// Package elfimage parses the position-independent ELF64 DYN executables
// the catalog carries and process images are loaded from (Kernel §4.3,
// §6): "segments with LOAD semantics are copied into newly allocated user
// frames and relocated (only relative relocations against the load base
// are supported)."
//
// debug/elf does the header parsing; this package generalizes from
// "rewrite one field of a bootable image" to "load segments and apply
// relocations."
package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

// Segment is one PT_LOAD program header's payload, vaddr-relative to the
// (not yet chosen) load base.
type Segment struct {
	VAddr    uint64
	Data     []byte // length == Memsz; Filesz bytes of file content, zero-padded
	Writable bool
}

// Reloc is one honored relocation: an R_X86_64_RELATIVE entry. Offset is
// vaddr-relative, matching Segment.VAddr's frame.
type Reloc struct {
	Offset uint64
	Addend int64
}

// Image is a parsed, not-yet-placed PIE executable.
type Image struct {
	Entry    uint64 // vaddr-relative entry point
	Segments []Segment
	Relocs   []Reloc
}

// Parse validates and decodes data as a position-independent ELF64 DYN
// executable for x86_64 with a non-zero entry point, per the External
// Interfaces contract (Kernel §6). Only R_X86_64_NONE and
// R_X86_64_RELATIVE relocations are honored; any other relocation type
// is rejected, matching the contract's "only ... are honored."
func Parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("elfimage: %w", err)
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("elfimage: not a 64-bit ELF")
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("elfimage: not little-endian")
	}
	if f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("elfimage: not a position-independent (ET_DYN) executable")
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("elfimage: not x86_64")
	}
	if f.Entry == 0 {
		return nil, fmt.Errorf("elfimage: zero entry point")
	}

	img := &Image{Entry: f.Entry}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		buf := make([]byte, prog.Memsz)
		r := prog.Open()
		if _, err := io.ReadFull(r, buf[:prog.Filesz]); err != nil && err != io.EOF {
			return nil, fmt.Errorf("elfimage: reading segment: %w", err)
		}
		img.Segments = append(img.Segments, Segment{
			VAddr:    prog.Vaddr,
			Data:     buf,
			Writable: prog.Flags&elf.PF_W != 0,
		})
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		raw, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("elfimage: reading relocations: %w", err)
		}
		const entsz = 24 // Elf64_Rela: r_offset, r_info, r_addend
		for i := 0; i+entsz <= len(raw); i += entsz {
			off := binary.LittleEndian.Uint64(raw[i : i+8])
			info := binary.LittleEndian.Uint64(raw[i+8 : i+16])
			addend := int64(binary.LittleEndian.Uint64(raw[i+16 : i+24]))
			rtype := elf.R_X86_64(info & 0xffffffff)
			switch rtype {
			case elf.R_X86_64_NONE:
				// no-op, explicitly honored per the contract.
			case elf.R_X86_64_RELATIVE:
				img.Relocs = append(img.Relocs, Reloc{Offset: off, Addend: addend})
			default:
				return nil, fmt.Errorf("elfimage: unsupported relocation type %d", rtype)
			}
		}
	}
	return img, nil
}

// segmentFor finds the loaded segment containing vaddr, or nil.
func (img *Image) segmentFor(vaddr uint64) *Segment {
	for i := range img.Segments {
		s := &img.Segments[i]
		if vaddr >= s.VAddr && vaddr < s.VAddr+uint64(len(s.Data)) {
			return s
		}
	}
	return nil
}

// ApplyRelocations patches every honored R_X86_64_RELATIVE entry with
// base+addend now that the load base is known, mutating segment bytes
// in place. Call this exactly once per placement of the image.
func (img *Image) ApplyRelocations(base uint64) error {
	for _, r := range img.Relocs {
		seg := img.segmentFor(r.Offset)
		if seg == nil {
			return fmt.Errorf("elfimage: relocation offset 0x%x outside any segment", r.Offset)
		}
		val := base + uint64(r.Addend)
		off := r.Offset - seg.VAddr
		if off+8 > uint64(len(seg.Data)) {
			return fmt.Errorf("elfimage: relocation offset 0x%x overruns segment", r.Offset)
		}
		binary.LittleEndian.PutUint64(seg.Data[off:off+8], val)
	}
	return nil
}
