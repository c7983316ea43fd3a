// Package handoff implements spec.md §6's handoff record: the schema a
// process builder serializes into a shared page window and a freshly
// started child deserializes during initProcess (spec.md §4.5 step 1,
// §4.6 step 2). The wire format is a hand-rolled, length-prefixed binary
// encoding (encoding/binary + bytes.Buffer) rather than protobuf: the
// nearest protobuf example in the retrieval pack
// (staging/src/k8s.io/kubelet/pkg/apis/pluginregistration/v1/api.pb.go) is
// protoc-gen-gogo output, and hand-authoring equivalent .pb.go for a new
// message schema without running protoc cannot be safely verified here.
// Every string and slice is length-prefixed, satisfying spec.md §6's
// "length-prefixed or self-describing" requirement directly.
package handoff

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/capkit/coeruntime/pkg/coeerr"
)

// UntypedEntry is one row of the untypeds sequence.
type UntypedEntry struct {
	Slot     uint32
	SizeBits uint32
	PhysAddr uint64
}

// NamedSlot is the shape shared by the endpoints and notifications
// sequences.
type NamedSlot struct {
	Name string
	Slot uint32
}

// ShmemRegion is one row of the shmemRegions sequence.
type ShmemRegion struct {
	Name        string
	Addr        uint64
	LengthBytes uint64
}

// DeviceRegion is one row of the deviceRegions sequence.
type DeviceRegion struct {
	Name     string
	VirtAddr uint64
	PhysAddr uint64
	SizeBits uint32
	NumPages uint32
	Caps     []uint64
}

// IRQLine is one row of the irqLines sequence.
type IRQLine struct {
	Name    string
	IRQSlot uint32
	EPSlot  uint32
	Number  uint32
}

// Record is spec.md §6's handoff record schema, verbatim.
type Record struct {
	ProcName      string
	CNodeSizeBits uint32
	CNodeNextFree uint32
	StackPages    uint32
	StackTopAddr  uint64

	Untypeds      []UntypedEntry
	Endpoints     []NamedSlot
	Notifications []NamedSlot
	ShmemRegions  []ShmemRegion
	DeviceRegions []DeviceRegion
	IRQLines      []IRQLine
}

// New returns an empty record with the given procName, cnodeSizeBits, and
// stack geometry (spec.md §4.5 step 7's "initialize the pending handoff
// record").
func New(procName string, cnodeSizeBits uint32, stackTopAddr uint64, stackPages uint32) *Record {
	return &Record{
		ProcName:      procName,
		CNodeSizeBits: cnodeSizeBits,
		StackTopAddr:  stackTopAddr,
		StackPages:    stackPages,
	}
}

// PrependEndpoint prepends to the endpoints sequence: spec.md §4.5's
// "linked sequences prepend — the child sees resources in reverse
// registration order", acceptable because lookup is by name.
func (r *Record) PrependEndpoint(name string, slot uint32) {
	r.Endpoints = append([]NamedSlot{{Name: name, Slot: slot}}, r.Endpoints...)
}

func (r *Record) PrependNotification(name string, slot uint32) {
	r.Notifications = append([]NamedSlot{{Name: name, Slot: slot}}, r.Notifications...)
}

func (r *Record) PrependShmem(name string, addr, lengthBytes uint64) {
	r.ShmemRegions = append([]ShmemRegion{{Name: name, Addr: addr, LengthBytes: lengthBytes}}, r.ShmemRegions...)
}

func (r *Record) PrependDevice(name string, virtAddr, physAddr uint64, sizeBits, numPages uint32, caps []uint64) {
	r.DeviceRegions = append([]DeviceRegion{{Name: name, VirtAddr: virtAddr, PhysAddr: physAddr, SizeBits: sizeBits, NumPages: numPages, Caps: caps}}, r.DeviceRegions...)
}

func (r *Record) PrependIRQ(name string, irqSlot, epSlot, number uint32) {
	r.IRQLines = append([]IRQLine{{Name: name, IRQSlot: irqSlot, EPSlot: epSlot, Number: number}}, r.IRQLines...)
}

// AddUntyped appends to the untypeds sequence in allocation order; the
// schema does not require reverse order for untypeds (only the named
// sequences matter for by-name lookup).
func (r *Record) AddUntyped(slot, sizeBits uint32, physAddr uint64) {
	r.Untypeds = append(r.Untypeds, UntypedEntry{Slot: slot, SizeBits: sizeBits, PhysAddr: physAddr})
}

// Marshal serializes r into the wire format: every fixed-width field as
// big-endian, every string and slice length-prefixed with a uint32 count.
func Marshal(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	writeString(&buf, r.ProcName)
	writeU32(&buf, r.CNodeSizeBits)
	writeU32(&buf, r.CNodeNextFree)
	writeU32(&buf, r.StackPages)
	writeU64(&buf, r.StackTopAddr)

	writeU32(&buf, uint32(len(r.Untypeds)))
	for _, u := range r.Untypeds {
		writeU32(&buf, u.Slot)
		writeU32(&buf, u.SizeBits)
		writeU64(&buf, u.PhysAddr)
	}

	writeNamedSlots(&buf, r.Endpoints)
	writeNamedSlots(&buf, r.Notifications)

	writeU32(&buf, uint32(len(r.ShmemRegions)))
	for _, s := range r.ShmemRegions {
		writeString(&buf, s.Name)
		writeU64(&buf, s.Addr)
		writeU64(&buf, s.LengthBytes)
	}

	writeU32(&buf, uint32(len(r.DeviceRegions)))
	for _, d := range r.DeviceRegions {
		writeString(&buf, d.Name)
		writeU64(&buf, d.VirtAddr)
		writeU64(&buf, d.PhysAddr)
		writeU32(&buf, d.SizeBits)
		writeU32(&buf, d.NumPages)
		writeU32(&buf, uint32(len(d.Caps)))
		for _, c := range d.Caps {
			writeU64(&buf, c)
		}
	}

	writeU32(&buf, uint32(len(r.IRQLines)))
	for _, irq := range r.IRQLines {
		writeString(&buf, irq.Name)
		writeU32(&buf, irq.IRQSlot)
		writeU32(&buf, irq.EPSlot)
		writeU32(&buf, irq.Number)
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes a Record previously produced by Marshal.
func Unmarshal(data []byte) (*Record, error) {
	r := &Record{}
	buf := bytes.NewReader(data)

	var err error
	if r.ProcName, err = readString(buf); err != nil {
		return nil, coeerr.Wrap(err, "decode procName")
	}
	if r.CNodeSizeBits, err = readU32(buf); err != nil {
		return nil, coeerr.Wrap(err, "decode cnodeSizeBits")
	}
	if r.CNodeNextFree, err = readU32(buf); err != nil {
		return nil, coeerr.Wrap(err, "decode cnodeNextFree")
	}
	if r.StackPages, err = readU32(buf); err != nil {
		return nil, coeerr.Wrap(err, "decode stackPages")
	}
	if r.StackTopAddr, err = readU64(buf); err != nil {
		return nil, coeerr.Wrap(err, "decode stackTopAddr")
	}

	n, err := readU32(buf)
	if err != nil {
		return nil, coeerr.Wrap(err, "decode untypeds count")
	}
	if n > 0 {
		r.Untypeds = make([]UntypedEntry, n)
	}
	for i := range r.Untypeds {
		slot, e1 := readU32(buf)
		sizeBits, e2 := readU32(buf)
		phys, e3 := readU64(buf)
		if e1 != nil || e2 != nil || e3 != nil {
			return nil, coeerr.Wrap(coeerr.ErrInvalidArg, "decode untyped entry")
		}
		r.Untypeds[i] = UntypedEntry{Slot: slot, SizeBits: sizeBits, PhysAddr: phys}
	}

	if r.Endpoints, err = readNamedSlots(buf); err != nil {
		return nil, coeerr.Wrap(err, "decode endpoints")
	}
	if r.Notifications, err = readNamedSlots(buf); err != nil {
		return nil, coeerr.Wrap(err, "decode notifications")
	}

	n, err = readU32(buf)
	if err != nil {
		return nil, coeerr.Wrap(err, "decode shmemRegions count")
	}
	if n > 0 {
		r.ShmemRegions = make([]ShmemRegion, n)
	}
	for i := range r.ShmemRegions {
		name, e1 := readString(buf)
		addr, e2 := readU64(buf)
		length, e3 := readU64(buf)
		if e1 != nil || e2 != nil || e3 != nil {
			return nil, coeerr.Wrap(coeerr.ErrInvalidArg, "decode shmem region")
		}
		r.ShmemRegions[i] = ShmemRegion{Name: name, Addr: addr, LengthBytes: length}
	}

	n, err = readU32(buf)
	if err != nil {
		return nil, coeerr.Wrap(err, "decode deviceRegions count")
	}
	if n > 0 {
		r.DeviceRegions = make([]DeviceRegion, n)
	}
	for i := range r.DeviceRegions {
		name, e1 := readString(buf)
		virt, e2 := readU64(buf)
		phys, e3 := readU64(buf)
		sizeBits, e4 := readU32(buf)
		numPages, e5 := readU32(buf)
		numCaps, e6 := readU32(buf)
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil || e6 != nil {
			return nil, coeerr.Wrap(coeerr.ErrInvalidArg, "decode device region")
		}
		caps := make([]uint64, numCaps)
		for j := range caps {
			if caps[j], err = readU64(buf); err != nil {
				return nil, coeerr.Wrap(err, "decode device region cap")
			}
		}
		r.DeviceRegions[i] = DeviceRegion{Name: name, VirtAddr: virt, PhysAddr: phys, SizeBits: sizeBits, NumPages: numPages, Caps: caps}
	}

	n, err = readU32(buf)
	if err != nil {
		return nil, coeerr.Wrap(err, "decode irqLines count")
	}
	if n > 0 {
		r.IRQLines = make([]IRQLine, n)
	}
	for i := range r.IRQLines {
		name, e1 := readString(buf)
		irqSlot, e2 := readU32(buf)
		epSlot, e3 := readU32(buf)
		number, e4 := readU32(buf)
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
			return nil, coeerr.Wrap(coeerr.ErrInvalidArg, "decode irq line")
		}
		r.IRQLines[i] = IRQLine{Name: name, IRQSlot: irqSlot, EPSlot: epSlot, Number: number}
	}

	return r, nil
}

// LookupEndpoint scans the endpoints sequence linearly and returns the
// first matching slot (spec.md §4.6 step 6, §8's name-uniqueness-at-lookup
// property).
func (r *Record) LookupEndpoint(name string) (uint32, bool) {
	for _, e := range r.Endpoints {
		if e.Name == name {
			return e.Slot, true
		}
	}
	return 0, false
}

func (r *Record) LookupNotification(name string) (uint32, bool) {
	for _, n := range r.Notifications {
		if n.Name == name {
			return n.Slot, true
		}
	}
	return 0, false
}

func (r *Record) LookupShmem(name string) (ShmemRegion, bool) {
	for _, s := range r.ShmemRegions {
		if s.Name == name {
			return s, true
		}
	}
	return ShmemRegion{}, false
}

func (r *Record) LookupDevice(name string) (DeviceRegion, bool) {
	for _, d := range r.DeviceRegions {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceRegion{}, false
}

func (r *Record) LookupIRQ(name string) (IRQLine, bool) {
	for _, irq := range r.IRQLines {
		if irq.Name == name {
			return irq, true
		}
	}
	return IRQLine{}, false
}

func writeNamedSlots(buf *bytes.Buffer, slots []NamedSlot) {
	writeU32(buf, uint32(len(slots)))
	for _, s := range slots {
		writeString(buf, s.Name)
		writeU32(buf, s.Slot)
	}
}

func readNamedSlots(r io.Reader) ([]NamedSlot, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]NamedSlot, n)
	for i := range out {
		name, e1 := readString(r)
		slot, e2 := readU32(r)
		if e1 != nil || e2 != nil {
			return nil, coeerr.ErrInvalidArg
		}
		out[i] = NamedSlot{Name: name, Slot: slot}
	}
	return out, nil
}

func writeU32(buf *bytes.Buffer, v uint32) { _ = binary.Write(buf, binary.BigEndian, v) }
func writeU64(buf *bytes.Buffer, v uint64) { _ = binary.Write(buf, binary.BigEndian, v) }

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func readU64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
