package blockdev

import (
	"io"
	"time"

	"github.com/mit-pdos/go-blockfs/util/stats"
)

// TimedDevice records the latency of every call on the device it wraps.
type TimedDevice struct {
	d   Device
	ops [3]stats.Op
}

func NewTimed(d Device) *TimedDevice {
	return &TimedDevice{d: d}
}

const (
	readOp int = iota
	writeOp
	flushOp
)

var ops = []string{"dev.ReadBlock", "dev.WriteBlock", "dev.Flush"}

var _ Device = &TimedDevice{}

func (d *TimedDevice) ReadBlock(bn uint64, buf []byte) error {
	defer d.ops[readOp].Record(time.Now())
	return d.d.ReadBlock(bn, buf)
}

func (d *TimedDevice) WriteBlock(bn uint64, buf []byte) error {
	defer d.ops[writeOp].Record(time.Now())
	return d.d.WriteBlock(bn, buf)
}

func (d *TimedDevice) Flush() error {
	defer d.ops[flushOp].Record(time.Now())
	return d.d.Flush()
}

func (d *TimedDevice) BlockSize() uint64 {
	return d.d.BlockSize()
}

func (d *TimedDevice) BlockCount() uint64 {
	return d.d.BlockCount()
}

func (d *TimedDevice) Close() error {
	return d.d.Close()
}

func (d *TimedDevice) Reads() uint32 {
	return d.ops[readOp].Count()
}

func (d *TimedDevice) Writes() uint32 {
	return d.ops[writeOp].Count()
}

func (d *TimedDevice) WriteStats(w io.Writer) {
	stats.WriteTable(ops, d.ops[:], w)
}

func (d *TimedDevice) ResetStats() {
	for i := range d.ops {
		d.ops[i].Reset()
	}
}
