// Package dir implements directories: a name -> inode mapping stored in the
// data of a directory inode as fixed-size records.
//
// A record is DIRENTSZ bytes: inum u64, name length u64, then the name. A
// record with inum 0 is a free slot. "." and ".." are never stored.
package dir

import (
	"fmt"
	"strings"

	"github.com/google/btree"
	"github.com/mit-pdos/go-journal/common"
	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-blockfs/fserr"
)

const DIRENTSZ uint64 = 128
const MAXNAMELEN = DIRENTSZ - 16 // uint64 for inum + uint64 for len(name)

type Entry struct {
	Name string
	Inum common.Inum
	Off  uint64 // byte offset of the record in the directory
}

func (e Entry) String() string {
	return fmt.Sprintf("%q -> # %d @%d", e.Name, e.Inum, e.Off)
}

// Dir is the in-memory form of a directory: entries ordered by name and
// the offsets of free slots, lowest first.
type Dir struct {
	names *btree.BTreeG[Entry]
	free  *btree.BTreeG[uint64]
	end   uint64
}

func byName(a, b Entry) bool {
	return a.Name < b.Name
}

func New() *Dir {
	return &Dir{
		names: btree.NewG[Entry](8, byName),
		free:  btree.NewOrderedG[uint64](8),
	}
}

// CheckName rejects names that cannot be stored as an entry.
func CheckName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("name %q: %w", name, fserr.ErrInvalidParameter)
	}
	if uint64(len(name)) > MAXNAMELEN {
		return fmt.Errorf("name of %d bytes: %w", len(name), fserr.ErrNameTooLong)
	}
	return nil
}

// AddEntry maps name to inum, reusing the lowest free slot if there is one.
// The returned entry says where its record goes.
func (d *Dir) AddEntry(name string, inum common.Inum) (Entry, error) {
	if err := CheckName(name); err != nil {
		return Entry{}, err
	}
	if inum == common.NULLINUM {
		return Entry{}, fmt.Errorf("add %q: null inode: %w", name, fserr.ErrInvalidParameter)
	}
	if _, ok := d.names.Get(Entry{Name: name}); ok {
		return Entry{}, fmt.Errorf("add %q: %w", name, fserr.ErrAlreadyExists)
	}
	off, ok := d.free.DeleteMin()
	if !ok {
		off = d.end
		d.end += DIRENTSZ
	}
	e := Entry{Name: name, Inum: inum, Off: off}
	d.names.ReplaceOrInsert(e)
	return e, nil
}

// RemoveEntry drops name and returns the entry it held. The inode it
// points at is left alone; its slot becomes free.
func (d *Dir) RemoveEntry(name string) (Entry, error) {
	e, ok := d.names.Delete(Entry{Name: name})
	if !ok {
		return Entry{}, fmt.Errorf("remove %q: %w", name, fserr.ErrNotFound)
	}
	d.free.ReplaceOrInsert(e.Off)
	return e, nil
}

func (d *Dir) GetEntry(name string) (common.Inum, bool) {
	e, ok := d.Lookup(name)
	return e.Inum, ok
}

func (d *Dir) Lookup(name string) (Entry, bool) {
	return d.names.Get(Entry{Name: name})
}

// ListEntries returns all entries sorted by name.
func (d *Dir) ListEntries() []Entry {
	ents := make([]Entry, 0, d.names.Len())
	d.names.Ascend(func(e Entry) bool {
		ents = append(ents, e)
		return true
	})
	return ents
}

func (d *Dir) Len() int {
	return d.names.Len()
}

func (d *Dir) IsEmpty() bool {
	return d.names.Len() == 0
}

// Size is the length of the directory's data: one record per slot ever
// used.
func (d *Dir) Size() uint64 {
	return d.end
}

// EncodeEntry returns the record for e. A zero Entry encodes a free slot.
func EncodeEntry(e Entry) []byte {
	b := make([]byte, DIRENTSZ)
	machine.UInt64Put(b[:8], e.Inum)
	machine.UInt64Put(b[8:16], uint64(len(e.Name)))
	copy(b[16:], e.Name)
	return b
}

func decodeEntry(b []byte, off uint64) (Entry, error) {
	e := Entry{Off: off}
	e.Inum = machine.UInt64Get(b[:8])
	l := machine.UInt64Get(b[8:16])
	if e.Inum == common.NULLINUM {
		return e, nil
	}
	if l > MAXNAMELEN {
		return e, fmt.Errorf("entry @%d: name length %d: %w", off, l, fserr.ErrInvalidData)
	}
	e.Name = string(b[16 : 16+l])
	if err := CheckName(e.Name); err != nil {
		return e, fmt.Errorf("entry @%d: %v: %w", off, err, fserr.ErrInvalidData)
	}
	return e, nil
}

// Decode rebuilds a directory from its data.
func Decode(data []byte) (*Dir, error) {
	if uint64(len(data))%DIRENTSZ != 0 {
		return nil, fmt.Errorf("directory of %d bytes: %w", len(data), fserr.ErrInvalidData)
	}
	d := New()
	for off := uint64(0); off < uint64(len(data)); off += DIRENTSZ {
		e, err := decodeEntry(data[off:off+DIRENTSZ], off)
		if err != nil {
			return nil, err
		}
		if e.Inum == common.NULLINUM {
			d.free.ReplaceOrInsert(off)
			continue
		}
		if _, dup := d.names.ReplaceOrInsert(e); dup {
			return nil, fmt.Errorf("duplicate entry %q: %w", e.Name, fserr.ErrInvalidData)
		}
	}
	d.end = uint64(len(data))
	return d, nil
}
