package fs

import (
	"io"

	"github.com/mit-pdos/go-blockfs/util/stats"
)

const (
	opCreate int = iota
	opMkdir
	opLookup
	opResolve
	opGetattr
	opSetattr
	opReadAt
	opWriteAt
	opTruncate
	opUnlink
	opRmdir
	opLink
	opRename
	opReadDir
	opCheck
	opSync
	nOps
)

var opNames = []string{
	"CREATE",
	"MKDIR",
	"LOOKUP",
	"RESOLVE",
	"GETATTR",
	"SETATTR",
	"READ",
	"WRITE",
	"TRUNCATE",
	"UNLINK",
	"RMDIR",
	"LINK",
	"RENAME",
	"READDIR",
	"CHECK",
	"SYNC",
}

type OpCount struct {
	Op    string
	Count uint32
}

// OpCounts returns how many times each operation has run.
func (fs *FileSystem) OpCounts() []OpCount {
	var counts []OpCount
	for op := range fs.ops {
		counts = append(counts, OpCount{Op: opNames[op], Count: fs.ops[op].Count()})
	}
	return counts
}

func (fs *FileSystem) WriteOpStats(w io.Writer) {
	stats.WriteTable(opNames, fs.ops[:], w)
}

func (fs *FileSystem) ResetOpStats() {
	for i := range fs.ops {
		fs.ops[i].Reset()
	}
}
