package dir

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-blockfs/fserr"
)

func TestAddLookupRemove(t *testing.T) {
	assert := assert.New(t)
	d := New()
	e, err := d.AddEntry("b", 5)
	require.NoError(t, err)
	assert.Equal(Entry{Name: "b", Inum: 5, Off: 0}, e)
	e, err = d.AddEntry("a", 6)
	require.NoError(t, err)
	assert.Equal(DIRENTSZ, e.Off)

	inum, ok := d.GetEntry("a")
	assert.True(ok)
	assert.Equal(uint64(6), inum)
	_, ok = d.GetEntry("c")
	assert.False(ok)

	_, err = d.AddEntry("a", 7)
	assert.ErrorIs(err, fserr.ErrAlreadyExists)
	inum, _ = d.GetEntry("a")
	assert.Equal(uint64(6), inum, "failed add leaves the old entry")

	e, err = d.RemoveEntry("b")
	require.NoError(t, err)
	assert.Equal(uint64(5), e.Inum)
	_, err = d.RemoveEntry("b")
	assert.ErrorIs(err, fserr.ErrNotFound)
	assert.Equal(1, d.Len())
}

func TestSlotReuse(t *testing.T) {
	d := New()
	for i, name := range []string{"x", "y", "z"} {
		_, err := d.AddEntry(name, uint64(i+2))
		require.NoError(t, err)
	}
	_, err := d.RemoveEntry("z")
	require.NoError(t, err)
	_, err = d.RemoveEntry("x")
	require.NoError(t, err)

	e, err := d.AddEntry("w", 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), e.Off, "lowest free slot first")
	e, err = d.AddEntry("v", 10)
	require.NoError(t, err)
	assert.Equal(t, 2*DIRENTSZ, e.Off)
	assert.Equal(t, 3*DIRENTSZ, d.Size())
}

func TestBadNames(t *testing.T) {
	d := New()
	for _, name := range []string{"", ".", "..", "a/b", "/"} {
		_, err := d.AddEntry(name, 2)
		assert.ErrorIs(t, err, fserr.ErrInvalidParameter, "name %q", name)
	}
	_, err := d.AddEntry(strings.Repeat("n", int(MAXNAMELEN)+1), 2)
	assert.ErrorIs(t, err, fserr.ErrNameTooLong)
	_, err = d.AddEntry(strings.Repeat("n", int(MAXNAMELEN)), 2)
	assert.NoError(t, err)
	_, err = d.AddEntry("ok", 0)
	assert.ErrorIs(t, err, fserr.ErrInvalidParameter)
}

func TestListSorted(t *testing.T) {
	d := New()
	for i, name := range []string{"delta", "alpha", "charlie", "bravo"} {
		_, err := d.AddEntry(name, uint64(i+2))
		require.NoError(t, err)
	}
	var names []string
	for _, e := range d.ListEntries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, names)
}

func TestEncodeDecode(t *testing.T) {
	d := New()
	data := make([]byte, 0)
	for i, name := range []string{"one", "two", "three"} {
		e, err := d.AddEntry(name, uint64(i+2))
		require.NoError(t, err)
		data = append(data, EncodeEntry(e)...)
	}
	e, err := d.RemoveEntry("two")
	require.NoError(t, err)
	copy(data[e.Off:], EncodeEntry(Entry{}))

	rec := EncodeEntry(Entry{Name: "one", Inum: 2})
	assert.Equal(t, []byte{2, 0, 0, 0, 0, 0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 'o', 'n', 'e'}, rec[:19])

	got, err := Decode(data)
	require.NoError(t, err)
	if diff := cmp.Diff(d.ListEntries(), got.ListEntries()); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, d.Size(), got.Size())
	e, err = got.AddEntry("four", 9)
	require.NoError(t, err)
	assert.Equal(t, DIRENTSZ, e.Off, "freed slot survives decoding")
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode(make([]byte, DIRENTSZ+1))
	assert.ErrorIs(t, err, fserr.ErrInvalidData)

	dup := append(EncodeEntry(Entry{Name: "a", Inum: 2}), EncodeEntry(Entry{Name: "a", Inum: 3})...)
	_, err = Decode(dup)
	assert.ErrorIs(t, err, fserr.ErrInvalidData)

	bad := EncodeEntry(Entry{Name: "a", Inum: 2})
	bad[8] = 200
	_, err = Decode(bad)
	assert.ErrorIs(t, err, fserr.ErrInvalidData)

	dot := EncodeEntry(Entry{Name: "..", Inum: 2})
	_, err = Decode(dot)
	assert.ErrorIs(t, err, fserr.ErrInvalidData)
}
