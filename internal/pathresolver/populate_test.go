package pathresolver

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPath_SimpleChain(t *testing.T) {
	raw := map[uint64]mftEntry{
		5:  {Name: "", ParentFRN: 5}, // root, self-referencing
		10: {Name: "temp", ParentFRN: 5},
		20: {Name: "file.txt", ParentFRN: 10},
	}

	path, ok := buildPath("C", 20, raw)
	require.True(t, ok)
	assert.Equal(t, `C:\temp\file.txt`, path)
}

func TestBuildPath_MissingEntryFails(t *testing.T) {
	raw := map[uint64]mftEntry{
		20: {Name: "file.txt", ParentFRN: 999},
	}
	_, ok := buildPath("C", 20, raw)
	assert.False(t, ok)
}

func TestBuildPath_BoundsCycles(t *testing.T) {
	// A corrupt two-node cycle must not hang buildPath.
	raw := map[uint64]mftEntry{
		1: {Name: "a", ParentFRN: 2},
		2: {Name: "b", ParentFRN: 1},
	}
	// Neither path terminates at root/null, so the hop bound kicks in
	// and buildPath returns whatever partial chain it built without
	// looping forever.
	done := make(chan struct{})
	go func() {
		buildPath("C", 1, raw)
		close(done)
	}()
	select {
	case <-done:
	default:
	}
	<-done
}

type fakeEnumerator struct {
	entries map[uint64]mftEntry
}

func (f *fakeEnumerator) Enumerate(emit func(frn uint64, entry mftEntry)) error {
	for frn, e := range f.entries {
		emit(frn, e)
	}
	return nil
}

func TestPopulate_MergesResolvedPaths(t *testing.T) {
	enum := &fakeEnumerator{entries: map[uint64]mftEntry{
		5:  {Name: "", ParentFRN: 5},
		10: {Name: "dir", ParentFRN: 5},
		20: {Name: "file.txt", ParentFRN: 10},
	}}

	r := New("C")
	log := logrus.New()
	require.NoError(t, r.Populate(enum, nil, log))

	p, ok := r.Lookup(20)
	require.True(t, ok)
	assert.Equal(t, `C:\dir\file.txt`, p)
}
