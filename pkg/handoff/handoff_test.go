package handoff_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/capkit/coeruntime/pkg/handoff"
)

func buildSample() *handoff.Record {
	r := handoff.New("child-one", 10, 0x80010000, 4)
	r.AddUntyped(12, 8, 0x40000000)
	r.PrependEndpoint("svc", 9)
	r.PrependEndpoint("log", 10)
	r.PrependNotification("tick", 11)
	r.PrependShmem("ring", 0x60000000, 8192)
	r.PrependDevice("uart0", 0x50000000, 0x09000000, 12, 1, []uint64{13})
	r.PrependIRQ("uart0-irq", 14, 15, 33)
	r.CNodeNextFree = 16
	return r
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	want := buildSample()
	data, err := handoff.Marshal(want)
	require.NoError(t, err)

	got, err := handoff.Unmarshal(data)
	require.NoError(t, err)

	if diff := cmp.Diff(want, got, cmp.AllowUnexported()); diff != "" {
		// Record has no unexported fields; AllowUnexported is a no-op
		// guard in case that ever changes.
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupReturnsFirstMatchingNameAfterPrepend(t *testing.T) {
	r := handoff.New("child", 8, 0, 1)
	r.PrependEndpoint("svc", 1)
	r.PrependEndpoint("svc", 2) // registered later, prepended, seen first

	slot, ok := r.LookupEndpoint("svc")
	require.True(t, ok)
	require.EqualValues(t, 2, slot)
}

func TestLookupMissingNameFails(t *testing.T) {
	r := handoff.New("child", 8, 0, 1)
	_, ok := r.LookupNotification("nope")
	require.False(t, ok)
}

func TestEmptyRecordRoundTrips(t *testing.T) {
	r := handoff.New("", 0, 0, 0)
	data, err := handoff.Marshal(r)
	require.NoError(t, err)
	got, err := handoff.Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, r, got)
}
