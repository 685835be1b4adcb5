package validate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venueops/gateguard/internal/store"
	"github.com/venueops/gateguard/internal/ticket"
)

const testSecret = "mayur@123"

var testDay = time.Date(2025, 10, 15, 12, 0, 0, 0, time.Local)

func newTestValidator(t *testing.T, gate string) (*Validator, *store.Store, *ticket.Codec) {
	t.Helper()

	st, err := store.Open(gate, store.WithDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	codec := ticket.NewCodec(testSecret, nil)
	v := New(codec, st, gate, nil)
	v.now = func() time.Time { return testDay }
	return v, st, codec
}

func mintTicket(t *testing.T, codec *ticket.Codec, date, serial string, pax map[string]int) string {
	t.Helper()
	s, err := codec.Build(date, serial, pax)
	require.NoError(t, err)
	return s
}

func TestValidEntryFromManifest(t *testing.T) {
	ctx := context.Background()
	v, st, codec := newTestValidator(t, "A")

	scan := mintTicket(t, codec, "20251015", "000001", map[string]int{"01": 2})
	require.NoError(t, st.UpsertFromServer(ctx, "20251015-000001", "2025-10-15",
		map[string]store.Seats{"A": {Pax: 2}}))

	dec := v.Validate(ctx, scan)
	assert.True(t, dec.Valid)
	assert.Equal(t, ReasonValidEntry, dec.Reason)
	assert.Equal(t, "20251015-000001", dec.ReferenceNo)
	assert.Equal(t, 2, dec.Pax)
	assert.Equal(t, 1, dec.UsedAfter)

	// The decision landed in scan history.
	n, err := st.TodayScans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStaleDayRejectedBeforeVerification(t *testing.T) {
	ctx := context.Background()
	v, _, codec := newTestValidator(t, "A")

	// A perfectly signed ticket for yesterday fails the date policy.
	scan := mintTicket(t, codec, "20251014", "000001", map[string]int{"01": 2})
	dec := v.Validate(ctx, scan)
	assert.False(t, dec.Valid)
	assert.Equal(t, ReasonInvalidDate, dec.Reason)
}

func TestForgedTagRejected(t *testing.T) {
	ctx := context.Background()
	v, st, codec := newTestValidator(t, "A")

	scan := mintTicket(t, codec, "20251015", "000002", map[string]int{"01": 2})
	forged := scan[:len(scan)-12] + "000000000000"

	dec := v.Validate(ctx, forged)
	assert.False(t, dec.Valid)
	assert.Equal(t, ReasonInvalidQR, dec.Reason)

	// A rejected forgery must not create a ticket row.
	ok, err := st.Exists(ctx, "20251015-000002")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOfflineBirth(t *testing.T) {
	ctx := context.Background()
	v, st, codec := newTestValidator(t, "B")

	// The manifest never arrived; the signed barcode alone admits.
	scan := mintTicket(t, codec, "20251015", "000003", map[string]int{"01": 1, "02": 2})

	dec := v.Validate(ctx, scan)
	require.True(t, dec.Valid, "reason: %s", dec.Reason)
	assert.Equal(t, 2, dec.Pax)
	assert.Equal(t, 1, dec.UsedAfter)

	// The born row carries the capacities of every encoded gate.
	info, ok, err := st.TicketInfo(ctx, "20251015-000003")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-10-15", info.BookingDate)
	assert.Equal(t, 1, info.Seats["A"].Pax)
	assert.Equal(t, 2, info.Seats["B"].Pax)
	assert.False(t, info.IsSynced)

	// Second and third scans drain and then exhaust the ticket.
	dec = v.Validate(ctx, scan)
	require.True(t, dec.Valid)
	assert.Equal(t, 2, dec.UsedAfter)

	dec = v.Validate(ctx, scan)
	assert.False(t, dec.Valid)
	assert.Equal(t, ReasonAllUsed, dec.Reason)
}

func TestGateMismatch(t *testing.T) {
	ctx := context.Background()
	v, _, codec := newTestValidator(t, "C")

	// Valid ticket that only grants gates A and B.
	scan := mintTicket(t, codec, "20251015", "000004", map[string]int{"01": 2, "02": 1})

	dec := v.Validate(ctx, scan)
	assert.False(t, dec.Valid)
	assert.Equal(t, reasonMismatchPfx+"C", dec.Reason)
}

func TestStoredDateOverridesBarcode(t *testing.T) {
	ctx := context.Background()
	v, st, codec := newTestValidator(t, "A")

	// The store says this reference belongs to another day; the server wins
	// over whatever the barcode claims.
	scan := mintTicket(t, codec, "20251015", "000005", map[string]int{"01": 2})
	require.NoError(t, st.UpsertFromServer(ctx, "20251015-000005", "2025-10-14",
		map[string]store.Seats{"A": {Pax: 2}}))

	dec := v.Validate(ctx, scan)
	assert.False(t, dec.Valid)
	assert.Equal(t, ReasonInvalidDate, dec.Reason)
}

func TestGarbageScanIsLoggedTruncated(t *testing.T) {
	ctx := context.Background()
	v, st, _ := newTestValidator(t, "A")

	long := "20251015-"
	for len(long) < 200 {
		long += "x"
	}

	dec := v.Validate(ctx, long)
	assert.False(t, dec.Valid)
	assert.Equal(t, ReasonInvalidQR, dec.Reason)

	n, err := st.TodayScans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
