package fieldlite

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func ledgerRows(t *testing.T, c *Client) map[string]bool {
	t.Helper()
	rows, err := c.DB.Query(`SELECT identifier, synced FROM scan_ledger`)
	require.NoError(t, err)
	defer rows.Close()

	entries := map[string]bool{}
	for rows.Next() {
		var identifier string
		var synced int
		require.NoError(t, rows.Scan(&identifier, &synced))
		entries[identifier] = synced != 0
	}
	require.NoError(t, rows.Err())
	return entries
}

func TestFinalizeBasicFlow(t *testing.T) {
	c := newTestClient(t, newTestDB(t), nil)
	ctx := context.Background()

	mustScan(t, c, "A", "bunches", 3)
	mustScan(t, c, "B", "bunches", 5)

	rec, err := c.Finalize(ctx, map[string]string{"kind": "harvest", "driver": "X"})
	require.NoError(t, err)
	require.Equal(t, int64(8), rec.Total)
	require.False(t, rec.Synced)
	require.Len(t, rec.Snapshot, 2)
	require.Equal(t, "X", rec.Attributes["driver"])
	require.True(t, strings.HasPrefix(rec.DocumentNumber, "HV-"))

	// Batch is empty afterwards
	count, err := c.StagedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	// Ledger grew by exactly the batch size, all unsynced
	entries := ledgerRows(t, c)
	require.Len(t, entries, 2)
	require.False(t, entries["A"])
	require.False(t, entries["B"])

	// Exactly one record exists and round-trips through the store
	records, err := c.ListFinalizedRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, rec.DocumentNumber, records[0].DocumentNumber)
	require.Equal(t, rec.Total, records[0].Total)
	require.Len(t, records[0].Snapshot, 2)
}

func TestFinalizeEmptyBatch(t *testing.T) {
	c := newTestClient(t, newTestDB(t), nil)
	ctx := context.Background()

	_, err := c.Finalize(ctx, map[string]string{"kind": "harvest"})
	require.ErrorIs(t, err, ErrEmptyBatch)

	// Nothing changed
	records, err := c.ListFinalizedRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	require.Empty(t, records)
	require.Empty(t, ledgerRows(t, c))
}

func TestFinalizeAggregateMatchesSnapshot(t *testing.T) {
	c := newTestClient(t, newTestDB(t), nil)
	ctx := context.Background()

	quantities := []int64{0, 7, 13, 1}
	for i, q := range quantities {
		mustScan(t, c, string(rune('A'+i)), "bunches", q)
	}

	rec, err := c.Finalize(ctx, map[string]string{"kind": "harvest"})
	require.NoError(t, err)

	var sum int64
	for _, s := range rec.Snapshot {
		sum += s.Quantity
	}
	require.Equal(t, sum, rec.Total)
	require.Equal(t, int64(21), rec.Total)
}

func TestFinalizeCountedCategories(t *testing.T) {
	config := DefaultConfig()
	config.Sequences["harvest"] = SequenceRule{Prefix: "HV", Pad: 5}
	config.CountedCategories = []string{"bunches"}
	c := newTestClient(t, newTestDB(t), config)
	ctx := context.Background()

	mustScan(t, c, "A", "bunches", 3)
	mustScan(t, c, "B", "loose", 5)

	rec, err := c.Finalize(ctx, map[string]string{"kind": "harvest"})
	require.NoError(t, err)
	// Only counted categories contribute to the total...
	require.Equal(t, int64(3), rec.Total)
	// ...but every scan is embedded and in the ledger
	require.Len(t, rec.Snapshot, 2)
	require.Len(t, ledgerRows(t, c), 2)
}

func TestFinalizeAssignsSequentialDocumentNumbers(t *testing.T) {
	c := newTestClient(t, newTestDB(t), nil)
	ctx := context.Background()

	mustScan(t, c, "A", "bunches", 1)
	rec1, err := c.Finalize(ctx, map[string]string{"kind": "shipment"})
	require.NoError(t, err)

	mustScan(t, c, "B", "bunches", 1)
	rec2, err := c.Finalize(ctx, map[string]string{"kind": "shipment"})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(rec1.DocumentNumber, "SHP-"))
	require.True(t, strings.HasSuffix(rec1.DocumentNumber, "-00001"))
	require.True(t, strings.HasSuffix(rec2.DocumentNumber, "-00002"))
	require.NotEqual(t, rec1.DocumentNumber, rec2.DocumentNumber)
}

func TestFinalizeUnknownCategoryUsesDefaultRule(t *testing.T) {
	c := newTestClient(t, newTestDB(t), nil)
	ctx := context.Background()

	mustScan(t, c, "A", "bunches", 1)
	rec, err := c.Finalize(ctx, map[string]string{"kind": "weighbridge"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rec.DocumentNumber, "DOC-"))
}
