package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"sjsage522/shopwatch/internal/catalog"
	"sjsage522/shopwatch/internal/perspective"
	"sjsage522/shopwatch/services/cache"
)

func sheetRows(t *testing.T, path, name string) [][]string {
	t.Helper()
	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	sheet, ok := f.Sheet[name]
	require.True(t, ok, "sheet %s", name)

	var rows [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		rows = append(rows, cells)
	}
	return rows
}

func listing(id string) catalog.Listing {
	return catalog.Listing{ID: id, URL: "https://www.etsy.com/listing/" + id, ShopName: "Shop", Title: "Item " + id, Price: "10.00", Currency: "$"}
}

func TestExportListingsDedupesAndPrepends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "export.xlsx")
	e := NewWorkbookExporter(path, nil, time.Hour, time.UTC)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)

	n, err := e.ExportListings(ctx, []catalog.Listing{listing("1"), listing("2"), listing("1")}, at)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.ExportListings(ctx, []catalog.Listing{listing("2"), listing("3")}, at.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := sheetRows(t, path, SheetProducts)
	require.Len(t, rows, 4)
	assert.Equal(t, headers[SheetProducts], rows[0])
	assert.Equal(t, []string{"https://www.etsy.com/listing/3", "02.01.2024 09:30", "Shop", "Item 3", "$10.00"}, rows[1])
	assert.Equal(t, "https://www.etsy.com/listing/1", rows[2][0])
	assert.Equal(t, "https://www.etsy.com/listing/2", rows[3][0])

	// the other sheet is created empty
	assert.Len(t, sheetRows(t, path, SheetTops), 1)
}

func TestExportDedupesAgainstExistingRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.xlsx")
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	_, err := NewWorkbookExporter(path, nil, time.Hour, nil).ExportListings(context.Background(), []catalog.Listing{listing("1")}, at)
	require.NoError(t, err)

	// a fresh exporter has an empty cache and still finds the row
	n, err := NewWorkbookExporter(path, cache.NewMemoryCache(), time.Hour, nil).ExportListings(context.Background(), []catalog.Listing{listing("1")}, at)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, sheetRows(t, path, SheetProducts), 2)
}

func TestExportDedupesThroughCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.xlsx")
	c := cache.NewMemoryCache()
	require.NoError(t, c.Set(cacheKey(SheetProducts, listing("9").URL), []byte("1"), time.Hour))

	n, err := NewWorkbookExporter(path, c, time.Hour, nil).ExportListings(context.Background(), []catalog.Listing{listing("9"), listing("8")}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Get(cacheKey(SheetProducts, listing("8").URL))
	assert.NoError(t, err)
}

func TestExportClassifiedOnlyTops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.xlsx")
	e := NewWorkbookExporter(path, nil, time.Hour, time.UTC)
	discovered := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	n, err := e.ExportClassified(context.Background(), []perspective.Classification{
		{ListingID: "4", URL: "https://www.etsy.com/listing/4", Outcome: perspective.OutcomeTop, DiscoveredAt: discovered, MaturedAt: discovered.AddDate(0, 0, 60), ViewsPerDay: 26.666, LikesPerDay: 1, DaysObserved: 60},
		{ListingID: "5", URL: "https://www.etsy.com/listing/5", Outcome: perspective.OutcomeArchived},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := sheetRows(t, path, SheetTops)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"https://www.etsy.com/listing/4", "4", "01.01.2024 00:00", "01.03.2024 00:00", "26.67", "1.00", "60"}, rows[1])
}

func TestExportNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.xlsx")
	n, err := NewWorkbookExporter(path, nil, time.Hour, nil).ExportListings(context.Background(), nil, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoFileExists(t, path)
}
