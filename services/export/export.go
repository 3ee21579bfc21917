// Package export appends discoveries to an xlsx workbook for operators.
package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"sjsage522/shopwatch/internal/catalog"
	"sjsage522/shopwatch/internal/perspective"
	"sjsage522/shopwatch/logger"
	"sjsage522/shopwatch/services/cache"
)

// Sheet names
const (
	SheetProducts = "Products"
	SheetTops     = "Tops"
)

const timeLayout = "02.01.2006 15:04"

var headers = map[string][]string{
	SheetProducts: {"URL", "Discovered at", "Shop", "Title", "Price"},
	SheetTops:     {"URL", "Listing ID", "Discovered at", "Matured at", "Views/day", "Likes/day", "Days observed"},
}

// sheetOrder fixes the tab order of a rewritten workbook
var sheetOrder = []string{SheetProducts, SheetTops}

// Exporter is the durable export capability. Rows are deduplicated by URL.
type Exporter interface {
	ExportListings(ctx context.Context, listings []catalog.Listing, at time.Time) (int, error)
	ExportClassified(ctx context.Context, tops []perspective.Classification) (int, error)
}

// WorkbookExporter keeps newest rows first under the header of each sheet
type WorkbookExporter struct {
	path  string
	cache cache.CacheService
	ttl   time.Duration
	loc   *time.Location
	log   *logger.Logger

	mu sync.Mutex
}

var _ Exporter = (*WorkbookExporter)(nil)

// NewWorkbookExporter creates an exporter writing to path. Exported URLs are
// remembered in c for ttl so repeated runs skip the workbook scan.
func NewWorkbookExporter(path string, c cache.CacheService, ttl time.Duration, loc *time.Location) *WorkbookExporter {
	if c == nil {
		c = cache.NewMemoryCache()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &WorkbookExporter{path: path, cache: c, ttl: ttl, loc: loc, log: logger.ForExport()}
}

// ExportListings appends new listings to the Products sheet
func (e *WorkbookExporter) ExportListings(ctx context.Context, listings []catalog.Listing, at time.Time) (int, error) {
	rows := make([][]string, 0, len(listings))
	for _, l := range listings {
		rows = append(rows, []string{l.URL, at.In(e.loc).Format(timeLayout), l.ShopName, l.Title, l.Currency + l.Price})
	}
	return e.append(ctx, SheetProducts, rows)
}

// ExportClassified appends Top classifications to the Tops sheet; other outcomes are ignored
func (e *WorkbookExporter) ExportClassified(ctx context.Context, results []perspective.Classification) (int, error) {
	var rows [][]string
	for _, c := range results {
		if c.Outcome != perspective.OutcomeTop {
			continue
		}
		rows = append(rows, []string{
			c.URL,
			c.ListingID,
			c.DiscoveredAt.In(e.loc).Format(timeLayout),
			c.MaturedAt.In(e.loc).Format(timeLayout),
			strconv.FormatFloat(c.ViewsPerDay, 'f', 2, 64),
			strconv.FormatFloat(c.LikesPerDay, 'f', 2, 64),
			strconv.Itoa(c.DaysObserved),
		})
	}
	return e.append(ctx, SheetTops, rows)
}

func (e *WorkbookExporter) append(ctx context.Context, sheet string, rows [][]string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	book, err := e.read()
	if err != nil {
		return 0, err
	}

	existing := make(map[string]bool, len(book[sheet]))
	for _, r := range book[sheet] {
		if len(r) > 0 {
			existing[r[0]] = true
		}
	}

	var fresh [][]string
	for _, r := range rows {
		url := r[0]
		if url == "" || existing[url] || e.cached(sheet, url) {
			continue
		}
		existing[url] = true
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	book[sheet] = append(fresh, book[sheet]...)
	if err := e.write(book); err != nil {
		return 0, err
	}

	for _, r := range fresh {
		if err := e.cache.Set(cacheKey(sheet, r[0]), []byte("1"), e.ttl); err != nil {
			e.log.Debug().Err(err).Msg("Failed to remember exported URL")
		}
	}
	e.log.Info().Str("sheet", sheet).Int("rows", len(fresh)).Msg("Rows exported")
	return len(fresh), nil
}

func (e *WorkbookExporter) cached(sheet, url string) bool {
	_, err := e.cache.Get(cacheKey(sheet, url))
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		e.log.Debug().Err(err).Msg("Export cache unavailable")
	}
	return err == nil
}

func cacheKey(sheet, url string) string {
	return "export:" + sheet + ":" + url
}

// read returns data rows per sheet, headers excluded
func (e *WorkbookExporter) read() (map[string][][]string, error) {
	book := make(map[string][][]string)
	if _, err := os.Stat(e.path); errors.Is(err, os.ErrNotExist) {
		return book, nil
	}
	f, err := xlsx.OpenFile(e.path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}
	for name, sheet := range f.Sheet {
		for i, row := range sheet.Rows {
			if i == 0 {
				continue
			}
			cells := make([]string, len(row.Cells))
			for j, cell := range row.Cells {
				cells[j] = cell.String()
			}
			book[name] = append(book[name], cells)
		}
	}
	return book, nil
}

func (e *WorkbookExporter) write(book map[string][][]string) error {
	f := xlsx.NewFile()
	for _, name := range sheetOrder {
		sheet, err := f.AddSheet(name)
		if err != nil {
			return eris.Wrapf(err, "xlsx: add sheet %s", name)
		}
		addRow(sheet, headers[name])
		for _, r := range book[name] {
			addRow(sheet, r)
		}
	}

	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return eris.Wrap(err, "xlsx: create export dir")
	}
	tmp := e.path + ".tmp"
	if err := f.Save(tmp); err != nil {
		return eris.Wrap(err, "xlsx: save workbook")
	}
	if err := os.Rename(tmp, e.path); err != nil {
		return eris.Wrap(err, "xlsx: replace workbook")
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
