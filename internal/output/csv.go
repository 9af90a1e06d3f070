// Package output writes extracted shop records as CSV artifacts. Partial
// files are appended to page by page and always carry exactly one header.
package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Columns is the fixed column order of every artifact.
var Columns = []string{
	"city", "primary_category", "secondary_category", "shop_name", "avg_price", "review_count", "rating",
}

const (
	timestampLayout = "20060102_150405"
	filePrefix      = "custom_crawl_"
	bom             = "\ufeff"
)

// PartialName is the per-category incremental file name.
func PartialName(city, category string, ts time.Time) string {
	return fmt.Sprintf("%s%s_%s_partial_%s.csv", filePrefix, city, category, ts.Format(timestampLayout))
}

// FinalName is the merged per-task file name.
func FinalName(city string, categories []string, ts time.Time) string {
	return fmt.Sprintf("%s%s_%s_%s.csv", filePrefix, city, strings.Join(categories, "_"), ts.Format(timestampLayout))
}

// Writer places artifacts under one directory.
type Writer struct {
	dir string
}

// NewWriter creates dir if needed.
func NewWriter(dir string) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Path joins name onto the output directory.
func (w *Writer) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Append adds records to the named file, creating it with a BOM and header
// when it does not exist yet or is empty. Appending zero records still
// creates the file.
func (w *Writer) Append(name string, records []crawler.ShopRecord) (string, error) {
	path := w.Path(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // name is built by this package
	if err != nil {
		return "", fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return "", fmt.Errorf("stat %s: %w", name, err)
	}
	if err := writeRecords(f, records, info.Size() == 0); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("append %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	return path, nil
}

// WriteFile replaces the named file with records.
func (w *Writer) WriteFile(name string, records []crawler.ShopRecord) (string, error) {
	path := w.Path(name)
	f, err := os.Create(path) //nolint:gosec // name is built by this package
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if err := writeRecords(f, records, true); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	return path, nil
}

func writeRecords(dst io.Writer, records []crawler.ShopRecord, header bool) error {
	if header {
		if _, err := io.WriteString(dst, bom); err != nil {
			return err
		}
	}
	cw := csv.NewWriter(dst)
	if header {
		if err := cw.Write(Columns); err != nil {
			return err
		}
	}
	for _, r := range records {
		if err := cw.Write(Row(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Row renders one record in column order.
func Row(r crawler.ShopRecord) []string {
	rating := ""
	if r.Rating != nil {
		rating = strconv.FormatFloat(*r.Rating, 'f', 1, 64)
	}
	return []string{r.City, r.PrimaryCategory, r.SecondaryCategory, r.ShopName, r.AvgPrice, r.ReviewCount, rating}
}

// Quality summarizes field completeness of a record set.
type Quality struct {
	Total             int
	PriceCompleteRate float64
	PerCategory       map[string]int
}

// Summarize computes Quality for records.
func Summarize(records []crawler.ShopRecord) Quality {
	q := Quality{Total: len(records), PerCategory: map[string]int{}}
	priced := 0
	for _, r := range records {
		if r.AvgPrice != "" {
			priced++
		}
		q.PerCategory[r.SecondaryCategory]++
	}
	if q.Total > 0 {
		q.PriceCompleteRate = float64(priced) / float64(q.Total) * 100
	}
	return q
}
