package output

import (
	"encoding/csv"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

func shop(name string, rating *float64) crawler.ShopRecord {
	return crawler.ShopRecord{
		City: "西安", PrimaryCategory: "美食", SecondaryCategory: "咖啡",
		ShopName: name, AvgPrice: "38", ReviewCount: "12", Rating: rating,
	}
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), bom))
	rows, err := csv.NewReader(strings.NewReader(strings.TrimPrefix(string(data), bom))).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	name := PartialName("西安", "咖啡", time.Date(2025, 6, 1, 9, 30, 5, 0, time.UTC))
	require.Equal(t, "custom_crawl_西安_咖啡_partial_20250601_093005.csv", name)

	r := 4.5
	_, err = w.Append(name, []crawler.ShopRecord{shop("星巴克", &r)})
	require.NoError(t, err)
	path, err := w.Append(name, []crawler.ShopRecord{shop("Manner", nil)})
	require.NoError(t, err)
	_, err = w.Append(name, []crawler.ShopRecord{shop("Manner", nil)})
	require.NoError(t, err)

	rows := readRows(t, path)
	require.Len(t, rows, 4)
	require.Equal(t, Columns, rows[0])
	require.Equal(t, []string{"西安", "美食", "咖啡", "星巴克", "38", "12", "4.5"}, rows[1])
	require.Equal(t, "", rows[2][6])
	for _, row := range rows[1:] {
		require.NotEqual(t, "city", row[0])
	}
}

func TestAppendNothingStillCreatesHeader(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	path, err := w.Append("empty.csv", nil)
	require.NoError(t, err)
	require.Equal(t, [][]string{Columns}, readRows(t, path))
}

func TestWriteFileReplaces(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	name := FinalName("西安", []string{"咖啡", "火锅"}, time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	require.Equal(t, "custom_crawl_西安_咖啡_火锅_20250601_090000.csv", name)

	_, err = w.WriteFile(name, []crawler.ShopRecord{shop("a1", nil), shop("a2", nil)})
	require.NoError(t, err)
	path, err := w.WriteFile(name, []crawler.ShopRecord{shop("b1", nil)})
	require.NoError(t, err)
	require.Len(t, readRows(t, path), 2)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	recs := []crawler.ShopRecord{shop("a", nil), shop("b", nil)}
	recs[1].AvgPrice = ""
	recs[1].SecondaryCategory = "火锅"
	q := Summarize(recs)
	require.Equal(t, 2, q.Total)
	require.InDelta(t, 50.0, q.PriceCompleteRate, 1e-9)
	require.Equal(t, map[string]int{"咖啡": 1, "火锅": 1}, q.PerCategory)
}
