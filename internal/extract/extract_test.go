package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const listingHTML = `<html><head><title>西安咖啡 - 大众点评网</title></head><body>
<div id="shop-all-list"><ul>
<li class="">
  <div class="tit"><a data-click-name="shop_title_click"><h4>星巴克(钟楼店)</h4></a></div>
  <div class="comment">
    <span class="star star_45 star_sml"></span>
    <a class="review-num"><b>9766</b>条评价</a>
    <a class="mean-price">人均<b>￥38</b></a>
  </div>
</li>
<li class="">
  <div class="tit"><h4>Manner Coffee</h4></div>
  <div class="comment">
    <span class="star star_4 star_sml"></span>
    <a class="review-num"><b>120</b>条评价</a>
  </div>
</li>
<li class=""><div class="tit"><h4>X</h4></div></li>
</ul></div>
<div class="page">
  <a class="cur">1</a>
  <a href="/xian/ch10/g132o2p2" data-ga-page="2">2</a>
  <a href="/xian/ch10/g132o2p50" data-ga-page="50">50</a>
  <a class="next" href="/xian/ch10/g132o2p2">下一页</a>
</div>
</body></html>`

func TestShopsExtractsFallbackFields(t *testing.T) {
	t.Parallel()

	page, err := Parse(listingHTML)
	require.NoError(t, err)
	require.Equal(t, "西安咖啡 - 大众点评网", page.Title())

	shops := page.Shops("西安", "咖啡")
	require.Len(t, shops, 2)

	first := shops[0]
	require.Equal(t, "西安", first.City)
	require.Equal(t, "美食", first.PrimaryCategory)
	require.Equal(t, "咖啡", first.SecondaryCategory)
	require.Equal(t, "星巴克(钟楼店)", first.ShopName)
	require.Equal(t, "38", first.AvgPrice)
	require.Equal(t, "9766", first.ReviewCount)
	require.NotNil(t, first.Rating)
	require.InDelta(t, 4.5, *first.Rating, 1e-9)

	second := shops[1]
	require.Equal(t, "Manner Coffee", second.ShopName)
	require.Empty(t, second.AvgPrice)
	require.Equal(t, "120", second.ReviewCount)
	require.NotNil(t, second.Rating)
	require.InDelta(t, 4.0, *second.Rating, 1e-9)
}

func TestShopsDegradesMalformedRating(t *testing.T) {
	t.Parallel()

	page, err := Parse(`<ul><li><h4>老孙家泡馍</h4><span class="star star_99 star_sml"></span></li></ul>`)
	require.NoError(t, err)
	shops := page.Shops("西安", "小吃快餐")
	require.Len(t, shops, 1)
	require.Nil(t, shops[0].Rating)
}

func TestShopsEmptyPage(t *testing.T) {
	t.Parallel()

	page, err := Parse(`<html><body><p>没有找到相关商户</p></body></html>`)
	require.NoError(t, err)
	require.Empty(t, page.Shops("西安", "咖啡"))
	require.False(t, page.HasListing())
	_, ok := page.TotalPages()
	require.False(t, ok)
}

func TestNormalizeRating(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"45", 4.5, true},
		{"4", 4.0, true},
		{"4.5", 4.5, true},
		{"50", 5.0, true},
		{"55", 0, false},
		{"7.2", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, ok := NormalizeRating(tc.raw)
		require.Equal(t, tc.ok, ok, tc.raw)
		if tc.ok {
			require.InDelta(t, tc.want, got, 1e-9, tc.raw)
		}
	}
}

func TestTotalPages(t *testing.T) {
	t.Parallel()

	page, err := Parse(listingHTML)
	require.NoError(t, err)
	total, ok := page.TotalPages()
	require.True(t, ok)
	require.Equal(t, 50, total)
	require.True(t, page.HasListing())
}
