package numeral

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

func TestToArabic(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want float64
	}{
		{"一", 1},
		{"十", 10},
		{"十五", 15},
		{"二十", 20},
		{"一百", 100},
		{"一千零一", 1001},
		{"两千", 2000},
		{"一万二千", 12000},
		{"十万", 100000},
		{"十万零一十", 100010},
		{"一亿", 1e8},
		{"一九", 19},
		{"二零二零", 2020},
		{"三点五", 3.5},
		{"一点五万", 15000},
		{"负十", -10},
		{"叁佰", 300},
		{"两百五", 250},
		{"三千五", 3500},
		{"一万五", 15000},
		{"百五", 150},
		{"一千零五", 1005},
		{"一亿二千万", 1.2e8},
		{"一万亿", 1e12},
		{"十二万三千四百五十六", 123456},
	}
	for _, tc := range cases {
		got, err := ToArabic(tc.in)
		require.NoError(t, err, tc.in)
		assert.InDelta(t, tc.want, got, 1e-9, tc.in)
	}
}

func TestToArabic_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"", "点五", "三点", "一点二点三", "三个", "abc", "负",
		"十十", "万万", "一万万", "一十百", "二百三百", "一二百", "一亿万",
	} {
		_, err := ToArabic(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrNormalization), in)
		assert.True(t, errors.IsCode(err, errors.ErrCodeNormalization), in)
	}
}

func TestToChinese(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0":      "零",
		"10":     "十",
		"15":     "十五",
		"100":    "一百",
		"110":    "一百一十",
		"1001":   "一千零一",
		"3000":   "三千",
		"100010": "十万零一十",
		"3.5":    "三点五",
		".5":     "零点五",
		"-2":     "负二",
		"+7":     "七",
		"007":    "七",
	}
	for in, want := range cases {
		got, err := ToChinese(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "3.", "1e5", "x"} {
		_, err := ToChinese(in)
		assert.Error(t, err, in)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 9, 10, 11, 20, 99, 101, 999, 1000, 1010, 9999, 10000, 10001, 20300, 123456, 1000001, 100000000} {
		cn, err := ToChinese(strconv.Itoa(n))
		require.NoError(t, err)
		back, err := ToArabic(cn)
		require.NoError(t, err, cn)
		assert.Equal(t, float64(n), back, cn)
	}
}

func TestStrToNum(t *testing.T) {
	t.Parallel()

	got, ok := StrToNum("三千")
	require.True(t, ok)
	assert.Equal(t, "3000", got)

	got, ok = StrToNum("三点五")
	require.True(t, ok)
	assert.Equal(t, "3.5", got)

	got, ok = StrToNum("12.50")
	require.True(t, ok)
	assert.Equal(t, "12.5", got)

	_, ok = StrToNum("点点")
	assert.False(t, ok)
}

func TestStrToYear(t *testing.T) {
	t.Parallel()

	got, ok := StrToYear("一九年")
	require.True(t, ok)
	assert.Equal(t, "2019", got)

	got, ok = StrToYear("二零年")
	require.True(t, ok)
	assert.Equal(t, "2020", got)

	_, ok = StrToYear("年年")
	assert.False(t, ok)
}

func TestFormatNumber(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "100", FormatNumber(100))
	assert.Equal(t, "0.25", FormatNumber(0.25))
	assert.Equal(t, "-3", FormatNumber(-3))
}
