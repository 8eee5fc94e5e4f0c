package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/repmgrd/repmgrd/internal/cluster"
)

func TestParseLSN(t *testing.T) {
	testCases := []struct {
		desc    string
		in      string
		want    cluster.LSN
		wantErr bool
	}{
		{desc: "zero", in: "0/0", want: 0},
		{desc: "simple offset", in: "0/16B2D88", want: 0x16B2D88},
		{desc: "nonzero segment", in: "1/0", want: 1 << 32},
		{desc: "segment and offset", in: "2AE/8000000", want: (0x2AE << 32) | 0x8000000},
		{desc: "missing slash", in: "deadbeef", wantErr: true},
		{desc: "non-hex segment", in: "zz/0", wantErr: true},
		{desc: "non-hex offset", in: "0/zz", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := parseLSN(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseLSNOrdering(t *testing.T) {
	// A higher segment must always outrank any offset in a lower one,
	// since LSN comparisons within a term assume a total order
	// (Invariant 3 rules out comparing across terms).
	low, err := parseLSN("0/FFFFFFFF")
	require.NoError(t, err)
	high, err := parseLSN("1/0")
	require.NoError(t, err)
	require.Less(t, low, high)
}
