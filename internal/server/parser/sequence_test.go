package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeqSet(t *testing.T) {
	set, err := ParseSeqSet("1:3,7,10:*")
	require.NoError(t, err)
	assert.Equal(t, SeqSet{{1, 3}, {7, 7}, {10, 0}}, set)

	for _, bad := range []string{"", "0", "1:", "a", "1,,2", "-1"} {
		_, err := ParseSeqSet(bad)
		assert.ErrorIs(t, err, ErrMalformed, bad)
	}
}

func TestSeqSetNumbers(t *testing.T) {
	set, err := ParseSeqSet("3:1,2,5:*")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3, 5, 6}, set.Numbers(6))
	assert.Empty(t, set.Numbers(0))

	star, err := ParseSeqSet("*")
	require.NoError(t, err)
	assert.Equal(t, []uint32{4}, star.Numbers(4))
}

func TestSeqSetSelect(t *testing.T) {
	uids := []uint32{3, 8, 9, 15, 40}
	set, err := ParseSeqSet("5:10,40:*")
	require.NoError(t, err)
	assert.Equal(t, []uint32{8, 9, 40}, set.Select(uids, 40))

	set, err = ParseSeqSet("100:*")
	require.NoError(t, err)
	assert.Equal(t, []uint32{40}, set.Select(uids, 40), "100:* includes the highest uid")
}

func TestFormatSet(t *testing.T) {
	assert.Equal(t, "1:3,7,9:10", FormatSet([]uint32{9, 1, 2, 3, 7, 10, 2}))
	assert.Equal(t, "", FormatSet(nil))
}
