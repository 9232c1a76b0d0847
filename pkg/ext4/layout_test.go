package ext4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanLayoutRejectsUnsupportedBlockSize(t *testing.T) {
	_, err := PlanLayout(64<<20, 512, 0, 10)
	assert.Error(t, err)
}

func TestPlanLayoutReservingExcludesTrailingBlocks(t *testing.T) {
	const deviceSize = 64 << 20
	const blockSize = 4096

	plain, err := PlanLayout(deviceSize, blockSize, 0, 10)
	require.NoError(t, err)

	const controlBlocks = 32
	reserved, err := PlanLayoutReserving(deviceSize, blockSize, 0, 10, controlBlocks)
	require.NoError(t, err)

	assert.Equal(t, plain.TotalBlocks, reserved.TotalBlocks)
	assert.Len(t, reserved.ReservedBlocks, len(plain.ReservedBlocks)+controlBlocks)

	trailingStart := reserved.TotalBlocks - controlBlocks
	last := reserved.Groups[len(reserved.Groups)-1]
	assert.LessOrEqual(t, last.DataEnd, trailingStart, "no group's data range may reach into the reserved control region")
	assert.LessOrEqual(t, last.DataStart, last.DataEnd)
}

func TestPlanLayoutReservingZeroIsPlanLayout(t *testing.T) {
	a, err := PlanLayout(64<<20, 4096, 0, 10)
	require.NoError(t, err)
	b, err := PlanLayoutReserving(64<<20, 4096, 0, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestViabilityRejectsTightMargin(t *testing.T) {
	layout, err := PlanLayout(16<<20, 4096, 0, 10)
	require.NoError(t, err)
	err = layout.Viability(layout.TotalBlocks - int64(len(layout.ReservedBlocks)))
	assert.Error(t, err, "consuming every non-reserved block leaves no margin at all")
}
