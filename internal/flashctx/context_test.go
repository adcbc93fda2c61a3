package flashctx_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/flashburn/internal/device"
	"github.com/mendersoftware/flashburn/internal/flashctx"
	"github.com/mendersoftware/flashburn/internal/identity"
	"github.com/mendersoftware/flashburn/internal/sectormap"
	"github.com/mendersoftware/flashburn/internal/state"
)

func TestNewContextHasUsableLog(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	ctx := flashctx.New(log)
	require.NotNil(t, ctx.Log)
	assert.Equal(t, uint64(0), ctx.RoundsCompleted)
}

func TestSnapshotRoundTripsThroughLoadState(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	ctx := flashctx.New(log)

	ctx.DeviceUUID = "abc-123"
	ctx.Geometry = device.Geometry{SectorSize: 512, ReportedSize: 1 << 30, PhysicalSize: 1 << 30}
	ctx.BlockSize = 64 << 10
	ctx.Speeds = state.Speeds{SequentialReadBytesPerSec: 1e8}
	ctx.SectorMap = sectormap.New(ctx.Geometry.NumLogicalSectors())
	ctx.SectorMap.MarkBad(5)
	ctx.Identity = &identity.Buffers{}
	ctx.RoundsCompleted = 3
	ctx.BytesWritten = 1 << 20
	firstFailure := uint64(2)
	ctx.FirstFailureRound = &firstFailure

	snap := ctx.Snapshot()
	assert.Equal(t, "abc-123", snap.DeviceUUID)
	assert.Equal(t, uint64(3), snap.RoundsCompleted)
	require.NotNil(t, snap.FirstFailureRound)
	assert.Equal(t, uint64(2), *snap.FirstFailureRound)
	assert.True(t, snap.SectorMap.IsBad(5))

	restored := flashctx.New(log)
	restored.LoadState(snap)
	assert.Equal(t, ctx.DeviceUUID, restored.DeviceUUID)
	assert.Equal(t, ctx.RoundsCompleted, restored.RoundsCompleted)
	assert.Equal(t, ctx.BytesWritten, restored.BytesWritten)
	require.NotNil(t, restored.FirstFailureRound)
	assert.Equal(t, *ctx.FirstFailureRound, *restored.FirstFailureRound)
	assert.True(t, restored.SectorMap.IsBad(5))
}
