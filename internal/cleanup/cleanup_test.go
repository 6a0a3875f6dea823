package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotkeeper/internal/eventbus"
	"lotkeeper/internal/inventory"
	"lotkeeper/internal/storage"
	logx "lotkeeper/pkg/logx"
)

func TestRunRemovesOnlyDepleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	add := func(remaining string) string {
		lot := &inventory.Lot{
			ProductName: "bread",
			Quantity:    decimal.NewFromInt(10),
			Remaining:   decimal.RequireFromString(remaining),
			IntakeAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			BasePrice:   decimal.NewFromInt(2),
		}
		require.NoError(t, st.AddLot(ctx, lot))
		return lot.ID
	}
	gone := add("0")
	kept := add("0.5")

	n, err := New(st, logx.Nop(), bus).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.GetLot(ctx, gone)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.GetLot(ctx, kept)
	assert.NoError(t, err)

	e := <-events
	assert.Equal(t, eventbus.TypeLotsCleaned, e.Type)
	assert.Equal(t, 1, e.Data)
}
