package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

func openDriver(t *testing.T, driver, dir string) Store {
	t.Helper()
	path := filepath.Join(dir, "state.db")
	if driver == "badger" {
		path = filepath.Join(dir, "badger")
	}
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	return st
}

func TestDrivers(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, driver := range []string{"memory", "file", "sqlite", "badger"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openDriver(t, driver, t.TempDir())
			defer st.Close()

			_, ok, err := st.GetCursor(ctx, "REF1")
			require.NoError(t, err)
			assert.False(t, ok)

			c := domain.Cursor{
				Registration:       "REF1",
				LastTransactionID:  "tx-1",
				LastAckAt:          base,
				LastNotificationAt: base.Add(-time.Minute),
				Acknowledged:       5,
				UpdatedAt:          base,
			}
			require.NoError(t, st.PutCursor(ctx, c))
			c.LastTransactionID = "tx-2"
			c.Acknowledged = 7
			require.NoError(t, st.PutCursor(ctx, c))
			require.NoError(t, st.PutCursor(ctx, domain.Cursor{Registration: "REF0", UpdatedAt: base}))

			got, ok, err := st.GetCursor(ctx, "REF1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "tx-2", got.LastTransactionID)
			assert.Equal(t, int64(7), got.Acknowledged)
			assert.True(t, got.LastAckAt.Equal(base))
			assert.True(t, got.LastNotificationAt.Equal(base.Add(-time.Minute)))

			all, err := st.Cursors(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "REF0", all[0].Registration)

			for i := 0; i < 3; i++ {
				require.NoError(t, st.AppendSinkFailure(ctx, domain.SinkFailure{
					At:             base.Add(time.Duration(i) * time.Second),
					Registration:   "REF1",
					Sink:           "hubspot",
					NotificationID: "n" + string(rune('a'+i)),
					Error:          "boom",
				}))
			}
			require.NoError(t, st.AppendSinkFailure(ctx, domain.SinkFailure{At: base, Registration: "REF2", Sink: "file", Error: "disk full"}))

			fs, err := st.SinkFailures(ctx, "REF1", 2)
			require.NoError(t, err)
			require.Len(t, fs, 2)
			assert.Equal(t, "nb", fs[0].NotificationID)
			assert.Equal(t, "nc", fs[1].NotificationID)

			fs, err = st.SinkFailures(ctx, "", 0)
			require.NoError(t, err)
			assert.Len(t, fs, 4)
		})
	}
}

func TestDurableDriversSurviveReopen(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite", "badger"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()

			st := openDriver(t, driver, dir)
			require.NoError(t, st.PutCursor(ctx, domain.Cursor{Registration: "REF1", LastTransactionID: "tx-9", Acknowledged: 9, UpdatedAt: time.Now()}))
			require.NoError(t, st.AppendSinkFailure(ctx, domain.SinkFailure{At: time.Now(), Registration: "REF1", Sink: "kafka", Error: "x"}))
			require.NoError(t, st.Close())

			st = openDriver(t, driver, dir)
			defer st.Close()
			c, ok, err := st.GetCursor(ctx, "REF1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "tx-9", c.LastTransactionID)

			fs, err := st.SinkFailures(ctx, "REF1", 0)
			require.NoError(t, err)
			assert.Len(t, fs, 1)
		})
	}
}

func TestFileStoreCompactsJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := openFile(Config{Path: filepath.Join(dir, "state.json")}, logx.Nop())
	require.NoError(t, err)
	fst := st.(*fileStore)
	fst.compactEvery = 3
	for i := 1; i <= 4; i++ {
		require.NoError(t, st.PutCursor(ctx, domain.Cursor{Registration: "REF1", Acknowledged: int64(i)}))
	}
	require.NoError(t, st.Close())

	assert.FileExists(t, filepath.Join(dir, "state.cursors.snapshot.json"))

	st, err = openFile(Config{Path: filepath.Join(dir, "state.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	c, ok, err := st.GetCursor(ctx, "REF1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), c.Acknowledged)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)
}
