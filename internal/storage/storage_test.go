package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macrosched/internal/macro"
	"macrosched/internal/schedule"
	logx "macrosched/pkg/logx"
)

func openMem(t *testing.T, fs afero.Fs) *fileStore {
	t.Helper()
	st, err := openFile(Config{Driver: "file", Path: "/data/macrosched.json", Fs: fs}, logx.Nop())
	require.NoError(t, err)
	return st
}

func sampleMacro(id string) macro.Macro {
	return macro.Macro{
		ID:   id,
		Name: "farm " + id,
		Events: []macro.Event{
			{Type: macro.EventLeftClick, X: 10, Y: 20, DeltaMs: 100},
			{Type: macro.EventWait, Ms: 500},
		},
	}
}

func intervalSchedule(macroID string) schedule.Schedule {
	return schedule.Schedule{
		MacroID:  macroID,
		Enabled:  true,
		Days:     []schedule.DayCode{schedule.Mon, schedule.Fri},
		Mode:     schedule.ModeInterval,
		Interval: &schedule.IntervalParams{Start: "08:00", End: "12:00", EveryMin: 30},
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	st := openMem(t, fs)

	require.NoError(t, st.PutMacro(ctx, sampleMacro("m_1")))
	sc := intervalSchedule("m_1")
	sc.ID = "s_1"
	require.NoError(t, st.PutSchedule(ctx, sc))

	ok, err := afero.Exists(fs, "/data/macrosched.macros.json")
	require.NoError(t, err)
	assert.True(t, ok)

	again := openMem(t, fs)
	m, err := again.GetMacro(ctx, "m_1")
	require.NoError(t, err)
	assert.Equal(t, "farm m_1", m.Name)
	assert.Len(t, m.Events, 2)

	ss, err := again.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, ss, 1)
	assert.Equal(t, "08:00", ss[0].Interval.Start)
}

func TestFileStoreNotFound(t *testing.T) {
	ctx := context.Background()
	st := openMem(t, afero.NewMemMapFs())

	_, err := st.GetMacro(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetSchedule(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.DeleteMacro(ctx, "nope"), ErrNotFound)
	assert.ErrorIs(t, st.DeleteSchedule(ctx, "nope"), ErrNotFound)

	require.NoError(t, st.Close())
	_, err = st.ListMacros(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStoreRecentRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := openMem(t, afero.NewMemMapFs())

	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, st.AppendRun(ctx, RunRecord{
			ID: id, MacroID: "m_1", Source: "manual", Status: "ok",
			Started: time.Date(2024, 3, 4, 9, i, 0, 0, time.UTC),
		}))
	}
	runs, err := st.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
	assert.Equal(t, "r2", runs[1].ID)
}

func TestFileStoreReloadDetectsExternalEdits(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	st := openMem(t, fs)
	require.NoError(t, st.PutMacro(ctx, sampleMacro("m_1")))

	// own writes are not reported as changes
	changed, err := st.Reload()
	require.NoError(t, err)
	assert.False(t, changed)

	doc := `{"schedules":[{"scheduleId":"s_ext","macroId":"m_1","enabled":true,"days":["SAT"],"mode":"TIMES","times":["07:15"]}]}`
	require.NoError(t, afero.WriteFile(fs, "/data/macrosched.schedules.json", []byte(doc), 0o600))

	changed, err = st.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	sc, err := st.GetSchedule(ctx, "s_ext")
	require.NoError(t, err)
	assert.Equal(t, []string{"07:15"}, sc.Times)

	changed, err = st.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo", Path: "x"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func newTestCatalog(t *testing.T) (*Catalog, *time.Time) {
	t.Helper()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	clock := &now
	return NewCatalog(openMem(t, afero.NewMemMapFs()), func() time.Time { return *clock }), clock
}

func TestCatalogMacroLifecycle(t *testing.T) {
	ctx := context.Background()
	cat, clock := newTestCatalog(t)

	m, err := cat.CreateMacro(ctx, "  daily loot ", sampleMacro("").Events, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.ID, "m_"))
	assert.Len(t, m.ID, 14)
	assert.Equal(t, "daily loot", m.Name)

	*clock = clock.Add(time.Minute)
	cp, err := cat.CopyMacro(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily loot (copy)", cp.Name)
	assert.NotEqual(t, m.ID, cp.ID)

	*clock = clock.Add(time.Minute)
	renamed, err := cat.RenameMacro(ctx, m.ID, "evening loot")
	require.NoError(t, err)
	assert.Equal(t, "evening loot", renamed.Name)

	list, err := cat.ListMacros(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, m.ID, list[0].ID, "most recently updated first")

	_, err = cat.RenameMacro(ctx, m.ID, "  ")
	assert.ErrorIs(t, err, ErrInvalidMacro)

	_, err = cat.CreateMacro(ctx, "bad", []macro.Event{{Type: "teleport"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidMacro)
}

func TestCatalogScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	cat, clock := newTestCatalog(t)

	m, err := cat.CreateMacro(ctx, "loot", sampleMacro("").Events, nil)
	require.NoError(t, err)

	s, err := cat.CreateSchedule(ctx, intervalSchedule(m.ID))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ID, "s_"))
	assert.Equal(t, *clock, s.CreatedAt)

	_, err = cat.CreateSchedule(ctx, intervalSchedule("m_missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	bad := intervalSchedule(m.ID)
	bad.Interval.EveryMin = 0
	_, err = cat.CreateSchedule(ctx, bad)
	assert.ErrorIs(t, err, schedule.ErrInvalid)

	*clock = clock.Add(time.Hour)
	repeat := 3
	patched, err := cat.PatchSchedule(ctx, s.ID, schedule.Patch{RepeatCount: &repeat})
	require.NoError(t, err)
	assert.Equal(t, 3, patched.RepeatCount)
	assert.Equal(t, s.CreatedAt, patched.CreatedAt)
	assert.True(t, patched.UpdatedAt.After(s.UpdatedAt))

	off, err := cat.SetScheduleEnabled(ctx, s.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Enabled)

	removed, err := cat.RemoveMacro(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	ss, err := cat.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, ss)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			src, _ := newTestCatalog(t)
			a, err := src.CreateMacro(ctx, "alpha", sampleMacro("").Events, &macro.Meta{Screen: &macro.Screen{Width: 1920, Height: 1080}})
			require.NoError(t, err)
			_, err = src.CreateMacro(ctx, "beta", nil, nil)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, src.Export(ctx, &buf, format))

			dst, _ := newTestCatalog(t)
			imported, err := dst.Import(ctx, &buf, format)
			require.NoError(t, err)
			require.Len(t, imported, 2)

			names := []string{imported[0].Name, imported[1].Name}
			assert.ElementsMatch(t, []string{"alpha", "beta"}, names)
			for _, m := range imported {
				assert.NotEqual(t, a.ID, m.ID)
				if m.Name == "alpha" {
					assert.Equal(t, a.Events, m.Events)
					require.NotNil(t, m.Meta)
					assert.Equal(t, 1920, m.Meta.Screen.Width)
				}
			}
		})
	}
}

func TestImportSingleMacro(t *testing.T) {
	ctx := context.Background()
	cat, _ := newTestCatalog(t)

	in := `{"macroId":"m_old","name":"solo","events":[{"type":"key_tap","key":"space","deltaMs":40}]}`
	got, err := cat.Import(ctx, strings.NewReader(in), FormatJSON)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "solo", got[0].Name)
	assert.NotEqual(t, "m_old", got[0].ID)

	_, err = cat.Import(ctx, strings.NewReader("  "), FormatJSON)
	assert.ErrorIs(t, err, ErrInvalidMacro)
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromPath("backup.YML"))
	assert.Equal(t, FormatYAML, FormatFromPath("a/b.yaml"))
	assert.Equal(t, FormatJSON, FormatFromPath("macros.json"))
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "macrosched.db")}, logx.Nop())
	require.NoError(t, err)
	defer repo.Close()

	cat := NewCatalog(repo, nil)
	m, err := cat.CreateMacro(ctx, "loot", sampleMacro("").Events, nil)
	require.NoError(t, err)
	s, err := cat.CreateSchedule(ctx, intervalSchedule(m.ID))
	require.NoError(t, err)

	got, err := repo.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Interval, got.Interval)

	_, err = repo.GetMacro(ctx, "m_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.AppendRun(ctx, RunRecord{ID: "r1", MacroID: m.ID, Source: "manual", Status: "ok", Started: time.Now()}))
	require.NoError(t, repo.AppendRun(ctx, RunRecord{ID: "r2", MacroID: m.ID, Source: "cli", Status: "failed", Error: "boom", Started: time.Now()}))
	runs, err := repo.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, "boom", runs[0].Error)

	removed, err := cat.RemoveMacro(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
