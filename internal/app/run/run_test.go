package run

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/bagreindex/internal/bagname"
	"github.com/John-Robertt/bagreindex/internal/config"
	"github.com/John-Robertt/bagreindex/internal/domain"
)

// fakeTool 模拟 `rosbag reindex`：原地改写 active 文件并留下 .orig.active 备份。
type fakeTool struct {
	fs afero.Fs

	calls []string
	// fail 中的路径返回 ExternalToolError（exit=1），不产生任何副作用。
	fail map[string]bool
	// noBackup 中的路径不产生备份文件。
	noBackup map[string]bool
}

func (t *fakeTool) Name() string { return "fake-rosbag" }

func (t *fakeTool) Reindex(ctx context.Context, path string) error {
	t.calls = append(t.calls, path)
	if err := ctx.Err(); err != nil {
		return &domain.ExternalToolError{Tool: t.Name(), Path: path, ExitCode: -1, Code: domain.ErrCodeInterrupted, Err: err}
	}
	if t.fail[path] {
		return &domain.ExternalToolError{Tool: t.Name(), Path: path, ExitCode: 1, Output: "ROSBagException: corrupt chunk"}
	}
	orig, err := afero.ReadFile(t.fs, path)
	if err != nil {
		return err
	}
	if !t.noBackup[path] {
		prefix, _ := bagname.Prefix(path)
		if err := afero.WriteFile(t.fs, bagname.BackupPath(prefix), orig, 0o644); err != nil {
			return err
		}
	}
	return afero.WriteFile(t.fs, path, append(orig, []byte("+index")...), 0o644)
}

func newEff(root string) config.EffectiveConfig {
	return config.EffectiveConfig{
		Root:          root,
		Tool:          "fake-rosbag",
		Policy:        domain.PolicyBestEffort,
		MissingBackup: domain.MissingBackupTolerate,
	}
}

func TestExecute_ReindexRenameAndCleanup(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/data"
	write(t, fs, "/data/a.bag.active", "A")
	write(t, fs, "/data/a.bag.orig.active", "stale")
	write(t, fs, "/data/sub/b.bag.active", "B")
	write(t, fs, "/data/sub/b.bag.orig.active", "stale")
	write(t, fs, "/data/c.bag", "C")
	write(t, fs, "/data/sub/notes.txt", "keep me")

	tool := &fakeTool{fs: fs}
	rr, err := Execute(context.Background(), newEff(root), fs, tool, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"/data/a.bag.active", "/data/sub/b.bag.active"}, tool.calls)

	assertContent(t, fs, "/data/a.bag", "A+index")
	assertContent(t, fs, "/data/sub/b.bag", "B+index")
	for _, gone := range []string{
		"/data/a.bag.active", "/data/a.bag.orig.active",
		"/data/sub/b.bag.active", "/data/sub/b.bag.orig.active",
	} {
		assertMissing(t, fs, gone)
	}
	// 不匹配的文件保持原样。
	assertContent(t, fs, "/data/c.bag", "C")
	assertContent(t, fs, "/data/sub/notes.txt", "keep me")

	assert.True(t, rr.Success())
	assert.Equal(t, 2, rr.Summary.Processed)
	assert.Equal(t, int64(2), rr.Summary.ReindexedBytes)
	assert.Equal(t, root, rr.Root)
	assert.NotEmpty(t, rr.RunID)
	require.Len(t, rr.Items, 2)
	assert.Equal(t, domain.ItemResult{
		Active:     "/data/a.bag.active",
		Final:      "/data/a.bag",
		Backup:     "/data/a.bag.orig.active",
		Status:     domain.StatusProcessed,
		Size:       1,
		DurationMS: rr.Items[0].DurationMS,
	}, rr.Items[0])
}

func TestExecute_SecondRunIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/a.bag.active", "A")
	write(t, fs, "/data/deep/er/b.bag.active", "B")

	tool := &fakeTool{fs: fs}
	_, err := Execute(context.Background(), newEff("/data"), fs, tool, nil)
	require.NoError(t, err)
	require.Len(t, tool.calls, 2)

	before := snapshot(t, fs, "/data")
	tool.calls = nil

	rr, err := Execute(context.Background(), newEff("/data"), fs, tool, nil)
	require.NoError(t, err)
	assert.Empty(t, tool.calls)
	assert.Empty(t, rr.Items)
	assert.Equal(t, before, snapshot(t, fs, "/data"))
}

func TestExecute_OnlyFinalizedFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/c.bag", "C")

	tool := &fakeTool{fs: fs}
	rr, err := Execute(context.Background(), newEff("/data"), fs, tool, nil)
	require.NoError(t, err)
	assert.Empty(t, tool.calls)
	assert.True(t, rr.Success())
	assertContent(t, fs, "/data/c.bag", "C")
}

func TestExecute_RootMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/other/a.bag.active", "A")

	tool := &fakeTool{fs: fs}
	rr, err := Execute(context.Background(), newEff("/data"), fs, tool, nil)

	var fe *domain.FilesystemError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "/data", fe.Path)
	assert.Empty(t, tool.calls)
	assert.False(t, rr.Success())
	require.Len(t, rr.Items, 1)
	assert.Equal(t, domain.ErrCodeFS, rr.Items[0].ErrorCode)
	assertContent(t, fs, "/other/a.bag.active", "A")
}

func TestExecute_RootIsFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data", "not a dir")

	_, err := Execute(context.Background(), newEff("/data"), fs, &fakeTool{fs: fs}, nil)
	assert.True(t, domain.IsFilesystem(err), "err=%v", err)
}

func TestExecute_MissingBackupTolerated(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/d.bag.active", "D")

	tool := &fakeTool{fs: fs, noBackup: map[string]bool{"/data/d.bag.active": true}}
	rr, err := Execute(context.Background(), newEff("/data"), fs, tool, nil)
	require.NoError(t, err)

	assert.True(t, rr.Success())
	require.Len(t, rr.Items, 1)
	assert.Equal(t, domain.StatusProcessed, rr.Items[0].Status)
	assert.True(t, rr.Items[0].BackupMissing)
	assertContent(t, fs, "/data/d.bag", "D+index")
	assertMissing(t, fs, "/data/d.bag.active")
}

func TestExecute_MissingBackupIsErrorWhenConfigured(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/d.bag.active", "D")
	write(t, fs, "/data/e.bag.active", "E")

	eff := newEff("/data")
	eff.MissingBackup = domain.MissingBackupError
	tool := &fakeTool{fs: fs, noBackup: map[string]bool{"/data/d.bag.active": true}}

	rr, err := Execute(context.Background(), eff, fs, tool, nil)
	// best-effort：单个失败不终止 run。
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/d.bag.active", "/data/e.bag.active"}, tool.calls)

	require.Len(t, rr.Items, 2)
	d := rr.Items[0]
	assert.Equal(t, domain.StatusFailed, d.Status)
	assert.Equal(t, domain.ErrCodeBackupMissing, d.ErrorCode)
	assert.Contains(t, d.ErrorMsg, "/data/d.bag.orig.active")
	// rename 已完成，不回滚。
	assertContent(t, fs, "/data/d.bag", "D+index")

	assert.Equal(t, domain.StatusProcessed, rr.Items[1].Status)
	assert.Equal(t, 1, rr.Summary.Failed)
	assert.False(t, rr.Success())
}

func TestExecute_ToolFailureLeavesFilesAndContinues(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/a.bag.active", "A")
	write(t, fs, "/data/a.bag.orig.active", "backup")
	write(t, fs, "/data/b.bag.active", "B")

	tool := &fakeTool{fs: fs, fail: map[string]bool{"/data/a.bag.active": true}}
	rr, err := Execute(context.Background(), newEff("/data"), fs, tool, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"/data/a.bag.active", "/data/b.bag.active"}, tool.calls)
	// 工具失败：不 rename、不删除备份。
	assertContent(t, fs, "/data/a.bag.active", "A")
	assertContent(t, fs, "/data/a.bag.orig.active", "backup")
	assertMissing(t, fs, "/data/a.bag")
	assertContent(t, fs, "/data/b.bag", "B+index")

	assert.Equal(t, 1, rr.Summary.Failed)
	assert.Equal(t, 1, rr.Summary.Processed)
	assert.Equal(t, domain.ErrCodeToolFailed, rr.Items[0].ErrorCode)
	assert.Contains(t, rr.Items[0].ErrorMsg, "corrupt chunk")
}

func TestExecute_FailFastStopsAfterFirstFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/a.bag.active", "A")
	write(t, fs, "/data/b.bag.active", "B")
	write(t, fs, "/data/c.bag.active", "C")

	eff := newEff("/data")
	eff.Policy = domain.PolicyFailFast
	tool := &fakeTool{fs: fs, fail: map[string]bool{"/data/a.bag.active": true}}

	rr, err := Execute(context.Background(), eff, fs, tool, nil)
	require.Error(t, err)
	assert.True(t, domain.IsExternalTool(err))

	assert.Equal(t, []string{"/data/a.bag.active"}, tool.calls)
	assertContent(t, fs, "/data/b.bag.active", "B")
	assertContent(t, fs, "/data/c.bag.active", "C")

	assert.Equal(t, 1, rr.Summary.Failed)
	assert.Equal(t, 2, rr.Summary.Skipped)
	assert.Equal(t, domain.ErrCodeAborted, rr.Items[1].ErrorCode)
	assert.Equal(t, "/data/b.bag", rr.Items[1].Final)
}

func TestExecute_TargetConflictSkipsTool(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/a.bag.active", "new")
	write(t, fs, "/data/a.bag.orig.active", "backup")
	write(t, fs, "/data/a.bag", "finalized earlier")

	tool := &fakeTool{fs: fs}
	rr, err := Execute(context.Background(), newEff("/data"), fs, tool, nil)
	require.NoError(t, err)

	assert.Empty(t, tool.calls)
	require.Len(t, rr.Items, 1)
	assert.Equal(t, domain.ErrCodeTargetConflict, rr.Items[0].ErrorCode)
	assertContent(t, fs, "/data/a.bag", "finalized earlier")
	assertContent(t, fs, "/data/a.bag.active", "new")
	assertContent(t, fs, "/data/a.bag.orig.active", "backup")
}

func TestExecute_DryRunHasNoSideEffects(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/a.bag.active", "A")
	write(t, fs, "/data/a.bag.orig.active", "backup")
	write(t, fs, "/data/sub/b.bag.active", "B")

	eff := newEff("/data")
	eff.DryRun = true
	before := snapshot(t, fs, "/data")

	tool := &fakeTool{fs: fs}
	rr, err := Execute(context.Background(), eff, fs, tool, nil)
	require.NoError(t, err)

	assert.Empty(t, tool.calls)
	assert.Equal(t, before, snapshot(t, fs, "/data"))
	assert.True(t, rr.DryRun)
	assert.Equal(t, 2, rr.Summary.Planned)
	assert.True(t, rr.Success())
	assert.False(t, rr.Items[0].BackupMissing)
	assert.True(t, rr.Items[1].BackupMissing)
}

func TestExecute_CancelledContextSkipsEverything(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/a.bag.active", "A")
	write(t, fs, "/data/b.bag.active", "B")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tool := &fakeTool{fs: fs}
	rr, err := Execute(ctx, newEff("/data"), fs, tool, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tool.calls)
	assert.Equal(t, 2, rr.Summary.Skipped)
	for _, it := range rr.Items {
		assert.Equal(t, domain.ErrCodeInterrupted, it.ErrorCode)
	}
}

func TestExecute_ExcludeDirs(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/a.bag.active", "A")
	write(t, fs, "/data/quarantine/q.bag.active", "Q")

	eff := newEff("/data")
	eff.ExcludeDirs = []string{"quarantine"}
	tool := &fakeTool{fs: fs}

	_, err := Execute(context.Background(), eff, fs, tool, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/a.bag.active"}, tool.calls)
	assertContent(t, fs, "/data/quarantine/q.bag.active", "Q")
}

func write(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func assertContent(t *testing.T, fs afero.Fs, path, want string) {
	t.Helper()
	b, err := afero.ReadFile(fs, path)
	if assert.NoError(t, err, path) {
		assert.Equal(t, want, string(b), path)
	}
}

func assertMissing(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	ok, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.False(t, ok, "不应存在：%s", path)
}

// snapshot 返回 root 下所有常规文件的 path=content 列表。
func snapshot(t *testing.T, fs afero.Fs, root string) []string {
	t.Helper()
	var out []string
	require.NoError(t, afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		b, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		out = append(out, path+"="+strings.TrimSpace(string(b)))
		return nil
	}))
	return out
}
