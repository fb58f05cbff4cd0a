package planner

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/bagreindex/internal/domain"
)

func TestPlanItem_DerivesPaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/sub/b.bag.active")
	write(t, fs, "/data/sub/b.bag.orig.active")

	p, err := PlanItem(fs, domain.ActiveFile{AbsPath: "/data/sub/b.bag.active", Prefix: "/data/sub/b"})
	require.NoError(t, err)
	assert.Equal(t, "/data/sub/b.bag.active", p.Active)
	assert.Equal(t, "/data/sub/b.bag", p.Final)
	assert.Equal(t, "/data/sub/b.bag.orig.active", p.Backup)
	assert.True(t, p.BackupPresent)
}

func TestPlanItem_PrefixFallsBackToPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/d.bag.active")

	p, err := PlanItem(fs, domain.ActiveFile{AbsPath: "/data/d.bag.active"})
	require.NoError(t, err)
	assert.Equal(t, "/data/d.bag", p.Final)
	assert.False(t, p.BackupPresent)

	_, err = PlanItem(fs, domain.ActiveFile{AbsPath: "/data/d.bag"})
	assert.Error(t, err)
}

func TestPlanItem_TargetConflict(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/data/a.bag.active")
	write(t, fs, "/data/a.bag")
	write(t, fs, "/data/b.bag.active")
	require.NoError(t, fs.MkdirAll("/data/b.bag", 0o755))

	for _, prefix := range []string{"/data/a", "/data/b"} {
		_, err := PlanItem(fs, domain.ActiveFile{AbsPath: prefix + ".bag.active", Prefix: prefix})
		var fe *domain.FilesystemError
		require.ErrorAs(t, err, &fe, prefix)
		assert.Equal(t, domain.ErrCodeTargetConflict, domain.Code(err))
		assert.Equal(t, prefix+".bag", fe.Path)
	}
}

func write(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte("x"), 0o644))
}
