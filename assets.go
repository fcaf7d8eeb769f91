package hybridrt

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// AssetsEnv names the environment variable holding the installed assets root.
const AssetsEnv = "HYBRIDRT_ASSETS"

// AssetLocator resolves data files by searching, in priority order, the
// working directory, its data/ subdirectory and the installed assets'
// data/ directory.
type AssetLocator struct {
	WorkDir    string
	InstallDir string
	Logger     Logger

	// stat is swapped in tests.
	stat func(string) (fs.FileInfo, error)
}

func NewAssetLocator(installDir string, logger Logger) (*AssetLocator, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return &AssetLocator{
		WorkDir:    wd,
		InstallDir: installDir,
		Logger:     OrNop(logger),
	}, nil
}

// Candidates lists the paths Resolve tries for filename.
func (a *AssetLocator) Candidates(filename string) []string {
	out := []string{
		filepath.Join(a.WorkDir, filename),
		filepath.Join(a.WorkDir, "data", filename),
	}
	if a.InstallDir != "" {
		out = append(out, filepath.Join(a.InstallDir, "data", filename))
	}
	return out
}

// Resolve returns the first existing candidate for filename. Absolute paths
// are checked as-is.
func (a *AssetLocator) Resolve(filename string) (string, error) {
	stat := a.stat
	if stat == nil {
		stat = os.Stat
	}
	log := OrNop(a.Logger)

	candidates := a.Candidates(filename)
	if filepath.IsAbs(filename) {
		candidates = []string{filename}
	}

	for _, p := range candidates {
		log.Debugf("resolve %s: trying %s", filename, p)
		info, err := stat(p)
		if err == nil && !info.IsDir() {
			return p, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("resolve %s: %v", p, err)
		}
	}
	return "", &ResourceNotFoundError{Name: filename, Attempted: candidates}
}
