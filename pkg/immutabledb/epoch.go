package immutabledb

import (
	"path/filepath"
	"sort"
	"strconv"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/fs"
)

const (
	extEpoch     = ".epoch"
	extPrimary   = ".primary"
	extSecondary = ".secondary"
)

func epochPath(root string, epoch chain.EpochNo, ext string) string {
	return filepath.Join(root, epochFileName(epoch)+ext)
}

// epochTripleExists reports which of an epoch's three files exist.
type epochPresence struct {
	epoch, primary, secondary bool
}

func (p epochPresence) all() bool  { return p.epoch && p.primary && p.secondary }
func (p epochPresence) none() bool { return !p.epoch && !p.primary && !p.secondary }

func probeEpoch(fsys fs.FS, root string, epoch chain.EpochNo) (epochPresence, error) {
	var p epochPresence
	var err error
	if p.epoch, err = fsys.Exists(epochPath(root, epoch, extEpoch)); err != nil {
		return p, &FileSystemError{Op: "stat", Path: epochPath(root, epoch, extEpoch), Err: err}
	}
	if p.primary, err = fsys.Exists(epochPath(root, epoch, extPrimary)); err != nil {
		return p, &FileSystemError{Op: "stat", Path: epochPath(root, epoch, extPrimary), Err: err}
	}
	if p.secondary, err = fsys.Exists(epochPath(root, epoch, extSecondary)); err != nil {
		return p, &FileSystemError{Op: "stat", Path: epochPath(root, epoch, extSecondary), Err: err}
	}
	return p, nil
}

// removeEpochFiles deletes whichever of an epoch's three files exist.
func removeEpochFiles(fsys fs.FS, root string, epoch chain.EpochNo) error {
	for _, ext := range []string{extEpoch, extPrimary, extSecondary} {
		path := epochPath(root, epoch, ext)
		exists, err := fsys.Exists(path)
		if err != nil {
			return &FileSystemError{Op: "stat", Path: path, Err: err}
		}
		if !exists {
			continue
		}
		if err := fsys.Remove(path); err != nil {
			return &FileSystemError{Op: "remove", Path: path, Err: err}
		}
	}
	return nil
}

// discoverEpochs lists every epoch number that has at least one file
// present on disk, sorted ascending.
func discoverEpochs(fsys fs.FS, root string) ([]chain.EpochNo, error) {
	entries, err := fsys.ReadDir(root)
	if err != nil {
		return nil, &FileSystemError{Op: "readdir", Path: root, Err: err}
	}
	seen := make(map[chain.EpochNo]struct{})
	for _, de := range entries {
		name := de.Name()
		ext := filepath.Ext(name)
		if ext != extEpoch && ext != extPrimary && ext != extSecondary {
			continue
		}
		base := name[:len(name)-len(ext)]
		n, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		seen[chain.EpochNo(n)] = struct{}{}
	}
	epochs := make([]chain.EpochNo, 0, len(seen))
	for e := range seen {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs, nil
}

// openEpochHandles opens (creating if necessary) the three files for
// epoch in read/write append mode.
func openEpochHandles(fsys fs.FS, root string, epoch chain.EpochNo, mode fs.AppendMode) (epochFile, primaryFile, secondaryFile fs.File, err error) {
	epochFile, err = fs.OpenAppend(fsys, epochPath(root, epoch, extEpoch), mode, 0o644)
	if err != nil {
		return nil, nil, nil, &FileSystemError{Op: "open", Path: epochPath(root, epoch, extEpoch), Err: err}
	}
	primaryFile, err = fs.OpenAppend(fsys, epochPath(root, epoch, extPrimary), mode, 0o644)
	if err != nil {
		epochFile.Close()
		return nil, nil, nil, &FileSystemError{Op: "open", Path: epochPath(root, epoch, extPrimary), Err: err}
	}
	secondaryFile, err = fs.OpenAppend(fsys, epochPath(root, epoch, extSecondary), mode, 0o644)
	if err != nil {
		epochFile.Close()
		primaryFile.Close()
		return nil, nil, nil, &FileSystemError{Op: "open", Path: epochPath(root, epoch, extSecondary), Err: err}
	}
	return epochFile, primaryFile, secondaryFile, nil
}
