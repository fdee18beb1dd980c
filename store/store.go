// Package store manages the finished recordings in the output directory:
// naming, listing, downloads and the disk usage cap.
package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

// ManifestExt is the extension of the sidecar written next to a recording.
const ManifestExt = "yaml"

var namePattern = regexp.MustCompile(`^recording_(\d+)\.([A-Za-z0-9]+)$`)

// Recording is one finished artifact.
type Recording struct {
	Name     string    `json:"name"`
	Epoch    int64     `json:"epoch"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created"`
	Manifest string    `json:"manifest,omitempty"`
}

// Store is the output directory.
type Store struct {
	fs  afero.Fs
	dir string
}

// New returns a store rooted at dir on fsys.
func New(fsys afero.Fs, dir string) *Store {
	return &Store{fs: fsys, dir: dir}
}

// Dir returns the output directory.
func (s *Store) Dir() string { return s.dir }

// Fs returns the filesystem the store lives on.
func (s *Store) Fs() afero.Fs { return s.fs }

// EnsureDir creates the output directory.
func (s *Store) EnsureDir() error {
	return s.fs.MkdirAll(s.dir, 0755)
}

// Name returns recording_<epoch>.<ext>.
func Name(epoch int64, ext string) string {
	return fmt.Sprintf("recording_%d.%s", epoch, strings.TrimPrefix(ext, "."))
}

// ParseName is the inverse of Name.
func ParseName(name string) (epoch int64, ext string, ok bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	epoch, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return epoch, m[2], true
}

// Reserve picks the first free epoch at or after t for a recording with
// extension ext and returns it with the full path.
func (s *Store) Reserve(t time.Time, ext string) (int64, string, error) {
	epoch := t.Unix()
	for {
		path := filepath.Join(s.dir, Name(epoch, ext))
		_, err := s.fs.Stat(path)
		if os.IsNotExist(err) {
			return epoch, path, nil
		}
		if err != nil {
			return 0, "", err
		}
		epoch++
	}
}

// List returns the recordings, newest first. Manifests are attached to
// their recording rather than listed.
func (s *Store) List() ([]Recording, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	manifests := make(map[int64]string)
	var recordings []Recording
	for _, info := range entries {
		if info.IsDir() {
			continue
		}
		epoch, ext, ok := ParseName(info.Name())
		if !ok {
			continue
		}
		if ext == ManifestExt {
			manifests[epoch] = info.Name()
			continue
		}
		recordings = append(recordings, Recording{
			Name:    info.Name(),
			Epoch:   epoch,
			Size:    diskSize(info),
			Created: time.Unix(epoch, 0).UTC(),
		})
	}
	for i := range recordings {
		recordings[i].Manifest = manifests[recordings[i].Epoch]
	}
	sort.Slice(recordings, func(i, j int) bool {
		if recordings[i].Epoch == recordings[j].Epoch {
			return recordings[i].Name > recordings[j].Name
		}
		return recordings[i].Epoch > recordings[j].Epoch
	})
	return recordings, nil
}

// ValidateFilename rejects names that would escape the output directory.
func ValidateFilename(filename string) error {
	cleaned := filepath.Clean(filename)
	if strings.Contains(cleaned, "..") || filepath.IsAbs(cleaned) || strings.ContainsRune(cleaned, filepath.Separator) {
		return fmt.Errorf("invalid filename: path traversal detected")
	}
	if cleaned == "" || cleaned == "." {
		return fmt.Errorf("invalid filename: empty or current directory")
	}
	return nil
}

// Open opens a recording or manifest by name for reading.
func (s *Store) Open(name string) (afero.File, error) {
	if err := ValidateFilename(name); err != nil {
		return nil, err
	}
	if _, _, ok := ParseName(name); !ok {
		return nil, fmt.Errorf("not a recording: %s", name)
	}
	return s.fs.Open(filepath.Join(s.dir, name))
}

// Size is the disk usage of the output directory.
func (s *Store) Size() (int64, error) {
	var size int64
	err := afero.Walk(s.fs, s.dir, func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += diskSize(info)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return size, err
}

// diskSize counts allocated blocks like du does, falling back to the
// apparent size on filesystems without block information.
func diskSize(info fs.FileInfo) int64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return int64(stat.Blocks) * 512
	}
	return info.Size()
}

// Prune removes the oldest recordings, with their manifests, until the
// directory fits in maxBytes. The newest recording is never removed. A
// maxBytes of zero or less disables pruning.
func (s *Store) Prune(maxBytes int64) ([]string, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	var removed []string
	for {
		size, err := s.Size()
		if err != nil {
			return removed, err
		}
		if size <= maxBytes {
			return removed, nil
		}
		recordings, err := s.List()
		if err != nil {
			return removed, err
		}
		if len(recordings) <= 1 {
			return removed, nil
		}
		oldest := recordings[len(recordings)-1]
		if err := s.fs.Remove(filepath.Join(s.dir, oldest.Name)); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", oldest.Name, err)
		}
		removed = append(removed, oldest.Name)
		if oldest.Manifest != "" {
			if err := s.fs.Remove(filepath.Join(s.dir, oldest.Manifest)); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("failed to remove %s: %w", oldest.Manifest, err)
			}
			removed = append(removed, oldest.Manifest)
		}
	}
}
