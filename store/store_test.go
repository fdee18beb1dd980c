package store

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func write(t *testing.T, fsys afero.Fs, path string, size int) {
	t.Helper()
	if err := afero.WriteFile(fsys, path, make([]byte, size), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
}

func TestNameRoundTrip(t *testing.T) {
	name := Name(1700000000, ".avi")
	if name != "recording_1700000000.avi" {
		t.Fatalf("unexpected name %s", name)
	}
	epoch, ext, ok := ParseName(name)
	if !ok || epoch != 1700000000 || ext != "avi" {
		t.Errorf("ParseName(%s) = %d, %s, %v", name, epoch, ext, ok)
	}
	for _, bad := range []string{"recording_.avi", "video_1.avi", "recording_12", "recording_1.avi.part"} {
		if _, _, ok := ParseName(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := New(fsys, "out")
	write(t, fsys, "out/recording_100.avi", 10)
	write(t, fsys, "out/recording_300.avi", 10)
	write(t, fsys, "out/recording_200.avi", 10)
	write(t, fsys, "out/recording_200.yaml", 1)
	write(t, fsys, "out/notes.txt", 1)

	recordings, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recordings) != 3 {
		t.Fatalf("expected 3 recordings, got %d", len(recordings))
	}
	if recordings[0].Epoch != 300 || recordings[2].Epoch != 100 {
		t.Errorf("unexpected order %v", recordings)
	}
	if recordings[1].Manifest != "recording_200.yaml" {
		t.Errorf("expected manifest attached, got %q", recordings[1].Manifest)
	}
	if recordings[0].Size != 10 {
		t.Errorf("expected size 10, got %d", recordings[0].Size)
	}
}

func TestListMissingDir(t *testing.T) {
	recordings, err := New(afero.NewMemMapFs(), "nowhere").List()
	if err != nil || recordings != nil {
		t.Errorf("expected empty list, got %v, %v", recordings, err)
	}
}

func TestReserveSkipsTaken(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := New(fsys, "out")
	write(t, fsys, "out/recording_100.avi", 1)
	epoch, path, err := s.Reserve(time.Unix(100, 0), "avi")
	if err != nil {
		t.Fatal(err)
	}
	if epoch != 101 || path != filepath.Join("out", "recording_101.avi") {
		t.Errorf("unexpected reservation %d %s", epoch, path)
	}
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"recording_1.avi", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"sub/recording_1.avi", true},
		{"", true},
		{".", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateFilename(tt.name); (err != nil) != tt.wantErr {
				t.Errorf("ValidateFilename(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := New(fsys, "out")
	if err := afero.WriteFile(fsys, "out/recording_5.avi", []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := s.Open("recording_5.avi")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "data" {
		t.Errorf("unexpected content %q", data)
	}
	if _, err := s.Open("../recording_5.avi"); err == nil {
		t.Error("expected traversal to be rejected")
	}
	if _, err := s.Open("secret.txt"); err == nil {
		t.Error("expected non-recording to be rejected")
	}
}

func TestPruneRemovesOldestFirst(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := New(fsys, "out")
	write(t, fsys, "out/recording_1.avi", 100)
	write(t, fsys, "out/recording_1.yaml", 10)
	write(t, fsys, "out/recording_2.avi", 100)
	write(t, fsys, "out/recording_3.avi", 100)

	removed, err := s.Prune(250)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 || removed[0] != "recording_1.avi" || removed[1] != "recording_1.yaml" {
		t.Errorf("unexpected removals %v", removed)
	}
	size, _ := s.Size()
	if size != 200 {
		t.Errorf("expected 200 bytes left, got %d", size)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := New(fsys, "out")
	write(t, fsys, "out/recording_1.avi", 100)
	write(t, fsys, "out/recording_2.avi", 100)
	removed, err := s.Prune(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 {
		t.Errorf("expected only the older recording removed, got %v", removed)
	}
	if _, err := fsys.Stat("out/recording_2.avi"); err != nil {
		t.Errorf("newest recording must survive: %v", err)
	}
}

func TestPruneDisabled(t *testing.T) {
	fsys := afero.NewMemMapFs()
	write(t, fsys, "out/recording_1.avi", 100)
	removed, err := New(fsys, "out").Prune(0)
	if err != nil || removed != nil {
		t.Errorf("expected no-op, got %v, %v", removed, err)
	}
}

func TestSizeCountsBlocksOnDisk(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "recording_1.avi"), make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	size, err := New(afero.NewOsFs(), dir).Size()
	if err != nil {
		t.Fatal(err)
	}
	if size <= 0 {
		t.Errorf("expected allocated blocks to be counted, got %d", size)
	}
}
