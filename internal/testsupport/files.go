package testsupport

import (
	"bufio"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
)

// WriteArtifact creates a fake audio artifact of size bytes at path. The
// content is seeded from the file name, so two artifacts of equal size still
// checksum differently. A size <= 0 writes one byte.
func WriteArtifact(t testing.TB, path string, size int64) {
	t.Helper()

	size = max(size, 1)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(filepath.Base(path)))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(size)))

	w := bufio.NewWriter(f)
	for range size {
		_ = w.WriteByte(byte(rng.Uint32()))
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		t.Fatalf("write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}
