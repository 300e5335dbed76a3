package gamepack

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeSourceTree creates {a: 10 bytes, b/c: 500 bytes, .hidden} under a fresh directory.
func writeSourceTree(t *testing.T) (string, map[string][]byte) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "00050000-101C9400")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "b"), 0o755))

	files := map[string][]byte{
		"a":   make([]byte, 10),
		"b/c": make([]byte, 500),
	}
	for rel, data := range files {
		_, err := rand.Read(data)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, filepath.FromSlash(rel)), data, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("skip me"), 0o644))
	return dir, files
}

func buildPack(t *testing.T, from, to time.Time) (string, map[string][]byte) {
	t.Helper()
	src, files := writeSourceTree(t)
	path, err := Create(filepath.Join(t.TempDir(), "test.pack"), src, "", from, to)
	require.NoError(t, err)
	require.Equal(t, ".csgp", filepath.Ext(path))
	return path, files
}

func TestCreateOpen_RoundTrip(t *testing.T) {
	now := time.Now()
	path, files := buildPack(t, now.Add(-time.Hour), now.Add(time.Hour))

	pack, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, "00050000-101C9400", pack.Root().Name)
	require.Equal(t, int64(0), pack.Flags())

	seen := map[string]bool{}
	pack.Root().Walk(func(p string, f *File) {
		rel := p[len(pack.Root().Name)+1:]
		want, ok := files[rel]
		if !ok {
			t.Errorf("unexpected file %q in pack", rel)
			return
		}
		seen[rel] = true
		require.Equal(t, int32(len(want)), f.Size)

		got, err := pack.DecryptedFileData(f)
		require.NoError(t, err)
		require.True(t, bytes.Equal(want, got), "payload of %s differs", rel)
	})
	require.Len(t, seen, len(files))

	// Files precede directories and the hidden file is gone.
	require.Len(t, pack.Root().Files, 1)
	require.Equal(t, "a", pack.Root().Files[0].Name)
	require.Len(t, pack.Root().Directories, 1)
	require.Equal(t, "b", pack.Root().Directories[0].Name)
}

func TestCreate_RootNameOverride(t *testing.T) {
	src, _ := writeSourceTree(t)
	now := time.Now()
	path, err := Create(filepath.Join(t.TempDir(), "renamed.csgp"), src, "0005000E-10101D00", now.Add(-time.Minute), now.Add(time.Hour))
	require.NoError(t, err)

	pack, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, "0005000E-10101D00", pack.Root().Name)
}

func TestCreate_InvalidWindow(t *testing.T) {
	src, _ := writeSourceTree(t)
	now := time.Now()
	_, err := Create(filepath.Join(t.TempDir(), "x"), src, "", now, now)
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestOpen_NotYetValid(t *testing.T) {
	now := time.Now()
	path, _ := buildPack(t, now.Add(time.Hour), now.Add(2*time.Hour))

	_, err := Open(path)
	require.ErrorIs(t, err, ErrOutsideValidity)
	var verr *ValidityError
	require.ErrorAs(t, err, &verr)
	require.True(t, verr.Early)
}

func TestOpen_Expired(t *testing.T) {
	now := time.Now()
	path, _ := buildPack(t, now.Add(-time.Hour), now.Add(time.Hour))

	_, err := Open(path, WithClock(func() time.Time { return now.Add(2 * time.Hour) }))
	require.ErrorIs(t, err, ErrOutsideValidity)
	var verr *ValidityError
	require.ErrorAs(t, err, &verr)
	require.False(t, verr.Early)
}

func TestOpen_BadMagic(t *testing.T) {
	path, _ := buildPack(t, MinTime, MaxTime)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	copy(data, "XXXX")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path)
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestOpen_DigestMismatch(t *testing.T) {
	path, _ := buildPack(t, MinTime, MaxTime)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path)
	require.ErrorIs(t, err, ErrDigestMismatch)
}

func TestOpen_NoLimits(t *testing.T) {
	path, _ := buildPack(t, MinTime, MaxTime)
	pack, err := Open(path)
	require.NoError(t, err)
	require.True(t, pack.ValidFrom().Equal(MinTime))
	require.True(t, pack.ValidTo().Equal(MaxTime))
}

func TestDecryptedFileData_ExpiresMidLife(t *testing.T) {
	now := time.Now()
	path, _ := buildPack(t, now.Add(-time.Hour), now.Add(time.Hour))

	var mu sync.Mutex
	current := now
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	pack, err := Open(path, WithClock(clock))
	require.NoError(t, err)
	file := pack.Root().Files[0]

	data, err := pack.DecryptedFileData(file)
	require.NoError(t, err)
	require.Len(t, data, 10)

	mu.Lock()
	current = now.Add(2 * time.Hour)
	mu.Unlock()

	data, err = pack.DecryptedFileData(file)
	require.NoError(t, err)
	require.Empty(t, data)
	require.True(t, pack.Poisoned())

	// Poisoning again is harmless and still yields nothing.
	data, err = pack.DecryptedFileData(file)
	require.NoError(t, err)
	require.Empty(t, data)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16), raw[digestOffset:hashedOffset])

	// The pack can never be loaded again, even inside its window.
	mu.Lock()
	current = now
	mu.Unlock()
	_, err = Open(path, WithClock(clock))
	require.ErrorIs(t, err, ErrDigestMismatch)
}

func TestDecryptedFileData_ExpiryWithUnwritablePack(t *testing.T) {
	now := time.Now()
	path, _ := buildPack(t, now.Add(-time.Hour), now.Add(time.Hour))

	var mu sync.Mutex
	current := now
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	var hookErrs []error
	hook := func(p string, err error) {
		require.Equal(t, path, p)
		hookErrs = append(hookErrs, err)
	}
	pack, err := Open(path, WithClock(clock), WithPoisonHook(hook))
	require.NoError(t, err)
	file := pack.Root().Files[0]

	require.NoError(t, os.Rename(path, path+".moved"))
	mu.Lock()
	current = now.Add(2 * time.Hour)
	mu.Unlock()

	data, err := pack.DecryptedFileData(file)
	require.NoError(t, err)
	require.Empty(t, data)
	require.True(t, pack.Poisoned())
	require.Len(t, hookErrs, 1)
	require.Error(t, hookErrs[0])
}

func TestDecryptedFileData_PoisonHookOnce(t *testing.T) {
	now := time.Now()
	path, _ := buildPack(t, now.Add(-time.Hour), now.Add(time.Hour))

	calls := 0
	pack, err := Open(path,
		WithClock(func() time.Time { return now }),
		WithPoisonHook(func(string, error) { calls++ }))
	require.NoError(t, err)
	file := pack.Root().Files[0]
	_, err = pack.DecryptedFileData(file)
	require.NoError(t, err)
	require.Zero(t, calls)

	now = now.Add(2 * time.Hour)
	for i := 0; i < 3; i++ {
		data, err := pack.DecryptedFileData(file)
		require.NoError(t, err)
		require.Empty(t, data)
	}
	require.Equal(t, 1, calls)
}

func TestDecryptedFileData_BeforeWindowDoesNotPoison(t *testing.T) {
	now := time.Now()
	path, _ := buildPack(t, now.Add(-time.Hour), now.Add(time.Hour))

	current := now
	pack, err := Open(path, WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	current = now.Add(-2 * time.Hour)
	data, err := pack.DecryptedFileData(pack.Root().Files[0])
	require.NoError(t, err)
	require.Empty(t, data)
	require.False(t, pack.Poisoned())

	current = now
	data, err = pack.DecryptedFileData(pack.Root().Files[0])
	require.NoError(t, err)
	require.Len(t, data, 10)
}

func TestDecryptedFileData_Concurrent(t *testing.T) {
	path, files := buildPack(t, MinTime, MaxTime)
	pack, err := Open(path, WithCacheEntries(0))
	require.NoError(t, err)
	file := pack.Root().Directories[0].Files[0]

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := pack.DecryptedFileData(file)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(data, files["b/c"]) {
				errs <- errors.New("payload mismatch")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestTicks(t *testing.T) {
	// 2015-01-01T00:00:00Z in .NET ticks.
	const ticks2015 = 635556672000000000
	ts := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := TimeToTicks(ts); got != ticks2015 {
		t.Errorf("TimeToTicks = %d, want %d", got, ticks2015)
	}
	if got := TicksToTime(ticks2015); !got.Equal(ts) {
		t.Errorf("TicksToTime = %s, want %s", got, ts)
	}
	if TimeToTicks(MinTime) != 0 {
		t.Errorf("MinTime ticks = %d", TimeToTicks(MinTime))
	}
	if TimeToTicks(MaxTime) != maxTicks {
		t.Errorf("MaxTime ticks = %d", TimeToTicks(MaxTime))
	}
}

func TestDecryptedFileData_CachesSmallPayloadsOnly(t *testing.T) {
	path, files := buildPack(t, MinTime, MaxTime)
	limit := func(o *options) { o.cacheMax = 100 }

	pack, err := Open(path, limit)
	require.NoError(t, err)
	small := pack.Root().Files[0]
	large := pack.Root().Directories[0].Files[0]

	for i := 0; i < 2; i++ {
		data, err := pack.DecryptedFileData(small)
		require.NoError(t, err)
		require.Equal(t, files["a"], data)
		data, err = pack.DecryptedFileData(large)
		require.NoError(t, err)
		require.Equal(t, files["b/c"], data)
	}
	require.Equal(t, 1, pack.cache.Len())
	require.True(t, pack.cache.Contains(small.Offset))

	uncached, err := Open(path, WithCacheEntries(0))
	require.NoError(t, err)
	require.Nil(t, uncached.cache)
	data, err := uncached.DecryptedFileData(small)
	require.NoError(t, err)
	require.Equal(t, files["a"], data)
}
