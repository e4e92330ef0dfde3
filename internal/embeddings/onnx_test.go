//go:build cgo

package embeddings

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type tarEntry struct {
	name    string
	body    string
	symlink string
}

func buildArchive(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644}
		if e.symlink != "" {
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.symlink
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.symlink == "" {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func testInstaller(t *testing.T, srv *httptest.Server) *ONNXInstaller {
	t.Helper()
	t.Setenv(onnxPathEnv, "")
	return &ONNXInstaller{
		Version: "1.2.3",
		Dir:     filepath.Join(t.TempDir(), "lib"),
		BaseURL: srv.URL,
		Client:  srv.Client(),
		GOOS:    "linux",
		GOARCH:  "amd64",
		Logger:  zap.NewNop(),
	}
}

func releaseServer(t *testing.T, archive []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != "/v1.2.3/onnxruntime-linux-x64-1.2.3.tgz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestONNXInstaller_Platform(t *testing.T) {
	tests := []struct {
		goos, goarch string
		want         string
		lib          string
	}{
		{"linux", "amd64", "linux-x64", "libonnxruntime.so"},
		{"linux", "arm64", "linux-aarch64", "libonnxruntime.so"},
		{"darwin", "amd64", "osx-x86_64", "libonnxruntime.dylib"},
		{"darwin", "arm64", "osx-arm64", "libonnxruntime.dylib"},
	}
	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.goarch, func(t *testing.T) {
			i := &ONNXInstaller{GOOS: tt.goos, GOARCH: tt.goarch}
			got, err := i.platform()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.lib, i.libraryName())
		})
	}

	_, err := (&ONNXInstaller{GOOS: "windows", GOARCH: "amd64"}).platform()
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestONNXInstaller_ArchiveURL(t *testing.T) {
	i := &ONNXInstaller{Version: "1.23.0", BaseURL: onnxReleaseBaseURL + "/", GOOS: "darwin", GOARCH: "arm64"}
	url, err := i.archiveURL()
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/microsoft/onnxruntime/releases/download/v1.23.0/onnxruntime-osx-arm64-1.23.0.tgz", url)
}

func TestONNXInstaller_Install(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "./onnxruntime-linux-x64-1.2.3/include/onnxruntime_c_api.h", body: "header"},
		{name: "./onnxruntime-linux-x64-1.2.3/lib/libonnxruntime.so.1.2.3", body: "ELF"},
		{name: "./onnxruntime-linux-x64-1.2.3/lib/libonnxruntime.so", symlink: "libonnxruntime.so.1.2.3"},
	})
	i := testInstaller(t, releaseServer(t, archive, nil))

	path, err := i.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(i.Dir, "libonnxruntime.so"), path)
	assert.Equal(t, path, i.LibraryPath())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ELF", string(data), "the symlink resolves to the versioned library")

	_, err = os.Stat(filepath.Join(i.Dir, "onnxruntime_c_api.h"))
	assert.ErrorIs(t, err, os.ErrNotExist, "only lib/ is installed")

	entries, err := os.ReadDir(i.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no staging directory is left behind")

	// A second install replaces the files in place.
	_, err = i.Install(context.Background())
	require.NoError(t, err)
}

func TestONNXInstaller_InstallFailures(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		i := testInstaller(t, releaseServer(t, nil, nil))
		i.Version = "9.9.9"
		_, err := i.Install(context.Background())
		assert.ErrorContains(t, err, "returned 404")
	})

	t.Run("library missing from archive", func(t *testing.T) {
		archive := buildArchive(t, []tarEntry{
			{name: "onnxruntime-linux-x64-1.2.3/lib/libother.so", body: "x"},
		})
		i := testInstaller(t, releaseServer(t, archive, nil))
		_, err := i.Install(context.Background())
		assert.ErrorContains(t, err, "libonnxruntime.so not found")
		assert.Empty(t, i.LibraryPath())

		entries, err := os.ReadDir(i.Dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "failed installs leave nothing behind")
	})

	t.Run("symlink escaping lib", func(t *testing.T) {
		archive := buildArchive(t, []tarEntry{
			{name: "onnxruntime-linux-x64-1.2.3/lib/libonnxruntime.so", symlink: "../../etc/passwd"},
		})
		i := testInstaller(t, releaseServer(t, archive, nil))
		_, err := i.Install(context.Background())
		assert.ErrorContains(t, err, "points outside lib/")
	})

	t.Run("not gzip", func(t *testing.T) {
		i := testInstaller(t, releaseServer(t, []byte("not an archive"), nil))
		_, err := i.Install(context.Background())
		assert.ErrorContains(t, err, "extracting archive")
	})

	t.Run("unsupported platform", func(t *testing.T) {
		i := testInstaller(t, releaseServer(t, nil, nil))
		i.GOOS = "plan9"
		_, err := i.Install(context.Background())
		assert.ErrorIs(t, err, ErrUnsupportedPlatform)
	})
}

func TestONNXInstaller_Ensure(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "onnxruntime-linux-x64-1.2.3/lib/libonnxruntime.so", body: "ELF"},
	})
	var hits atomic.Int32
	i := testInstaller(t, releaseServer(t, archive, &hits))

	path, err := i.Ensure(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, path)

	again, err := i.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int32(1), hits.Load(), "an installed runtime is not downloaded again")
}

func TestONNXInstaller_EnvOverride(t *testing.T) {
	i := &ONNXInstaller{Dir: t.TempDir(), GOOS: "linux", GOARCH: "amd64"}
	t.Setenv(onnxPathEnv, "/opt/onnx/libonnxruntime.so")
	assert.Equal(t, "/opt/onnx/libonnxruntime.so", i.LibraryPath())
}
