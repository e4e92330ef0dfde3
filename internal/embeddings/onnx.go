//go:build cgo

package embeddings

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// DefaultONNXRuntimeVersion matches the onnxruntime_go release fastembed-go
// links against.
const DefaultONNXRuntimeVersion = "1.23.0"

const (
	onnxReleaseBaseURL = "https://github.com/microsoft/onnxruntime/releases/download"
	onnxPathEnv        = "ONNX_PATH"
	maxONNXEntrySize   = 512 << 20
)

// ErrUnsupportedPlatform is returned for OS/arch pairs without a release build.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// onnxPlatforms maps GOOS/GOARCH to the release archive suffix.
var onnxPlatforms = map[string]string{
	"linux/amd64":  "linux-x64",
	"linux/arm64":  "linux-aarch64",
	"darwin/amd64": "osx-x86_64",
	"darwin/arm64": "osx-arm64",
}

// ONNXInstaller locates or downloads the ONNX runtime shared library.
type ONNXInstaller struct {
	// Version defaults to DefaultONNXRuntimeVersion.
	Version string
	// Dir defaults to ~/.config/recall/lib.
	Dir string
	// BaseURL is the release download root.
	BaseURL string
	Client  *http.Client
	GOOS    string
	GOARCH  string
	Logger  *zap.Logger
}

// NewONNXInstaller returns an installer for the running platform.
func NewONNXInstaller() *ONNXInstaller {
	dir := filepath.Join(".", "lib")
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".config", "recall", "lib")
	}
	return &ONNXInstaller{
		Version: DefaultONNXRuntimeVersion,
		Dir:     dir,
		BaseURL: onnxReleaseBaseURL,
		Client:  http.DefaultClient,
		GOOS:    runtime.GOOS,
		GOARCH:  runtime.GOARCH,
		Logger:  zap.NewNop(),
	}
}

func (i *ONNXInstaller) libraryName() string {
	if i.GOOS == "darwin" {
		return "libonnxruntime.dylib"
	}
	return "libonnxruntime.so"
}

func (i *ONNXInstaller) platform() (string, error) {
	p, ok := onnxPlatforms[i.GOOS+"/"+i.GOARCH]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, i.GOOS, i.GOARCH)
	}
	return p, nil
}

// archiveURL is the release tarball for the installer's version and platform.
func (i *ONNXInstaller) archiveURL() (string, error) {
	p, err := i.platform()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/v%s/onnxruntime-%s-%s.tgz", strings.TrimRight(i.BaseURL, "/"), i.Version, p, i.Version), nil
}

// LibraryPath returns ONNX_PATH when set, otherwise the managed install if
// present, otherwise "".
func (i *ONNXInstaller) LibraryPath() string {
	if p := os.Getenv(onnxPathEnv); p != "" {
		return p
	}
	p := filepath.Join(i.Dir, i.libraryName())
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

// Install downloads the runtime and unpacks its lib/ directory into Dir.
// Files are staged in a temporary directory first, so a failed download
// leaves any previous install untouched.
func (i *ONNXInstaller) Install(ctx context.Context) (string, error) {
	url, err := i.archiveURL()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(i.Dir, 0o700); err != nil {
		return "", fmt.Errorf("creating %s: %w", i.Dir, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := i.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading ONNX runtime: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading ONNX runtime: %s returned %d", url, resp.StatusCode)
	}

	staging, err := os.MkdirTemp(i.Dir, ".onnx-staging-")
	if err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := i.unpack(resp.Body, staging); err != nil {
		return "", fmt.Errorf("extracting archive: %w", err)
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		dst := filepath.Join(i.Dir, e.Name())
		_ = os.Remove(dst)
		if err := os.Rename(filepath.Join(staging, e.Name()), dst); err != nil {
			return "", fmt.Errorf("installing %s: %w", e.Name(), err)
		}
	}

	path := filepath.Join(i.Dir, i.libraryName())
	i.Logger.Info("ONNX runtime installed",
		zap.String("version", i.Version),
		zap.String("path", path))
	return path, nil
}

// unpack copies the archive's lib/ entries, regular files and symlinks,
// flat into dir. It fails when the main library is missing.
func (i *ONNXInstaller) unpack(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	libName := i.libraryName()
	found := false
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		parent := filepath.Base(filepath.Dir(name))
		if parent != "lib" {
			continue
		}
		base := filepath.Base(name)
		if base == libName || strings.HasPrefix(base, libName+".") {
			found = true
		}
		dst := filepath.Join(dir, base)

		switch hdr.Typeflag {
		case tar.TypeSymlink:
			if strings.Contains(hdr.Linkname, "/") {
				return fmt.Errorf("symlink %s points outside lib/: %s", base, hdr.Linkname)
			}
			if err := os.Symlink(hdr.Linkname, dst); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(dst, tr, hdr.Size); err != nil {
				return fmt.Errorf("writing %s: %w", base, err)
			}
		}
	}
	if !found {
		return fmt.Errorf("library %s not found in archive", libName)
	}
	return nil
}

func writeEntry(dst string, r io.Reader, size int64) error {
	if size > maxONNXEntrySize {
		return fmt.Errorf("entry too large: %d bytes", size)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, io.LimitReader(r, maxONNXEntrySize)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Ensure returns the library path, installing the runtime first when it
// is missing.
func (i *ONNXInstaller) Ensure(ctx context.Context) (string, error) {
	if p := i.LibraryPath(); p != "" {
		return p, nil
	}
	i.Logger.Info("ONNX runtime not found, downloading",
		zap.String("version", i.Version),
		zap.String("platform", i.GOOS+"/"+i.GOARCH))
	p, err := i.Install(ctx)
	if err != nil {
		return "", fmt.Errorf("%w (run 'recall init' to install manually, or set %s)", err, onnxPathEnv)
	}
	return p, nil
}

// setONNXPathEnv points fastembed-go at the library.
var setONNXPathEnv = func(path string) error {
	return os.Setenv(onnxPathEnv, path)
}
