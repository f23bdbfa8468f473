package gsusb

import (
	"fmt"
	"os"
	"sync"

	"github.com/Ali-Niazi021/trevcan-bridge/internal/adapter"
	"github.com/Ali-Niazi021/trevcan-bridge/internal/logging"
)

// The USB backend library (libusb) may live outside the default loader path,
// notably on Windows hosts where it ships next to the application. The
// install is process-global and happens exactly once; later calls with a
// different path are answered with the outcome of the first.
var (
	backendOnce sync.Once
	backendErr  error
	backendPath string
)

// installBackend resolves the backend per cfg. An empty LibraryPath means
// "use the default loader path" and always succeeds.
func installBackend(cfg adapter.BackendConfig) error {
	backendOnce.Do(func() {
		if cfg.LibraryPath == "" {
			return
		}
		st, err := os.Stat(cfg.LibraryPath)
		if err != nil {
			backendErr = fmt.Errorf("%w: usb backend library %q not found", adapter.ErrBackendMissing, cfg.LibraryPath)
			return
		}
		dir := cfg.LibraryPath
		if !st.IsDir() {
			dir = parentDir(cfg.LibraryPath)
		}
		prependLoaderPath(dir)
		backendPath = cfg.LibraryPath
		logging.L().Info("usb_backend_installed", "path", cfg.LibraryPath)
	})
	if backendErr != nil {
		return backendErr
	}
	if cfg.LibraryPath != "" && backendPath != "" && cfg.LibraryPath != backendPath {
		logging.L().Warn("usb_backend_already_installed", "installed", backendPath, "requested", cfg.LibraryPath)
	}
	return nil
}

func parentDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[:i]
		}
	}
	return "."
}

func prependLoaderPath(dir string) {
	const key = "LD_LIBRARY_PATH"
	cur := os.Getenv(key)
	if cur == "" {
		_ = os.Setenv(key, dir)
		return
	}
	_ = os.Setenv(key, dir+string(os.PathListSeparator)+cur)
}
