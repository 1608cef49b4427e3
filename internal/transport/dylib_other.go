//go:build !(linux || darwin)

package transport

import "github.com/alfredjeanlab/wakurelay/internal/relayerr"

func loadNative(path string) (nativeAPI, error) {
	return nil, relayerr.Errorf(relayerr.ErrConfig, "waku mode dylib (%s) is only supported on linux and darwin", path)
}
