//go:build !windows

package tpm

import (
	"io"
	"os"

	"github.com/google/go-tpm/legacy/tpm2"
)

// DeviceOpener opens the TPM character device at path. An empty path tries
// /dev/tpmrm0 then /dev/tpm0.
func DeviceOpener(path string) Opener {
	return func() (io.ReadWriteCloser, error) {
		if path != "" {
			return tpm2.OpenTPM(path)
		}
		rwc, err := tpm2.OpenTPM("/dev/tpmrm0")
		if os.IsNotExist(err) {
			rwc, err = tpm2.OpenTPM("/dev/tpm0")
		}
		return rwc, err
	}
}
