package cmd

import (
	"io"

	"github.com/unifiedattestation/attestflow/gateway/tpm"
)

// ExternalTPM can be set to run tests against an TPM initialized by an
// external package (like the simulator). Setting this value will make all
// attestctl commands run against it, and will prevent the cmd package from
// closing the TPM. Setting this value and closing the TPM must be managed
// by the external package.
var ExternalTPM io.ReadWriter

var tpmPath string

// extTPMWrapper keeps the gateway from closing the ExternalTPM.
type extTPMWrapper struct {
	io.ReadWriter
}

// Close is no-op for extTPMWrapper to prevent it closing the underlying simulator.
func (et extTPMWrapper) Close() error {
	return nil
}

func tpmOpener() tpm.Opener {
	if ExternalTPM != nil {
		return func() (io.ReadWriteCloser, error) {
			return extTPMWrapper{ExternalTPM}, nil
		}
	}
	return tpm.DeviceOpener(tpmPath)
}
