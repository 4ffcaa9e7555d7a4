package router

import (
	"encoding/pem"
	"os"

	"github.com/samber/oops"
)

// LoadHostkey reads the host key file. A PEM file yields the DER bytes of its
// first block, anything else is returned as read.
func LoadHostkey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Wrapf(err, "read hostkey %s", path)
	}
	if len(raw) == 0 {
		return nil, oops.Errorf("hostkey %s is empty", path)
	}
	if block, _ := pem.Decode(raw); block != nil {
		return block.Bytes, nil
	}
	return raw, nil
}
