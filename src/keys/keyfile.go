package keys

import (
	"crypto/ecdsa"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashpool/ledgerd/src/common"
)

// ReadKeyFile reads a hex-encoded private key from a file.
func ReadKeyFile(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw, err := common.DecodeFromString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}

	return ParsePrivateKey(raw)
}

// WriteKeyFile writes a hex-encoded private key to a file, creating parent
// directories as needed. The file is only readable by the owner.
func WriteKeyFile(path string, priv *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(common.EncodeToString(DumpPrivateKey(priv))), 0600)
}
