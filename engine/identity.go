package engine

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/nxbroker/rangekv/core"
	"github.com/nxbroker/rangekv/sys"
)

const (
	identityFileName         = "IDENTITY"
	overrideIdentityFileName = "OVERRIDEIDENTITY"
)

// loadIdentity resolves dataRoot's stable identity: an override supplied at
// creation is written once to OVERRIDEIDENTITY and takes precedence over
// the native IDENTITY file on every subsequent load, on this and later
// restarts. Absent both files, a fresh native identity is generated from a
// random seed hashed with blake2b and persisted, so it too survives
// restarts.
func loadIdentity(dataRoot, overrideIdentity string) (string, error) {
	overridePath := filepath.Join(dataRoot, overrideIdentityFileName)
	nativePath := filepath.Join(dataRoot, identityFileName)

	if overrideIdentity != "" {
		if _, err := sys.Stat(overridePath); os.IsNotExist(err) {
			// Only a fresh dataRoot (no native IDENTITY yet) takes the override,
			// so an existing store's identity never changes across restarts.
			if _, nerr := sys.Stat(nativePath); os.IsNotExist(nerr) {
				if err := writeIdentityFile(overridePath, overrideIdentity); err != nil {
					return "", core.IOFailure("write override identity", err)
				}
			} else if nerr != nil {
				return "", core.IOFailure("stat native identity", nerr)
			}
		} else if err != nil {
			return "", core.IOFailure("stat override identity", err)
		}
	}

	if _, err := sys.Stat(overridePath); err == nil {
		return readIdentityLine(overridePath)
	}

	if _, err := sys.Stat(nativePath); err == nil {
		return readIdentityLine(nativePath)
	}

	seed := uuid.NewString()
	sum := blake2b.Sum256([]byte(seed))
	native := hex.EncodeToString(sum[:])
	if err := writeIdentityFile(nativePath, native); err != nil {
		return "", core.IOFailure("write native identity", err)
	}
	return native, nil
}

func writeIdentityFile(path, line string) error {
	tmp := path + ".tmp"
	if err := sys.WriteFile(tmp, []byte(line+"\n"), 0o644); err != nil {
		return err
	}
	if err := sys.Rename(tmp, path); err != nil {
		_ = sys.Remove(tmp)
		return err
	}
	return nil
}

func readIdentityLine(path string) (string, error) {
	data, err := sys.ReadFile(path)
	if err != nil {
		return "", core.IOFailure("read identity", err)
	}
	line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	if line == "" {
		return "", core.IdentityUnreadable(fmt.Errorf("empty identity file %q", path))
	}
	return line, nil
}
