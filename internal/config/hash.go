package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// checksumFile sits next to the config file and pins its content hash.
const checksumFile = ".checksums"

// ChecksumManifest pins config file hashes, written by `buildtap config
// lock` and verified on every load.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// FileHash computes the BLAKE3 hash of a file, hex encoded.
func FileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Lock writes a .checksums manifest pinning the current config content.
func Lock(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	hash, err := FileHash(absPath)
	if err != nil {
		return err
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(absPath): hash},
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal checksums: %w", err)
	}

	manifestPath := filepath.Join(filepath.Dir(absPath), checksumFile)
	if err := os.WriteFile(manifestPath, data, 0o600); err != nil {
		return fmt.Errorf("write checksums: %w", err)
	}
	return nil
}

// Check verifies the config file against its .checksums manifest. A missing
// manifest is an error: Check is for operators who expect the lock.
func Check(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	manifest, err := loadManifest(filepath.Dir(absPath))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no %s manifest next to %s (run 'buildtap config lock')", checksumFile, absPath)
		}
		return err
	}
	return verifyAgainst(absPath, manifest)
}

// verifyChecksumIfPresent verifies integrity when a manifest exists and is
// a no-op when it doesn't, so locking stays opt-in.
func verifyChecksumIfPresent(absPath string) error {
	manifest, err := loadManifest(filepath.Dir(absPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return verifyAgainst(absPath, manifest)
}

func loadManifest(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, checksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

func verifyAgainst(absPath string, manifest *ChecksumManifest) error {
	name := filepath.Base(absPath)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("%s has no hash in %s (run 'buildtap config lock')", name, checksumFile)
	}
	actual, err := FileHash(absPath)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: buildtap config lock",
			name, expected, actual)
	}
	return nil
}
