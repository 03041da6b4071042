package plugconf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/picotest/picotest/internal/fileutil"
)

// ManifestFilename is the name of a plugin's manifest file inside its
// versioned build directory.
const ManifestFilename = "manifest.yaml"

// manifestBackupName sits next to the manifest while a rewritten copy is
// in effect.
const manifestBackupName = "manifest.backup.yaml"

// Rewrite replaces the default_configuration of every manifest service
// that has an entry in cfg. Services absent from cfg keep their shipped
// defaults. The manifest is rewritten in place; call Backup first to be
// able to undo it.
func Rewrite(manifestPath string, cfg ConfigMap) error {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read plugin manifest %s: %w", manifestPath, err)
	}

	var manifest map[string]any
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("parse plugin manifest %s: %w", manifestPath, err)
	}

	services, ok := manifest["services"].([]any)
	if !ok {
		return fmt.Errorf("plugin manifest %s has no services list", manifestPath)
	}
	for _, entry := range services {
		service, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := service["name"].(string)
		settings, ok := cfg[name]
		if !ok {
			continue
		}
		service["default_configuration"] = settings
	}

	out, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode plugin manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, out, 0o644); err != nil {
		return fmt.Errorf("write plugin manifest %s: %w", manifestPath, err)
	}
	return nil
}

// Backup copies the manifest aside so Restore can undo a Rewrite.
func Backup(manifestPath string) error {
	if err := fileutil.CopyFile(manifestPath, backupPath(manifestPath)); err != nil {
		return fmt.Errorf("back up plugin manifest: %w", err)
	}
	return nil
}

// Restore puts the backed-up manifest back and removes the backup. It is
// a no-op when no backup exists.
func Restore(manifestPath string) error {
	backup := backupPath(manifestPath)
	if _, err := os.Stat(backup); os.IsNotExist(err) {
		return nil
	}
	if err := fileutil.CopyFile(backup, manifestPath); err != nil {
		return fmt.Errorf("restore plugin manifest: %w", err)
	}
	if err := os.Remove(backup); err != nil {
		return fmt.Errorf("remove plugin manifest backup: %w", err)
	}
	return nil
}

func backupPath(manifestPath string) string {
	return filepath.Join(filepath.Dir(manifestPath), manifestBackupName)
}
