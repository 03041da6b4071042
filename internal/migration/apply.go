package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/picotest/picotest/internal/console"
	"github.com/picotest/picotest/internal/sentinel"
)

// ErrMigrationFailed is returned when the cluster rejects a migration
// statement. The wrapped message carries the console's description.
const ErrMigrationFailed = sentinel.Error("migration failed")

// Apply runs the up section of every migration, in version order,
// through the admin console. Context variables are substituted before
// submission. The first rejected statement aborts the run.
func Apply(ctx context.Context, client *console.Client, migs Migrations, vars map[string]string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for _, m := range migs {
		if err := runSection(ctx, client, m.Up(), vars); err != nil {
			return fmt.Errorf("%w: %04d_%s: %v", ErrMigrationFailed, m.Version, m.Name, err)
		}
		log.Info("migration applied",
			slog.Uint64("version", uint64(m.Version)),
			slog.String("name", m.Name))
	}
	return nil
}

// Revert runs the down section of every migration in reverse version
// order, undoing what Apply did.
func Revert(ctx context.Context, client *console.Client, migs Migrations, vars map[string]string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for i := len(migs) - 1; i >= 0; i-- {
		m := migs[i]
		if err := runSection(ctx, client, m.Down(), vars); err != nil {
			return fmt.Errorf("%w: revert %04d_%s: %v", ErrMigrationFailed, m.Version, m.Name, err)
		}
		log.Info("migration reverted",
			slog.Uint64("version", uint64(m.Version)),
			slog.String("name", m.Name))
	}
	return nil
}

func runSection(ctx context.Context, client *console.Client, statements []Statement, vars map[string]string) error {
	for _, s := range statements {
		if s.IsComment() {
			continue
		}
		if _, err := client.RunScript(ctx, Substitute(s.Text(), vars)); err != nil {
			return err
		}
	}
	return nil
}

// Substitute replaces every @_plugin_config.<name> occurrence with its
// value from vars. Unknown variables are left as written so the cluster
// reports them.
func Substitute(text string, vars map[string]string) string {
	for name, value := range vars {
		text = strings.ReplaceAll(text, contextPrefix+name, value)
	}
	return text
}
