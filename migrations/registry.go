// Package migrations exposes the broker schema per SQL dialect and hands it
// to whatever migrator the host application runs.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"sort"
	"strings"

	ledgersync "github.com/goliatone/go-ledgersync"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	migrationsRoot = "data/sql/migrations"
	upSuffix       = ".up.sql"
	downSuffix     = ".down.sql"
)

// Source is one dialect's migration directory. Versions lists the
// migration names in apply order, without the .up.sql suffix.
type Source struct {
	Dialect  string
	Path     string
	FS       fs.FS
	Versions []string
}

type Plan struct {
	Label    string
	Dialects []string
	Sources  []Source
}

type RegisterFunc func(ctx context.Context, dialect string, label string, fsys fs.FS) error

type Option func(*Plan)

func WithLabel(label string) Option {
	return func(p *Plan) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			p.Label = trimmed
		}
	}
}

// WithDialects limits registration to the named dialects.
func WithDialects(dialects ...string) Option {
	return func(p *Plan) {
		if next := normalizeDialects(dialects); len(next) > 0 {
			p.Dialects = next
		}
	}
}

// DialectForDriver maps a database/sql driver name to its migration dialect.
func DialectForDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx", "postgresql":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: no schema for driver %q", driver)
	}
}

// Sources reads the embedded schema, or root when given. Postgres files sit
// at the top of data/sql/migrations and sqlite files under sqlite/.
func Sources(root ...fs.FS) ([]Source, error) {
	base := ledgersync.GetCoreMigrationsFS()
	if len(root) > 0 && root[0] != nil {
		base = root[0]
	}
	postgresFS, err := fs.Sub(base, migrationsRoot)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", migrationsRoot, err)
	}
	sqliteFS, err := fs.Sub(postgresFS, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite schema: %w", err)
	}

	sources := []Source{
		{Dialect: DialectPostgres, Path: migrationsRoot, FS: postgresFS},
		{Dialect: DialectSQLite, Path: migrationsRoot + "/sqlite", FS: sqliteFS},
	}
	for i := range sources {
		versions, err := versionsOf(sources[i])
		if err != nil {
			return nil, err
		}
		sources[i].Versions = versions
	}
	if err := CheckParity(sources); err != nil {
		return nil, err
	}
	return sources, nil
}

// CheckParity fails when dialects disagree on the migration sequence; a
// version shipped for postgres only would leave sqlite deployments behind.
func CheckParity(sources []Source) error {
	if len(sources) < 2 {
		return nil
	}
	reference := sources[0]
	for _, source := range sources[1:] {
		if !slices.Equal(reference.Versions, source.Versions) {
			return fmt.Errorf("migrations: %s versions %v do not match %s versions %v",
				source.Dialect, source.Versions, reference.Dialect, reference.Versions)
		}
	}
	return nil
}

func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Plan, error) {
	plan := Plan{
		Label:    "go-ledgersync",
		Dialects: []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&plan)
		}
	}
	if registerFn == nil {
		return plan, fmt.Errorf("migrations: register function is required")
	}

	sources, err := Sources()
	if err != nil {
		return plan, err
	}
	plan.Sources = sources

	for _, source := range sources {
		if !slices.Contains(plan.Dialects, source.Dialect) {
			continue
		}
		if err := registerFn(ctx, source.Dialect, plan.Label, source.FS); err != nil {
			return plan, fmt.Errorf("migrations: register %s (%s): %w", source.Dialect, source.Path, err)
		}
	}
	return plan, nil
}

// versionsOf lists the up migrations and requires a down file for each.
func versionsOf(source Source) ([]string, error) {
	ups, err := fs.Glob(source.FS, "*"+upSuffix)
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", source.Path, err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: %s has no %s files", source.Path, upSuffix)
	}
	versions := make([]string, 0, len(ups))
	for _, name := range ups {
		version := strings.TrimSuffix(name, upSuffix)
		if _, err := fs.Stat(source.FS, version+downSuffix); err != nil {
			return nil, fmt.Errorf("migrations: %s/%s has no matching %s", source.Path, name, downSuffix)
		}
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions, nil
}

func normalizeDialects(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		dialect := strings.TrimSpace(strings.ToLower(value))
		if dialect == "" {
			continue
		}
		if _, ok := seen[dialect]; ok {
			continue
		}
		seen[dialect] = struct{}{}
		out = append(out, dialect)
	}
	return out
}
