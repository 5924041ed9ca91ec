// pkg/receipts/receipts.go - the package path database backing
// receipt-based detection and removal. Holds, per installed platform
// package, its version and the filesystem paths it owns.

package receipts

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/macadmins/cortado/pkg/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS pkgs (
	pkg_key          INTEGER PRIMARY KEY AUTOINCREMENT,
	packageid        TEXT NOT NULL UNIQUE,
	version          TEXT NOT NULL,
	install_location TEXT NOT NULL DEFAULT '/'
);
CREATE TABLE IF NOT EXISTS paths (
	path_key INTEGER PRIMARY KEY AUTOINCREMENT,
	path     TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS pkgs_paths (
	pkg_key  INTEGER NOT NULL REFERENCES pkgs(pkg_key),
	path_key INTEGER NOT NULL REFERENCES paths(path_key),
	uid      INTEGER NOT NULL DEFAULT 0,
	gid      INTEGER NOT NULL DEFAULT 0,
	mode     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (pkg_key, path_key)
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// PathEntry is one filesystem path recorded by a package receipt.
type PathEntry struct {
	Path string
	UID  int
	GID  int
	Mode int
}

// PackageReceipt is one installed package as read from the host's
// native receipt store.
type PackageReceipt struct {
	PackageID       string
	Version         string
	InstallLocation string
	Paths           []PathEntry
}

// Source supplies the host's native receipts for rebuilds.
type Source interface {
	// ModTime returns the newest modification time across the
	// source receipt files.
	ModTime() (time.Time, error)
	// Receipts reads every installed package receipt.
	Receipts() ([]PackageReceipt, error)
}

// DB is the open package path database.
type DB struct {
	sql  *sql.DB
	path string
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening package database: %w", err)
	}
	if _, err := handle.Exec(schema); err != nil {
		handle.Close()
		return nil, fmt.Errorf("creating package database schema: %w", err)
	}
	return &DB{sql: handle, path: path}, nil
}

// Close releases the underlying handle.
func (db *DB) Close() error {
	return db.sql.Close()
}

// RebuildIfStale rebuilds the database from source when any source
// receipt is newer than the last completed rebuild. The rebuild runs
// in one transaction, so an interrupted attempt leaves the previous
// contents intact and the next call starts over.
func (db *DB) RebuildIfStale(source Source) error {
	srcTime, err := source.ModTime()
	if err != nil {
		return fmt.Errorf("checking receipt source: %w", err)
	}
	if built, ok := db.builtAt(); ok && !srcTime.After(built) {
		logging.Debug("Package database is current", "built", built)
		return nil
	}
	return db.Rebuild(source)
}

// Rebuild unconditionally replaces the database contents from source.
func (db *DB) Rebuild(source Source) error {
	pkgs, err := source.Receipts()
	if err != nil {
		return fmt.Errorf("reading receipt source: %w", err)
	}
	logging.Info("Rebuilding package database", "packages", len(pkgs))

	tx, err := db.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM pkgs_paths", "DELETE FROM paths", "DELETE FROM pkgs"} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	for _, pkg := range pkgs {
		if err := insertPackage(tx, pkg); err != nil {
			return fmt.Errorf("recording %s: %w", pkg.PackageID, err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('built_at', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) builtAt() (time.Time, bool) {
	var value string
	err := db.sql.QueryRow(`SELECT value FROM meta WHERE key = 'built_at'`).Scan(&value)
	if err != nil {
		return time.Time{}, false
	}
	built, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return built, true
}

func insertPackage(tx *sql.Tx, pkg PackageReceipt) error {
	location := pkg.InstallLocation
	if location == "" {
		location = "/"
	}
	if _, err := tx.Exec(
		`INSERT INTO pkgs (packageid, version, install_location) VALUES (?, ?, ?)
		 ON CONFLICT(packageid) DO UPDATE SET version = excluded.version,
			install_location = excluded.install_location`,
		pkg.PackageID, pkg.Version, location); err != nil {
		return err
	}
	var pkgKey int64
	if err := tx.QueryRow(`SELECT pkg_key FROM pkgs WHERE packageid = ?`, pkg.PackageID).Scan(&pkgKey); err != nil {
		return err
	}
	for _, entry := range pkg.Paths {
		if _, err := tx.Exec(
			`INSERT INTO paths (path) VALUES (?) ON CONFLICT(path) DO NOTHING`, entry.Path); err != nil {
			return err
		}
		var pathKey int64
		if err := tx.QueryRow(`SELECT path_key FROM paths WHERE path = ?`, entry.Path).Scan(&pathKey); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO pkgs_paths (pkg_key, path_key, uid, gid, mode) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(pkg_key, path_key) DO NOTHING`,
			pkgKey, pathKey, entry.UID, entry.GID, entry.Mode); err != nil {
			return err
		}
	}
	return nil
}

// RecordPackage upserts one receipt outside a rebuild, used after the
// executor installs a platform package.
func (db *DB) RecordPackage(pkg PackageReceipt) error {
	tx, err := db.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertPackage(tx, pkg); err != nil {
		return err
	}
	return tx.Commit()
}

// InstalledVersion returns the recorded version for a packageid. It
// satisfies the probe's receipt lookup.
func (db *DB) InstalledVersion(packageID string) (string, bool, error) {
	var ver string
	err := db.sql.QueryRow(`SELECT version FROM pkgs WHERE packageid = ?`, packageID).Scan(&ver)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ver, true, nil
}

// PathsUniqueToPackages returns the full paths referenced by the given
// packageids and by no other installed package, deepest first so they
// can be removed bottom-up.
func (db *DB) PathsUniqueToPackages(packageIDs []string) ([]string, error) {
	if len(packageIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(packageIDs)), ",")
	args := make([]interface{}, 0, len(packageIDs))
	for _, id := range packageIDs {
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		SELECT p.path, pk.install_location FROM paths p
		JOIN pkgs_paths pp ON pp.path_key = p.path_key
		JOIN pkgs pk ON pk.pkg_key = pp.pkg_key
		WHERE pk.packageid IN (%s)
		AND NOT EXISTS (
			SELECT 1 FROM pkgs_paths other
			JOIN pkgs opk ON opk.pkg_key = other.pkg_key
			WHERE other.path_key = p.path_key
			AND opk.packageid NOT IN (%s)
		)`, placeholders, placeholders)
	rows, err := db.sql.Query(query, append(append([]interface{}{}, args...), args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []string
	for rows.Next() {
		var rel, location string
		if err := rows.Scan(&rel, &location); err != nil {
			return nil, err
		}
		full := joinLocation(location, rel)
		if !seen[full] {
			seen[full] = true
			out = append(out, full)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := strings.Count(out[i], "/"), strings.Count(out[j], "/")
		if di != dj {
			return di > dj
		}
		return out[i] > out[j]
	})
	return out, nil
}

// ForgetPackages removes the packageids and any paths no longer
// referenced by a remaining package.
func (db *DB) ForgetPackages(packageIDs []string) error {
	if len(packageIDs) == 0 {
		return nil
	}
	tx, err := db.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(packageIDs)), ",")
	args := make([]interface{}, 0, len(packageIDs))
	for _, id := range packageIDs {
		args = append(args, id)
	}
	if _, err := tx.Exec(fmt.Sprintf(
		`DELETE FROM pkgs_paths WHERE pkg_key IN (SELECT pkg_key FROM pkgs WHERE packageid IN (%s))`,
		placeholders), args...); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(
		`DELETE FROM pkgs WHERE packageid IN (%s)`, placeholders), args...); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`DELETE FROM paths WHERE path_key NOT IN (SELECT path_key FROM pkgs_paths)`); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Info("Forgot package receipts", "packageids", strings.Join(packageIDs, ", "))
	return nil
}

func joinLocation(location, rel string) string {
	rel = strings.TrimPrefix(rel, "./")
	if location == "" || location == "/" {
		if strings.HasPrefix(rel, "/") {
			return rel
		}
		return "/" + rel
	}
	return strings.TrimSuffix(location, "/") + "/" + strings.TrimPrefix(rel, "/")
}

// FileModTime is a helper for sources backed by files.
func FileModTime(paths ...string) (time.Time, error) {
	var newest time.Time
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return time.Time{}, err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, nil
}
