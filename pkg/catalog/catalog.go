// pkg/catalog/catalog.go - the in-memory index over catalog items.
// Catalogs are consulted in manifest-declared order: the first catalog
// that knows an item wins, even if a later catalog carries a higher
// version.

package catalog

import (
	"fmt"
	"sort"
	"strings"

	"howett.net/plist"

	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/pkginfo"
	"github.com/macadmins/cortado/pkg/version"
)

// Parse decodes one catalog document: a plist array of pkginfo dicts.
func Parse(data []byte) ([]*pkginfo.PkgInfo, error) {
	var items []*pkginfo.PkgInfo
	if _, err := plist.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	return items, nil
}

type nameVersion struct {
	name    string // lowercased
	version string
}

// Database indexes the items of all enabled catalogs.
type Database struct {
	order []string

	// byCatalogName holds, per catalog, the per-name version lists
	// sorted newest first.
	byCatalogName map[string]map[string][]*pkginfo.PkgInfo

	byNameVersion map[nameVersion]*pkginfo.PkgInfo
	byUpdateFor   map[string][]*pkginfo.PkgInfo
	byHash        map[string]*pkginfo.PkgInfo
}

// NewDatabase builds the index. order is the manifest's catalog list,
// highest priority first; catalogs maps catalog name to its items.
func NewDatabase(order []string, catalogs map[string][]*pkginfo.PkgInfo) *Database {
	db := &Database{
		order:         order,
		byCatalogName: make(map[string]map[string][]*pkginfo.PkgInfo),
		byNameVersion: make(map[nameVersion]*pkginfo.PkgInfo),
		byUpdateFor:   make(map[string][]*pkginfo.PkgInfo),
		byHash:        make(map[string]*pkginfo.PkgInfo),
	}

	for _, catName := range order {
		items, ok := catalogs[catName]
		if !ok {
			logging.Warn("Catalog named by manifest is not loaded", "catalog", catName)
			continue
		}
		perName := make(map[string][]*pkginfo.PkgInfo)
		for _, item := range items {
			if item.Name == "" {
				continue
			}
			key := strings.ToLower(item.Name)
			perName[key] = append(perName[key], item)

			nv := nameVersion{name: key, version: item.Version}
			if _, exists := db.byNameVersion[nv]; !exists {
				db.byNameVersion[nv] = item
			}
			for _, target := range item.UpdateFor {
				tkey := strings.ToLower(target)
				db.byUpdateFor[tkey] = append(db.byUpdateFor[tkey], item)
			}
			if item.InstallerItemHash != "" {
				if _, exists := db.byHash[item.InstallerItemHash]; !exists {
					db.byHash[item.InstallerItemHash] = item
				}
			}
		}
		for _, versions := range perName {
			sort.SliceStable(versions, func(i, j int) bool {
				return version.Compare(versions[i].Version, versions[j].Version) == version.Higher
			})
		}
		db.byCatalogName[catName] = perName
	}
	return db
}

// Newest returns the best item for a manifest reference, which may be
// bare ("Firefox") or version-pinned ("Firefox-115.0"). Catalog order
// wins over version recency across catalogs.
func (db *Database) Newest(ref string) (*pkginfo.PkgInfo, bool) {
	name, wanted := SplitNameAndVersion(ref)
	key := strings.ToLower(name)

	for _, catName := range db.order {
		versions := db.byCatalogName[catName][key]
		if len(versions) == 0 {
			continue
		}
		if wanted == "" {
			return versions[0], true
		}
		for _, item := range versions {
			if version.Compare(item.Version, wanted) == version.Equal {
				return item, true
			}
		}
	}
	return nil, false
}

// AllVersions returns every enabled-catalog item with the given name,
// catalog priority first, newest first within a catalog.
func (db *Database) AllVersions(name string) []*pkginfo.PkgInfo {
	key := strings.ToLower(name)
	var out []*pkginfo.PkgInfo
	seen := make(map[nameVersion]bool)
	for _, catName := range db.order {
		for _, item := range db.byCatalogName[catName][key] {
			nv := nameVersion{name: key, version: item.Version}
			if seen[nv] {
				continue
			}
			seen[nv] = true
			out = append(out, item)
		}
	}
	return out
}

// ByNameVersion returns the exact item, honoring right-zero version
// equivalence via Newest's pinned-reference path.
func (db *Database) ByNameVersion(name, ver string) (*pkginfo.PkgInfo, bool) {
	item, ok := db.byNameVersion[nameVersion{name: strings.ToLower(name), version: ver}]
	if ok {
		return item, true
	}
	for _, candidate := range db.AllVersions(name) {
		if version.Compare(candidate.Version, ver) == version.Equal {
			return candidate, true
		}
	}
	return nil, false
}

// ByHash answers "is this payload already represented?" for importers.
func (db *Database) ByHash(hash string) (*pkginfo.PkgInfo, bool) {
	item, ok := db.byHash[hash]
	return item, ok
}

// UpdatesFor returns the items declaring update_for on the given name
// or its version-pinned forms. Update chains do not cascade; only the
// direct target is consulted.
func (db *Database) UpdatesFor(name, installedVersion string) []*pkginfo.PkgInfo {
	keys := []string{strings.ToLower(name)}
	if installedVersion != "" {
		keys = append(keys,
			strings.ToLower(fmt.Sprintf("%s-%s", name, installedVersion)),
			strings.ToLower(fmt.Sprintf("%s--%s", name, installedVersion)))
	}

	var out []*pkginfo.PkgInfo
	seen := make(map[nameVersion]bool)
	for _, key := range keys {
		for _, item := range db.byUpdateFor[key] {
			nv := nameVersion{name: strings.ToLower(item.Name), version: item.Version}
			if seen[nv] {
				continue
			}
			seen[nv] = true
			out = append(out, item)
		}
	}
	return out
}

// RequiredBy returns catalog items whose requires list names the item.
// Used during removal for the reverse-dependency walk.
func (db *Database) RequiredBy(name string) []*pkginfo.PkgInfo {
	key := strings.ToLower(name)
	var out []*pkginfo.PkgInfo
	seen := make(map[nameVersion]bool)
	for _, catName := range db.order {
		for _, versions := range db.byCatalogName[catName] {
			for _, item := range versions {
				for _, req := range item.Requires {
					reqName, _ := SplitNameAndVersion(req)
					if strings.ToLower(reqName) != key {
						continue
					}
					nv := nameVersion{name: strings.ToLower(item.Name), version: item.Version}
					if !seen[nv] {
						seen[nv] = true
						out = append(out, item)
					}
				}
			}
		}
	}
	return out
}

// SplitNameAndVersion splits a manifest reference that may carry a
// version suffix: "Firefox--115.0" or "Firefox-115.0". Item names can
// themselves contain dashes, so the single-dash form only splits when
// the trailing segment looks like a version.
func SplitNameAndVersion(ref string) (string, string) {
	ref = strings.TrimSpace(ref)
	if idx := strings.Index(ref, "--"); idx > 0 {
		return strings.TrimSpace(ref[:idx]), strings.TrimSpace(ref[idx+2:])
	}
	if idx := strings.LastIndex(ref, "-"); idx > 0 {
		last := ref[idx+1:]
		if strings.ContainsAny(last, "0123456789") && strings.ContainsAny(last, "._") ||
			isAllDigits(last) {
			return strings.TrimSpace(ref[:idx]), strings.TrimSpace(last)
		}
	}
	return ref, ""
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
