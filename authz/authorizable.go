// Package authz implements the notification processor: it translates catalog
// schema-change events into authorization store mutations and keeps the
// processed-notification watermark moving.
package authz

import "strings"

// resourceSep separates hierarchy components in canonical resource paths.
const resourceSep = "/"

// Authorizable is the hierarchical identifier of a securable object.
// Server and Db are always set; Table narrows the scope to one table and
// Partition (ordered partition values) narrows it further. Identity is
// structural: two keys are the same object iff all present fields match.
//
// Catalog object names are case-insensitive, so Db and Table are normalized
// to lower case on construction.
type Authorizable struct {
	Server    string
	Db        string
	Table     string
	Partition []string
}

// DatabaseScope builds a key covering a whole database
func DatabaseScope(server, db string) Authorizable {
	return Authorizable{Server: server, Db: strings.ToLower(db)}
}

// TableScope builds a key covering one table
func TableScope(server, db, table string) Authorizable {
	return Authorizable{Server: server, Db: strings.ToLower(db), Table: strings.ToLower(table)}
}

// PartitionScope builds a key covering one partition of a table
func PartitionScope(server, db, table string, values []string) Authorizable {
	key := TableScope(server, db, table)
	key.Partition = append([]string(nil), values...)
	return key
}

// components returns the present hierarchy components, outermost first
func (a Authorizable) components() []string {
	parts := []string{a.Server}
	if a.Db != "" {
		parts = append(parts, a.Db)
	}
	if a.Table != "" {
		parts = append(parts, a.Table)
	}
	parts = append(parts, a.Partition...)
	return parts
}

// Resource returns the canonical resource path of the key. Paths always end
// with the separator so that prefix matching cannot cross a component
// boundary ("s/db1/t1/" is not a prefix of "s/db1/t10/").
func (a Authorizable) Resource() string {
	return strings.Join(a.components(), resourceSep) + resourceSep
}

// AuthzObjName returns the dotted object name used to key path mappings
// ("db1" for a database, "db1.table1" for a table).
func (a Authorizable) AuthzObjName() string {
	if a.Table == "" {
		return a.Db
	}
	return a.Db + "." + a.Table
}

// Equal reports structural equality
func (a Authorizable) Equal(other Authorizable) bool {
	if a.Server != other.Server || a.Db != other.Db || a.Table != other.Table {
		return false
	}
	if len(a.Partition) != len(other.Partition) {
		return false
	}
	for i, v := range a.Partition {
		if other.Partition[i] != v {
			return false
		}
	}
	return true
}

// Contains reports whether other is the same object as a or nested under it
func (a Authorizable) Contains(other Authorizable) bool {
	return strings.HasPrefix(other.Resource(), a.Resource())
}

// SameShape reports whether both keys sit at the same hierarchy level
func (a Authorizable) SameShape(other Authorizable) bool {
	return (a.Db == "") == (other.Db == "") &&
		(a.Table == "") == (other.Table == "") &&
		len(a.Partition) == len(other.Partition)
}
