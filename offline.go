// Package offline is the persistent cache and synchronization layer of the
// RGMS client. It keeps namespaced copies of server data in a local store so
// screens can render without connectivity, classifies reads by freshness,
// and records mutations made while offline for later replay.
package offline

// Namespace identifies one named key-value collection in the store.
type Namespace struct {
	// Name is the collection name. Unique, never renamed.
	Name string

	// KeyField is the JSON field whose value keys records in this
	// namespace.
	KeyField string

	// Stamped marks namespaces whose values carry a capture timestamp.
	// Stamped records are written through the singleton API and are the
	// only records the garbage collector sweeps; plain namespaces hold
	// raw collection records with no implicit TTL.
	Stamped bool
}

// The namespace catalog. Buckets for every entry are created by the schema
// migrations in store/cachedb; nothing creates namespaces at call sites.
var (
	Cadets     = Namespace{Name: "cadets", KeyField: "id"}
	Grades     = Namespace{Name: "grades", KeyField: "id"}
	Activities = Namespace{Name: "activities", KeyField: "id"}
	Attendance = Namespace{Name: "attendance", KeyField: "id"}
	Analytics  = Namespace{Name: "analytics", KeyField: "key", Stamped: true}
	Screens    = Namespace{Name: "screens", KeyField: "key", Stamped: true}
)

// All returns the full namespace catalog.
func All() []Namespace {
	return []Namespace{Cadets, Grades, Activities, Attendance, Analytics, Screens}
}

// Sweepable returns the namespaces holding stamped records, the only ones
// the garbage collector visits.
func Sweepable() []Namespace {
	var out []Namespace
	for _, ns := range All() {
		if ns.Stamped {
			out = append(out, ns)
		}
	}
	return out
}

// Lookup resolves a catalog namespace by name.
func Lookup(name string) (Namespace, bool) {
	for _, ns := range All() {
		if ns.Name == name {
			return ns, true
		}
	}
	return Namespace{}, false
}
