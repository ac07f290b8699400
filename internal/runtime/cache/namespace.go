package cache

import "fmt"

// Namespace identifies an independently locked partition of the cache.
type Namespace int

const (
	// Info holds transit info computed for a property relative to a destination.
	Info Namespace = iota + 1
	// Location holds the transit stations found near a property.
	Location
)

// Namespaces lists every partition in the order they are loaded and flushed.
var Namespaces = []Namespace{Info, Location}

func (n Namespace) String() string {
	switch n {
	case Info:
		return "info"
	case Location:
		return "location"
	default:
		return fmt.Sprintf("namespace(%d)", int(n))
	}
}

// SnapshotName returns the stable file or object name of the namespace snapshot.
func (n Namespace) SnapshotName() string {
	switch n {
	case Info:
		return "info_cache.json"
	case Location:
		return "locations_cache.json"
	default:
		return fmt.Sprintf("namespace_%d_cache.json", int(n))
	}
}
