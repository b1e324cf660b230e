// Package env snapshots the supervisor's environment at startup and
// rebuilds child environments from that snapshot plus the contents of
// an envdir, so respawned children see refreshed settings without the
// supervisor itself mutating its environment.
package env

// LoadEnvdirKey is the option name controlling envdir loading.
const LoadEnvdirKey = "load_envdir"

// Environment abstracts the process environment so tests can swap in
// a fake.
type Environment interface {
	Clearenv()
	Setenv(k, v string)
}

type sysenv struct{}

type iterItem struct {
	key   string
	value string
}

// Loader rebuilds environments from an immutable snapshot.
type Loader struct {
	original []iterItem
	envdir   string
}

// Iterator walks the key/value pairs a Loader produces.
type Iterator struct {
	ch    chan *iterItem
	nextK string
	nextV string
}

// Option configures a single Loader operation.
type Option interface {
	Name() string
	Value() interface{}
}

type option struct {
	name  string
	value interface{}
}
