package redis

import "strconv"

const (
	// KeyPrefix is shared by every key the mirror writes.
	KeyPrefix = "minienv:"
	// KeyPrefixEnv holds one slot's public state as JSON.
	KeyPrefixEnv = KeyPrefix + "env:"
	// KeyPrefixRoutes holds one slot's routes as a hash of "<port>.<host>" -> URL.
	KeyPrefixRoutes = KeyPrefix + "routes:"
)

// EnvKey returns the key of a slot's state.
func EnvKey(id string) string {
	return KeyPrefixEnv + id
}

// RoutesKey returns the key of a slot's routes.
func RoutesKey(id string) string {
	return KeyPrefixRoutes + id
}

// RouteHost is the virtual host the external proxy matches for a tab.
func RouteHost(port int, hostName string) string {
	return strconv.Itoa(port) + "." + hostName
}
