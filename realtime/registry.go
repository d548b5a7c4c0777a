// This file contains the Registry which tracks every currently-open socket and
// its session context. The registry owns no sockets beyond indexing them; a
// connection's lifetime is bound to the socket itself.
package realtime

type Registry struct {
	conns *store[*Conn]
}

// NewRegistry creates an empty connection registry. Each gateway instance
// owns its own registry; registries are never package-level state, so multiple
// gateways can coexist in one process without cross-contamination.
func NewRegistry() *Registry {
	return &Registry{conns: newStore[*Conn]()}
}

func (r *Registry) Add(conn *Conn) error {
	if err := r.conns.Create(conn.ID, conn); err != nil {
		return wrapF(err, "failed to register connection %s", conn.ID)
	}
	return nil
}

// Remove drops a connection from the registry. Removing an unknown connection
// is a no-op; teardown races make that a normal occurrence.
func (r *Registry) Remove(connID string) {
	_ = r.conns.Delete(connID)
}

// Get returns the connection with the given ID, or nil if it is not
// registered.
func (r *Registry) Get(connID string) *Conn {
	conn, err := r.conns.Read(connID)
	if err != nil {
		return nil
	}
	return conn
}

// ByUser returns every open connection authenticated as the given user.
// A user with multiple tabs or devices holds multiple connections.
func (r *Registry) ByUser(userID string) []*Conn {
	if userID == "" {
		return nil
	}

	var matched []*Conn
	for _, conn := range r.conns.Values() {
		if conn.UserID() == userID {
			matched = append(matched, conn)
		}
	}
	return matched
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Conn {
	return r.conns.Values()
}

func (r *Registry) Len() int {
	return r.conns.Len()
}
