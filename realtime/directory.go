// This file contains the Directory which maintains the project-to-sockets index
// used for broadcast fan-out. Membership is a weak reference: the directory
// never owns a socket, it only indexes it, and stale entries are pruned when
// the connection's close handler fires.
package realtime

import "sync"

type Directory struct {
	mutex    sync.RWMutex
	channels map[string]map[string]*Conn
	byConn   map[string]string
}

// NewDirectory creates an empty channel directory.
func NewDirectory() *Directory {
	return &Directory{
		channels: make(map[string]map[string]*Conn),
		byConn:   make(map[string]string),
	}
}

// Subscribe adds the connection to the project's channel. A socket belongs to
// at most one channel at a time: if it was subscribed elsewhere, it is removed
// from that entry first. Returns the previous project ID, or an empty string
// if the socket was not subscribed anywhere.
func (d *Directory) Subscribe(conn *Conn, projectID string) string {
	d.mutex.Lock()

	defer d.mutex.Unlock()

	previous := d.byConn[conn.ID]
	if previous == projectID {
		return previous
	}
	if previous != "" {
		d.removeLocked(conn.ID, previous)
	}

	members, exists := d.channels[projectID]
	if !exists {
		members = make(map[string]*Conn)
		d.channels[projectID] = members
	}
	members[conn.ID] = conn
	d.byConn[conn.ID] = projectID

	conn.setProjectID(projectID)

	return previous
}

// Unsubscribe removes the connection from whichever channel currently contains
// it. Returns the project it was subscribed to and whether it was subscribed
// at all.
func (d *Directory) Unsubscribe(conn *Conn) (string, bool) {
	d.mutex.Lock()

	defer d.mutex.Unlock()

	projectID, exists := d.byConn[conn.ID]
	if !exists {
		return "", false
	}
	d.removeLocked(conn.ID, projectID)

	conn.setProjectID("")

	return projectID, true
}

// Members returns a snapshot of the connections subscribed to the project's
// channel. Callers must tolerate entries that closed between the snapshot and
// delivery; the broadcaster skips sockets that are no longer open.
func (d *Directory) Members(projectID string) []*Conn {
	d.mutex.RLock()

	defer d.mutex.RUnlock()

	members := d.channels[projectID]
	if len(members) == 0 {
		return nil
	}
	snapshot := make([]*Conn, 0, len(members))

	for _, conn := range members {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

// Projects returns a snapshot of every channel that currently has
// subscribers.
func (d *Directory) Projects() []string {
	d.mutex.RLock()

	defer d.mutex.RUnlock()

	projects := make([]string, 0, len(d.channels))

	for projectID := range d.channels {
		projects = append(projects, projectID)
	}
	return projects
}

// Project returns the channel the given connection is subscribed to.
func (d *Directory) Project(connID string) (string, bool) {
	d.mutex.RLock()

	defer d.mutex.RUnlock()

	projectID, exists := d.byConn[connID]
	return projectID, exists
}

// Len returns the number of connections subscribed to the project.
func (d *Directory) Len(projectID string) int {
	d.mutex.RLock()

	defer d.mutex.RUnlock()

	return len(d.channels[projectID])
}

func (d *Directory) removeLocked(connID, projectID string) {
	if members, exists := d.channels[projectID]; exists {
		delete(members, connID)

		if len(members) == 0 {
			delete(d.channels, projectID)
		}
	}
	delete(d.byConn, connID)
}
