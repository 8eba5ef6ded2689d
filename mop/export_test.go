package mop

// KillSocket closes the live central post office socket without touching
// any other state, so integration tests can exercise reconnection.
func (po *PostOffice) KillSocket() {
	po.conn.killSocket()
}
