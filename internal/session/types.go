package session

// Presence summarizes UI availability for the status endpoint.
type Presence struct {
	Available       bool     `json:"available"`
	ActiveClients   int      `json:"activeClients"`
	Clients         []Client `json:"clients"`
	InactivityTTLMS int64    `json:"inactivityTtlMs"`
}

// Presence reports the connected clients.
func (m *Manager) Presence() Presence {
	clients := m.List()
	return Presence{
		Available:       len(clients) > 0,
		ActiveClients:   len(clients),
		Clients:         clients,
		InactivityTTLMS: m.inactivityTimeout.Milliseconds(),
	}
}
