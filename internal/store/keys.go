package store

// Key layout. The Lua scripts in presence and session build the same names
// from ARGV[1] (the prefix), so any change here must be mirrored there.

func (s *Store) PresenceKey(identityID string) string { return s.Key("presence", identityID) }

// ConnsKey orders the open connections of an identity, across processes, by
// connect time. Members are ConnRef values.
func (s *Store) ConnsKey(identityID string) string { return s.Key("conns", identityID) }

// ProcessKey is the heartbeat of a live server process.
func (s *Store) ProcessKey(processID string) string { return s.Key("process", processID) }

// ConnRef names one connection of one process.
func ConnRef(processID, connectionID string) string { return processID + "|" + connectionID }

func (s *Store) OnlineKey() string { return s.Key("online") }

func (s *Store) AvailableKey() string { return s.Key("available") }

func (s *Store) SessionKey(sessionID string) string { return s.Key("session", sessionID) }

func (s *Store) SessionsKey(identityID string) string { return s.Key("sessions", identityID) }

func (s *Store) IncomingKey(identityID string) string { return s.Key("incoming", identityID) }

func (s *Store) OutgoingKey(identityID string) string { return s.Key("outgoing", identityID) }

// PairKey is the guard for an unordered pair of identities.
func (s *Store) PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return s.Key("pair", a+"|"+b)
}
