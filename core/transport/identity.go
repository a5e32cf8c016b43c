package transport

// Identity names the party speaking on a connection for the purposes of
// room membership and host authority. The default scheme derives it from
// the remote transport address, which means a dropped and re-established
// connection is a brand new identity. This is a known limitation, not a
// security boundary.
type Identity string

// IdentitySource derives an Identity from a connection's remote address.
// Kept as an interface so a stronger, token-based scheme can replace the
// address-derived one without touching room logic.
type IdentitySource interface {
	Identify(remoteAddr string) Identity
}

// AddrIdentity is the default IdentitySource: identity is the remote
// host:port verbatim.
type AddrIdentity struct{}

func (AddrIdentity) Identify(remoteAddr string) Identity {
	return Identity(remoteAddr)
}
