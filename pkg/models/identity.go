package models

import (
	"fmt"
	"strings"
)

// IdentityKind discriminates server-assigned from client-generated identities.
type IdentityKind string

const (
	KindServer IdentityKind = "server"
	KindLocal  IdentityKind = "local"
)

// Identity names a logical record: either its server id or the tempId it
// was given while offline. The zero value is not a valid identity.
type Identity struct {
	Kind  IdentityKind
	Value string
}

// ServerID returns the identity of a record known to the server.
func ServerID(id string) Identity {
	return Identity{Kind: KindServer, Value: id}
}

// LocalID returns the identity of a record created offline.
func LocalID(tempID string) Identity {
	return Identity{Kind: KindLocal, Value: tempID}
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.Kind == "" || i.Value == ""
}

// IsLocal reports whether the identity is a client-generated tempId.
func (i Identity) IsLocal() bool {
	return i.Kind == KindLocal
}

// String returns "server:<id>" or "local:<tempId>".
func (i Identity) String() string {
	if i.IsZero() {
		return ""
	}
	return string(i.Kind) + ":" + i.Value
}

// MarshalText implements encoding.TextMarshaler so identities can be used as
// JSON values and JSON map keys.
func (i Identity) MarshalText() ([]byte, error) {
	if i.IsZero() {
		return nil, fmt.Errorf("marshal empty identity")
	}
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Identity) UnmarshalText(b []byte) error {
	id, err := ParseIdentity(string(b))
	if err != nil {
		return err
	}
	*i = id
	return nil
}

// ParseIdentity parses the text form produced by String.
func ParseIdentity(s string) (Identity, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return Identity{}, fmt.Errorf("invalid identity %q", s)
	}
	switch IdentityKind(kind) {
	case KindServer, KindLocal:
		return Identity{Kind: IdentityKind(kind), Value: value}, nil
	default:
		return Identity{}, fmt.Errorf("invalid identity kind %q", kind)
	}
}

// ServerIDs converts raw server ids into identities.
func ServerIDs(ids ...string) []Identity {
	out := make([]Identity, 0, len(ids))
	for _, id := range ids {
		out = append(out, ServerID(id))
	}
	return out
}
