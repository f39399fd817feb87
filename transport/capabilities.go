package transport

// Capabilities describes the features of a transport channel. The transport
// manager surfaces these through its debug info.
type Capabilities struct {
	// Name is the channel's registered name.
	Name string

	// Scope is the widest delivery scope the channel serves.
	Scope Scope

	// Ordered indicates that messages from one sender arrive in emission
	// order at the receiver.
	Ordered bool

	// Persistent indicates the link survives process restarts. None of the
	// built-in channels are persistent; delivery across a disconnect gap is
	// at-most-once.
	Persistent bool

	// Reconnects indicates the channel re-establishes a dropped link on its
	// own.
	Reconnects bool

	// MaxPayload is the maximum serialized envelope size in bytes
	// (0 = unbounded).
	MaxPayload int64
}

// Predefined capability sets for the built-in channels.
var (
	// LocalCapabilities describes the in-process direct channel.
	LocalCapabilities = Capabilities{
		Name:    "local",
		Scope:   ScopeLocal,
		Ordered: true,
	}

	// CrosstabCapabilities describes the same-host broadcast channel.
	CrosstabCapabilities = Capabilities{
		Name:       "crosstab",
		Scope:      ScopeCrossCanvas,
		Ordered:    true,
		MaxPayload: 256 << 10,
	}

	// RelayCapabilities describes the networked relay channel.
	RelayCapabilities = Capabilities{
		Name:       "relay",
		Scope:      ScopeMultiUser,
		Ordered:    true,
		Reconnects: true,
	}
)
