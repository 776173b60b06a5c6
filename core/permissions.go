package core

// FetchPermissions scopes what a remote peer may fetch.
type FetchPermissions struct {
	// Active gates fetch entirely.
	Active bool `yaml:"active"`

	// AllowTrigger permits subscriptions (trigger node / interval).
	AllowTrigger bool `yaml:"allowTrigger"`

	// AllowNodeTypes whitelists match node types by byte prefix.
	AllowNodeTypes [][]byte `yaml:"allowNodeTypes"`

	// AllowEmbed whitelists embeddable node types; inbound embed entries
	// are intersected against it.
	AllowEmbed []AllowEmbed `yaml:"allowEmbed"`

	// AllowAlgos whitelists CRDT algorithms.
	AllowAlgos []string `yaml:"allowAlgos"`

	// AllowReadBlob permits the read-blob request.
	AllowReadBlob bool `yaml:"allowReadBlob"`
}

// StorePermissions scopes what a remote peer may store.
type StorePermissions struct {
	Active         bool `yaml:"active"`
	AllowWriteBlob bool `yaml:"allowWriteBlob"`
}

// P2PClientPermissions is the per-connection permission set enforced on
// every inbound request before it reaches the application handler.
type P2PClientPermissions struct {
	// AllowUncheckedAccess skips rewriting sourcePublicKey to the
	// handshaked remote key.
	AllowUncheckedAccess bool `yaml:"allowUncheckedAccess"`

	Fetch FetchPermissions `yaml:"fetch"`
	Store StorePermissions `yaml:"store"`
}

// PermissionsLocked denies everything; only unsubscribe and generic
// messages pass (with key rewriting).
func PermissionsLocked() P2PClientPermissions {
	return P2PClientPermissions{}
}

// PermissionsDefault permits fetching base-node types without triggers and
// denies storing.
func PermissionsDefault() P2PClientPermissions {
	return P2PClientPermissions{
		Fetch: FetchPermissions{
			Active:         true,
			AllowNodeTypes: [][]byte{append([]byte(nil), TypeNode...)},
		},
	}
}

// PermissionsPermissive permits all fetches and stores, still rewriting the
// source key.
func PermissionsPermissive() P2PClientPermissions {
	return P2PClientPermissions{
		Fetch: FetchPermissions{
			Active:         true,
			AllowTrigger:   true,
			AllowNodeTypes: [][]byte{append([]byte(nil), TypeNode...)},
			AllowEmbed: []AllowEmbed{
				{NodeType: append([]byte(nil), TypeNode...)},
			},
			AllowAlgos:    []string{"sorted", "reverse"},
			AllowReadBlob: true,
		},
		Store: StorePermissions{
			Active:         true,
			AllowWriteBlob: true,
		},
	}
}

// PermissionsUncheckedPermissive is PermissionsPermissive without source
// key rewriting.
func PermissionsUncheckedPermissive() P2PClientPermissions {
	p := PermissionsPermissive()
	p.AllowUncheckedAccess = true
	return p
}
