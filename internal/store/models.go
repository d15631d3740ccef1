package store

import "time"

// KeyStatus is the lifecycle state of an access key. Transitions only move
// forward: pending → active → one of the terminal states. Terminal states
// are sinks — a disconnected key cannot come back.
type KeyStatus string

const (
	StatusPending      KeyStatus = "pending"      // issued, not yet used by a client
	StatusActive       KeyStatus = "active"       // a client logged in with this key
	StatusExpired      KeyStatus = "expired"      // TTL elapsed
	StatusRevoked      KeyStatus = "revoked"      // administratively killed
	StatusDisconnected KeyStatus = "disconnected" // client closed its proxy
)

// Terminal reports whether s is a sink state.
func (s KeyStatus) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked || s == StatusDisconnected
}

// Live reports whether a key in this state holds its remote port.
func (s KeyStatus) Live() bool {
	return s == StatusPending || s == StatusActive
}

// AccessKey is one issued tunnel credential. A key authorizes exactly one
// proxy on exactly one remote port during its TTL. Ports held by pending or
// active keys are exclusive; terminal records keep their port value for
// forensics but no longer hold it.
type AccessKey struct {
	ID          int64      `json:"id"`
	TunnelID    string     `json:"tunnel_id"` // human-facing, "T-" + 8 hex
	Key         string     `json:"key"`       // prefix + 32 hex, CSPRNG
	UserID      string     `json:"user_id"`
	UserName    string     `json:"user_name"`
	GroupID     string     `json:"group_id,omitempty"` // chat group of origin, for notifications
	GameType    string     `json:"game_type"`
	Status      KeyStatus  `json:"status"`
	RemotePort  int        `json:"remote_port"`
	ProxyName   string     `json:"proxy_name"`          // "ff-{id}-{abbr}", stable after creation
	ClientID    string     `json:"client_id,omitempty"` // frps run id, set on activation
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Expired reports whether the key's TTL has elapsed at the given instant.
func (k *AccessKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.After(now)
}

// -----------------------------------------------------------------------------
// Audit log
// -----------------------------------------------------------------------------

// Audit event types.
const (
	EventKeyCreated      = "key_created"
	EventKeyActivated    = "key_activated"
	EventKeyExpired      = "key_expired"
	EventKeyRevoked      = "key_revoked"
	EventKeyDisconnected = "key_disconnected"
	EventProxyOpened     = "proxy_opened"
	EventProxyClosed     = "proxy_closed"
	EventClientRejected  = "client_rejected"
)

// AuditEntry is one append-only audit record. Entries are never updated or
// deleted; ids are monotonic in write order.
type AuditEntry struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	KeyID     int64     `json:"key_id,omitempty"` // 0 when the event has no key
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyPrefix returns the loggable prefix of an access key. Full keys must
// never reach logs, audit details, or chat replies other than the original
// `open` response.
func KeyPrefix(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10] + "…"
}
