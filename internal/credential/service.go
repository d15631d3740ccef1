// Package credential owns the access-key lifecycle: issuing keys, validating
// them for clients, activating them on frps login, and driving them into
// their terminal states. All state mutations in the process funnel through
// the Service's single mutex, so port allocation plus the insert that
// records it execute as one unit and two transitions on the same key can
// never interleave.
package credential

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/metrics"
	"github.com/AerNos/firefrp-server/internal/ports"
	"github.com/AerNos/firefrp-server/internal/store"
)

const (
	// MaxLiveKeysPerUser caps pending+active keys per chat user.
	MaxLiveKeysPerUser = 3
	// MaxOpensPerGroupPerHour caps successful opens per group per rolling hour.
	MaxOpensPerGroupPerHour = 10
	// MinTTL is the smallest accepted key lifetime.
	MinTTL = 5 * time.Minute

	idRetries = 5
)

// Config wires a Service.
type Config struct {
	Store     *store.Store
	Allocator *ports.Allocator
	Rejects   *RejectSet
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	KeyPrefix string
}

// Service is the single writer for access-key state.
//
// The zero value is not usable — create instances with New.
type Service struct {
	mu        sync.Mutex
	st        *store.Store
	alloc     *ports.Allocator
	rejects   *RejectSet
	metrics   *metrics.Metrics
	log       *zap.Logger
	keyPrefix string

	now func() time.Time
}

// New creates the service.
func New(cfg Config) *Service {
	return &Service{
		st:        cfg.Store,
		alloc:     cfg.Allocator,
		rejects:   cfg.Rejects,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.Named("credential"),
		keyPrefix: cfg.KeyPrefix,
		now:       time.Now,
	}
}

// CreateParams describes one `open` request. GameType must already be the
// canonical whitelist value.
type CreateParams struct {
	UserID   string
	UserName string
	GroupID  string
	GameType string
	TTL      time.Duration
}

// Create allocates a port, generates the key material, and persists the new
// pending record. It fails with ErrUserLimit / ErrGroupLimit /
// ports.ErrPoolExhausted before anything is written; store failures leave no
// partial record behind.
func (s *Service) Create(p CreateParams) (*store.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()

	live := s.st.FilterKeys(func(k *store.AccessKey) bool { return k.Status.Live() })

	userLive := 0
	held := make(map[int]bool, len(live))
	for _, k := range live {
		held[k.RemotePort] = true
		if k.UserID == p.UserID {
			userLive++
		}
	}
	if userLive >= MaxLiveKeysPerUser {
		return nil, ErrUserLimit
	}

	if p.GroupID != "" {
		windowStart := now.Add(-time.Hour)
		opens := len(s.st.FilterKeys(func(k *store.AccessKey) bool {
			return k.GroupID == p.GroupID && k.CreatedAt.After(windowStart)
		}))
		if opens >= MaxOpensPerGroupPerHour {
			return nil, ErrGroupLimit
		}
	}

	port, err := s.alloc.Allocate(held)
	if err != nil {
		return nil, err
	}

	key, err := s.uniqueKey()
	if err != nil {
		return nil, err
	}
	tunnelID, err := s.uniqueTunnelID()
	if err != nil {
		return nil, err
	}

	rec := &store.AccessKey{
		TunnelID:   tunnelID,
		Key:        key,
		UserID:     p.UserID,
		UserName:   p.UserName,
		GroupID:    p.GroupID,
		GameType:   p.GameType,
		Status:     store.StatusPending,
		RemotePort: port,
		CreatedAt:  now,
		ExpiresAt:  now.Add(p.TTL),
		UpdatedAt:  now,
	}
	if err := s.st.InsertKey(rec); err != nil {
		return nil, fmt.Errorf("credential: persist new key: %w", err)
	}
	// The proxy name needs the assigned id, so it is written in a second pass.
	if err := s.st.UpdateKey(rec.ID, func(k *store.AccessKey) {
		k.ProxyName = proxyName(rec.ID, p.GameType)
	}); err != nil {
		// Do not leave a half-initialized record behind.
		if delErr := s.st.DeleteKey(rec.ID); delErr != nil {
			s.log.Error("rollback of partial key failed",
				zap.Int64("id", rec.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("credential: set proxy name: %w", err)
	}

	s.audit(store.EventKeyCreated, rec.ID, fmt.Sprintf(
		"tunnel=%s user=%s game=%s port=%d ttl=%s key=%s",
		rec.TunnelID, p.UserID, p.GameType, port, p.TTL, store.KeyPrefix(key)))

	s.metrics.KeysCreated.Inc()
	s.updateGauges()
	s.log.Info("access key created",
		zap.String("tunnel_id", rec.TunnelID),
		zap.String("user_id", p.UserID),
		zap.String("game", p.GameType),
		zap.Int("remote_port", port),
		zap.Time("expires_at", rec.ExpiresAt))
	return snapshot(rec), nil
}

func (s *Service) uniqueKey() (string, error) {
	for i := 0; i < idRetries; i++ {
		k, err := newKey(s.keyPrefix)
		if err != nil {
			return "", err
		}
		if s.st.FindKeyByKey(k) == nil {
			return k, nil
		}
	}
	return "", errors.New("credential: could not generate a unique key")
}

func (s *Service) uniqueTunnelID() (string, error) {
	for i := 0; i < idRetries; i++ {
		id, err := newTunnelID()
		if err != nil {
			return "", err
		}
		if s.st.FindKeyByTunnelID(id) == nil {
			return id, nil
		}
	}
	return "", errors.New("credential: could not generate a unique tunnel id")
}

// Validate classifies key for the client API. It never advances state except
// for the lazy pending→expired transition when the TTL has already elapsed.
// The returned record is a copy; Code "" means the key is valid.
func (s *Service) Validate(key string) (*store.AccessKey, Code) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.st.FindKeyByKey(key)
	if rec == nil {
		return nil, CodeKeyNotFound
	}

	switch rec.Status {
	case store.StatusPending:
		if rec.Expired(s.now()) {
			if err := s.terminateLocked(rec, store.StatusExpired, store.EventKeyExpired, "lazy expiry on validate"); err != nil {
				s.log.Error("lazy expiry failed", zap.Int64("id", rec.ID), zap.Error(err))
			}
			return snapshot(rec), CodeKeyExpired
		}
		return snapshot(rec), CodeOK
	case store.StatusActive:
		return snapshot(rec), CodeKeyAlreadyUsed
	case store.StatusExpired:
		return snapshot(rec), CodeKeyExpired
	case store.StatusRevoked:
		return snapshot(rec), CodeKeyRevoked
	default:
		return snapshot(rec), CodeKeyDisconnected
	}
}

// Activate moves a pending, unexpired key to active, recording the frps run
// id. The returned bool is false when the key is missing, not pending, or
// already past its TTL; the caller decides how to reject.
func (s *Service) Activate(key, clientID string) (*store.AccessKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()

	rec := s.st.FindKeyByKey(key)
	if rec == nil || rec.Status != store.StatusPending || rec.Expired(now) {
		return nil, false
	}

	if err := s.st.UpdateKey(rec.ID, func(k *store.AccessKey) {
		k.Status = store.StatusActive
		k.ClientID = clientID
		k.ActivatedAt = &now
		k.UpdatedAt = now
	}); err != nil {
		s.log.Error("activation write failed", zap.Int64("id", rec.ID), zap.Error(err))
		return nil, false
	}

	s.audit(store.EventKeyActivated, rec.ID, "client="+clientID)
	s.metrics.KeysActivated.Inc()
	s.updateGauges()
	s.log.Info("access key activated",
		zap.String("tunnel_id", rec.TunnelID),
		zap.String("client_id", clientID))
	return snapshot(rec), true
}

// Expire forces the key with the given id into the expired state.
func (s *Service) Expire(id int64) (*store.AccessKey, error) {
	return s.terminateByID(id, store.StatusExpired, store.EventKeyExpired, "")
}

// Revoke kills the key with the given id (admin kick).
func (s *Service) Revoke(id int64) (*store.AccessKey, error) {
	return s.terminateByID(id, store.StatusRevoked, store.EventKeyRevoked, "")
}

// Disconnect terminates the key after its client closed the proxy.
func (s *Service) Disconnect(key string) (*store.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.st.FindKeyByKey(key)
	if rec == nil {
		return nil, ErrNotFound
	}
	if err := s.terminateLocked(rec, store.StatusDisconnected, store.EventKeyDisconnected, ""); err != nil {
		return nil, err
	}
	return snapshot(rec), nil
}

func (s *Service) terminateByID(id int64, to store.KeyStatus, event, details string) (*store.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.st.FindKeyByID(id)
	if rec == nil {
		return nil, ErrNotFound
	}
	if err := s.terminateLocked(rec, to, event, details); err != nil {
		return nil, err
	}
	return snapshot(rec), nil
}

// terminateLocked performs a guarded non-terminal→terminal transition and
// synchronously adds the key to the reject set. Callers hold s.mu.
func (s *Service) terminateLocked(rec *store.AccessKey, to store.KeyStatus, event, details string) error {
	if rec.Status.Terminal() {
		return ErrTerminal
	}
	now := s.now().UTC()
	if err := s.st.UpdateKey(rec.ID, func(k *store.AccessKey) {
		k.Status = to
		k.UpdatedAt = now
	}); err != nil {
		return fmt.Errorf("credential: transition to %s: %w", to, err)
	}
	s.rejects.addAt(rec.Key, now)
	s.audit(event, rec.ID, details)

	switch to {
	case store.StatusExpired:
		s.metrics.KeysExpired.Inc()
	case store.StatusRevoked:
		s.metrics.KeysRevoked.Inc()
	case store.StatusDisconnected:
		s.metrics.KeysDisconnected.Inc()
	}
	s.updateGauges()
	s.log.Info("access key terminated",
		zap.String("tunnel_id", rec.TunnelID),
		zap.String("status", string(to)))
	return nil
}

// ExpireDue transitions every live key whose TTL elapsed and returns how
// many were expired. Per-record failures are logged and do not stop the
// scan.
func (s *Service) ExpireDue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	due := s.st.FilterKeys(func(k *store.AccessKey) bool {
		return k.Status.Live() && k.Expired(now)
	})
	n := 0
	for _, rec := range due {
		if err := s.terminateLocked(rec, store.StatusExpired, store.EventKeyExpired, "ttl sweep"); err != nil {
			s.log.Error("sweep expiry failed", zap.Int64("id", rec.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// Audit appends one audit entry outside a lifecycle transition (plugin
// events like proxy_opened). Failures are logged, not propagated.
func (s *Service) Audit(event string, keyID int64, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit(event, keyID, details)
}

// audit writes an entry while holding s.mu; persistence failures are logged
// because the triggering transition already committed.
func (s *Service) audit(event string, keyID int64, details string) {
	if err := s.st.AppendAudit(event, keyID, details); err != nil {
		s.log.Error("audit append failed",
			zap.String("event", event), zap.Int64("key_id", keyID), zap.Error(err))
	}
}

func (s *Service) updateGauges() {
	active, allocated := 0, 0
	for _, k := range s.st.AllKeys() {
		if k.Status == store.StatusActive {
			active++
		}
		if k.Status.Live() {
			allocated++
		}
	}
	s.metrics.ActiveTunnels.Set(float64(active))
	s.metrics.AllocatedPorts.Set(float64(allocated))
}

// -----------------------------------------------------------------------------
// Queries (snapshot copies)
// -----------------------------------------------------------------------------

// GetByKey returns a copy of the record for key, or nil.
func (s *Service) GetByKey(key string) *store.AccessKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.st.FindKeyByKey(key))
}

// GetByTunnelID returns a copy of the record for the tunnel id, or nil.
func (s *Service) GetByTunnelID(tunnelID string) *store.AccessKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.st.FindKeyByTunnelID(tunnelID))
}

// LiveByUser returns copies of the user's pending and active keys.
func (s *Service) LiveByUser(userID string) []*store.AccessKey {
	return s.liveWhere(func(k *store.AccessKey) bool { return k.UserID == userID })
}

// LiveByGroup returns copies of the group's pending and active keys.
func (s *Service) LiveByGroup(groupID string) []*store.AccessKey {
	return s.liveWhere(func(k *store.AccessKey) bool { return k.GroupID == groupID })
}

// AllLive returns copies of every pending and active key.
func (s *Service) AllLive() []*store.AccessKey {
	return s.liveWhere(func(*store.AccessKey) bool { return true })
}

// IsPortAllocated reports whether a pending or active key holds port.
func (s *Service) IsPortAllocated(port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.st.AllKeys() {
		if k.Status.Live() && k.RemotePort == port {
			return true
		}
	}
	return false
}

func (s *Service) liveWhere(pred func(*store.AccessKey) bool) []*store.AccessKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.st.FilterKeys(func(k *store.AccessKey) bool {
		return k.Status.Live() && pred(k)
	})
	out := make([]*store.AccessKey, len(recs))
	for i, r := range recs {
		out[i] = snapshot(r)
	}
	return out
}

// snapshot deep-copies a record so callers never alias store memory.
func snapshot(k *store.AccessKey) *store.AccessKey {
	if k == nil {
		return nil
	}
	c := *k
	if k.ActivatedAt != nil {
		t := *k.ActivatedAt
		c.ActivatedAt = &t
	}
	return &c
}
