// Package hub implements the Real-Time Hub (C9): a single in-process
// fan-out registry keyed by tenant and by location, fed by the ingest
// pipeline (C5) and the subscription lifecycle sweeper (C10), and drained
// by WebSocket sessions.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pitwatch/sentinel/internal/identity"
	"github.com/pitwatch/sentinel/internal/telemetry"
	"github.com/pitwatch/sentinel/pkg/model"
)

// errUnauthorizedTenant is returned by SubscribeTenant when the session's
// role or tenant membership doesn't permit the requested subscription.
var errUnauthorizedTenant = errors.New("hub: not authorized for this tenant subscription")

// Server-to-client event names (§4.9, §6).
const (
	EventSensorUpdate  = "sensor_update"
	EventJobStatus     = "job_status"
	EventAlert         = "alert"
	EventDeviceOffline = "device_offline"
	EventDeviceOnline  = "device_online"
	EventCameraOffline = "camera_offline"
	EventPong          = "pong"
	EventSubscribed    = "subscribed"
	EventError         = "error"
)

// Event is the envelope for every server-to-client message.
type Event struct {
	Event      string `json:"event"`
	Data       any    `json:"data,omitempty"`
	LocationID *int64 `json:"location_id,omitempty"`
	TenantID   *int64 `json:"tenant_id,omitempty"`
	Message    string `json:"message,omitempty"`
}

// operatorRoles are the roles permitted to hold a tenant-scoped
// subscription (operator dashboards); every other role is treated as a
// customer, limited to location-scoped subscriptions.
var operatorRoles = map[string]bool{
	identity.RolePlatformAdmin: true,
	identity.RoleTenantAdmin:   true,
	identity.RoleOperator:      true,
}

// Subscriber is anything the hub can deliver an Event to. Sessions
// (session.go) are the production implementation; tests use a fake.
type Subscriber interface {
	Claims() Claims
	// Send delivers event without blocking. It returns false when the
	// subscriber could not accept it (full buffer, closed transport) — the
	// hub then evicts the subscriber from every partition (§4.9 detail
	// floor: a failing send removes the subscriber, it is never retried).
	Send(event Event) bool
}

type membership struct {
	tenants   map[int64]bool
	locations map[int64]bool
}

// Hub is the fan-out registry. Zero value is not usable; use NewHub.
type Hub struct {
	mu          sync.RWMutex
	byTenant    map[int64]map[Subscriber]struct{}
	byLocation  map[int64]map[Subscriber]struct{}
	memberships map[Subscriber]*membership
	logger      *slog.Logger

	rdb     *redis.Client // nil degrades the hub to single-replica fan-out only
	channel string
}

// NewHub creates an empty Hub. rdb and channel wire the cross-replica
// relay (§4.9); a nil rdb is valid and leaves every replica's hub
// broadcasting only to its own local subscribers.
func NewHub(logger *slog.Logger, rdb *redis.Client, channel string) *Hub {
	if rdb == nil {
		logger.Info("hub: no redis client configured, broadcasts are local to this replica only")
	}
	return &Hub{
		byTenant:    make(map[int64]map[Subscriber]struct{}),
		byLocation:  make(map[int64]map[Subscriber]struct{}),
		memberships: make(map[Subscriber]*membership),
		logger:      logger,
		rdb:         rdb,
		channel:     channel,
	}
}

// relayedEvent is the wire shape published to and received from the
// cross-replica Redis channel. Scope carries which partition the event
// targets so a receiving replica re-broadcasts to the right local
// subscribers without re-publishing (avoiding an infinite relay loop).
type relayedEvent struct {
	Scope      string `json:"scope"` // "tenant" or "location"
	TenantID   int64  `json:"tenant_id,omitempty"`
	LocationID int64  `json:"location_id,omitempty"`
	Event      Event  `json:"event"`
}

// Run subscribes to the cross-replica relay channel and re-broadcasts
// every event received from another replica to this replica's local
// subscribers. It blocks until ctx is cancelled. A nil rdb makes Run a
// no-op, so every mode can call it unconditionally.
func (h *Hub) Run(ctx context.Context) error {
	if h.rdb == nil {
		<-ctx.Done()
		return nil
	}

	pubsub := h.rdb.Subscribe(ctx, h.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var relayed relayedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &relayed); err != nil {
				h.logger.Warn("hub: discarding malformed relay event", "error", err)
				continue
			}
			switch relayed.Scope {
			case "tenant":
				h.broadcast(h.snapshot(h.byTenant, relayed.TenantID), relayed.Event)
			case "location":
				h.broadcast(h.snapshot(h.byLocation, relayed.LocationID), relayed.Event)
			}
		}
	}
}

// publishRelay fans event out to every other replica. Failures are
// logged and swallowed: the relay is an accelerator for horizontal
// scale-out, not a delivery guarantee (P4).
func (h *Hub) publishRelay(scope string, tenantID, locationID int64, event Event) {
	if h.rdb == nil {
		return
	}
	payload, err := json.Marshal(relayedEvent{Scope: scope, TenantID: tenantID, LocationID: locationID, Event: event})
	if err != nil {
		h.logger.Warn("hub: encoding relay event failed", "error", err)
		return
	}
	if err := h.rdb.Publish(context.Background(), h.channel, payload).Err(); err != nil {
		h.logger.Warn("hub: publishing relay event failed", "error", err)
	}
}

// Add registers a newly connected subscriber with no partition membership
// yet.
func (h *Hub) Add(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.memberships[sub] = &membership{tenants: map[int64]bool{}, locations: map[int64]bool{}}
	telemetry.HubConnectionsActive.Inc()
}

// Remove evicts sub from every partition it belongs to.
func (h *Hub) Remove(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub Subscriber) {
	m, ok := h.memberships[sub]
	if !ok {
		return
	}
	for tenantID := range m.tenants {
		delete(h.byTenant[tenantID], sub)
	}
	for locationID := range m.locations {
		delete(h.byLocation[locationID], sub)
	}
	delete(h.memberships, sub)
	telemetry.HubConnectionsActive.Dec()
}

// SubscribeTenant adds sub to a tenant-scoped partition. Authorization:
// the session's role must be an operator-scoped role, and the session
// must either be a platform admin or belong to that tenant (§4.9).
func (h *Hub) SubscribeTenant(sub Subscriber, tenantID int64) error {
	claims := sub.Claims()
	if !operatorRoles[claims.Role] {
		return errUnauthorizedTenant
	}
	if claims.Role != identity.RolePlatformAdmin {
		if claims.TenantID == nil || *claims.TenantID != tenantID {
			return errUnauthorizedTenant
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byTenant[tenantID] == nil {
		h.byTenant[tenantID] = make(map[Subscriber]struct{})
	}
	h.byTenant[tenantID][sub] = struct{}{}
	if m := h.memberships[sub]; m != nil {
		m.tenants[tenantID] = true
	}
	return nil
}

// SubscribeLocation adds sub to a location-scoped partition. Any
// authenticated session may subscribe; membership enforcement for
// customer-held location tokens is the issuer's responsibility (§4.9).
func (h *Hub) SubscribeLocation(sub Subscriber, locationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byLocation[locationID] == nil {
		h.byLocation[locationID] = make(map[Subscriber]struct{})
	}
	h.byLocation[locationID][sub] = struct{}{}
	if m := h.memberships[sub]; m != nil {
		m.locations[locationID] = true
	}
}

// UnsubscribeLocation removes sub from a location-scoped partition.
func (h *Hub) UnsubscribeLocation(sub Subscriber, locationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byLocation[locationID], sub)
	if m := h.memberships[sub]; m != nil {
		delete(m.locations, locationID)
	}
}

// BroadcastToTenant delivers event to every tenant-scoped subscriber of
// tenantID. A subscriber whose Send fails is evicted from every
// partition, never retried.
func (h *Hub) BroadcastToTenant(tenantID int64, event Event) {
	h.broadcast(h.snapshot(h.byTenant, tenantID), event)
	h.publishRelay("tenant", tenantID, 0, event)
}

// BroadcastToLocation delivers event to every location-scoped subscriber
// of locationID.
func (h *Hub) BroadcastToLocation(locationID int64, event Event) {
	h.broadcast(h.snapshot(h.byLocation, locationID), event)
	h.publishRelay("location", 0, locationID, event)
}

func (h *Hub) snapshot(partitions map[int64]map[Subscriber]struct{}, id int64) []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := partitions[id]
	out := make([]Subscriber, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) broadcast(subs []Subscriber, event Event) {
	var failed []Subscriber
	for _, sub := range subs {
		if !sub.Send(event) {
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		h.Remove(sub)
	}
}

// SensorUpdate implements ingest.Fanout: exactly one broadcast per
// persisted reading, scoped to its tenant and location (§4.9 detail
// floor).
func (h *Hub) SensorUpdate(ctx context.Context, tenantID, locationID int64, r model.Reading) {
	event := Event{Event: EventSensorUpdate, Data: r, TenantID: &tenantID, LocationID: &locationID}
	h.BroadcastToTenant(tenantID, event)
	h.BroadcastToLocation(locationID, event)
}

// Alert implements ingest.Fanout.
func (h *Hub) Alert(ctx context.Context, tenantID, locationID int64, a model.Alert) {
	event := Event{Event: EventAlert, Data: a, TenantID: &tenantID, LocationID: &locationID}
	h.BroadcastToTenant(tenantID, event)
	h.BroadcastToLocation(locationID, event)
}

// DeviceOffline broadcasts a device_offline event, raised by the stale
// device sweeper alongside the corresponding alert.
func (h *Hub) DeviceOffline(tenantID, locationID int64, deviceID string) {
	event := Event{Event: EventDeviceOffline, Data: map[string]string{"device_id": deviceID}, TenantID: &tenantID, LocationID: &locationID}
	h.BroadcastToTenant(tenantID, event)
	h.BroadcastToLocation(locationID, event)
}

// DeviceOnline broadcasts a device_online event when a previously offline
// device reports back in.
func (h *Hub) DeviceOnline(tenantID, locationID int64, deviceID string) {
	event := Event{Event: EventDeviceOnline, Data: map[string]string{"device_id": deviceID}, TenantID: &tenantID, LocationID: &locationID}
	h.BroadcastToTenant(tenantID, event)
	h.BroadcastToLocation(locationID, event)
}

// CameraOffline broadcasts a camera_offline event.
func (h *Hub) CameraOffline(tenantID, locationID int64, cameraID string) {
	event := Event{Event: EventCameraOffline, Data: map[string]string{"camera_id": cameraID}, TenantID: &tenantID, LocationID: &locationID}
	h.BroadcastToTenant(tenantID, event)
	h.BroadcastToLocation(locationID, event)
}
