// Package orchestrator drives the order lifecycle: purchase, server
// procurement, protocol configuration, peer issuance, cancellation and
// expiry. It owns the state machine and every compensation path; storage,
// procurement, and protocol adapters are capabilities injected at
// construction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tunnelbay/tunnelbay/internal/domain/order"
	"github.com/tunnelbay/tunnelbay/internal/locks"
	"github.com/tunnelbay/tunnelbay/internal/metrics"
	"github.com/tunnelbay/tunnelbay/internal/notify"
	"github.com/tunnelbay/tunnelbay/internal/procure"
	"github.com/tunnelbay/tunnelbay/internal/protocol"
	"github.com/tunnelbay/tunnelbay/internal/remote"
	"github.com/tunnelbay/tunnelbay/internal/storage"
	"github.com/tunnelbay/tunnelbay/pkg/logger"
)

// Provisioner is the procurement surface the orchestrator needs.
// *procure.Client satisfies it.
type Provisioner interface {
	ListDatacenters(ctx context.Context) ([]procure.Datacenter, error)
	DatacenterAvailable(ctx context.Context, datacenterID string) (bool, error)
	SelectCheapestTariff(ctx context.Context, datacenterID string, plan procure.Plan) (procure.Tariff, error)
	CreateServer(ctx context.Context, tariff procure.Tariff) (string, error)
	PollUntilReady(ctx context.Context, externalID string) (string, error)
	FetchCredentials(ctx context.Context, externalID string) (procure.Credentials, error)
	DeleteServer(ctx context.Context, externalID string) (bool, error)
}

// Biller is the balance surface the orchestrator needs. *billing.Manager
// satisfies it.
type Biller interface {
	Debit(ctx context.Context, userID string, amount int64, referenceID string) error
	Refund(ctx context.Context, userID string, amount int64, referenceID string) error
}

// Config holds lifecycle policy.
type Config struct {
	// BasePrice plus PricePerPeer*capacity is the monthly charge, in minor
	// units.
	BasePrice    int64
	PricePerPeer int64
	// TermDays is the paid rental term.
	TermDays int
	// SSHPort servers listen on after provisioning.
	SSHPort int
	// ExpireSweepLimit caps orders handled per expiry sweep.
	ExpireSweepLimit int
}

func (c *Config) withDefaults() {
	if c.TermDays == 0 {
		c.TermDays = 30
	}
	if c.SSHPort == 0 {
		c.SSHPort = 22
	}
	if c.ExpireSweepLimit == 0 {
		c.ExpireSweepLimit = 50
	}
}

// Orchestrator runs the order state machine.
type Orchestrator struct {
	db        storage.Store
	locks     *locks.Registry
	heavy     *locks.Admission
	light     *locks.Admission
	provision Provisioner
	protocols *protocol.Registry
	billing   Biller
	notifier  *notify.Notifier
	config    Config
	log       *logger.Logger
}

// New creates an orchestrator.
func New(db storage.Store, reg *locks.Registry, heavy, light *locks.Admission, provision Provisioner, protocols *protocol.Registry, billing Biller, notifier *notify.Notifier, config Config, log *logger.Logger) *Orchestrator {
	config.withDefaults()
	if log == nil {
		log = logger.NewDefault("orchestrator")
	}
	return &Orchestrator{
		db:        db,
		locks:     reg,
		heavy:     heavy,
		light:     light,
		provision: provision,
		protocols: protocols,
		billing:   billing,
		notifier:  notifier,
		config:    config,
		log:       log,
	}
}

// Price returns the charge for an order of the given capacity.
func (o *Orchestrator) Price(capacity int) int64 {
	return o.config.BasePrice + o.config.PricePerPeer*int64(capacity)
}

// PlaceOrder charges the owner, procures a server, configures the protocol,
// and issues the first peer. On any failure after the charge it compensates:
// the balance is refunded, any created server is torn down best-effort, and
// the order lands in the failed state.
func (o *Orchestrator) PlaceOrder(ctx context.Context, ownerID, protocolTag string, capacity int) (order.Order, error) {
	start := time.Now()
	ord, err := o.placeOrder(ctx, ownerID, protocolTag, capacity)
	outcome := "active"
	if err != nil {
		outcome = "failed"
	}
	metrics.RecordOrderOutcome(protocolTag, outcome, time.Since(start))
	return ord, err
}

func (o *Orchestrator) placeOrder(ctx context.Context, ownerID, protocolTag string, capacity int) (order.Order, error) {
	adapter, err := o.protocols.Lookup(protocolTag)
	if err != nil {
		return order.Order{}, err
	}
	if capacity <= 0 {
		return order.Order{}, fmt.Errorf("capacity must be positive, got %d", capacity)
	}

	if err := o.heavy.Acquire(ctx); err != nil {
		return order.Order{}, fmt.Errorf("provisioning admission: %w", err)
	}
	defer o.heavy.Release()

	price := o.Price(capacity)
	ord := order.Order{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Protocol:      protocolTag,
		Capacity:      capacity,
		Status:        order.StatusRequested,
		PriceSnapshot: price,
		CreatedAt:     time.Now().UTC(),
	}

	// Charge before any remote work; every later failure path refunds.
	if err := o.billing.Debit(ctx, ownerID, price, ord.ID); err != nil {
		return order.Order{}, err
	}

	ord, err = o.db.CreateOrder(ctx, ord)
	if err != nil {
		if rerr := o.billing.Refund(ctx, ownerID, price, ord.ID); rerr != nil {
			o.log.WithError(rerr).WithField("order_id", ord.ID).Error("refund after create failure")
		}
		return order.Order{}, err
	}

	// Store mutations run under the per-order lock; the remote work between
	// them does not, so a cancel issued mid-provisioning is never stuck
	// behind a slow provider.
	next, ok, err := o.advance(ctx, ord.ID, order.StatusRequested, func(x *order.Order) {
		x.Status = order.StatusProcuring
	})
	if err != nil {
		return o.fail(ctx, ord, procure.Result{}, err)
	}
	if !ok {
		return o.abandoned(ctx, next, procure.Result{})
	}
	ord = next

	result, err := o.procureServer(ctx, protocolTag, capacity)
	// The external id travels on the order row from here on so teardown has
	// a handle even when provisioning fails.
	ord.ExternalID = result.ExternalID
	if err != nil {
		return o.fail(ctx, ord, result, err)
	}

	next, ok, err = o.advance(ctx, ord.ID, order.StatusProcuring, func(x *order.Order) {
		x.ExternalID = result.ExternalID
		x.Host = result.Address
		x.Port = o.config.SSHPort
		x.Login = result.Login
		x.Secret = result.Secret
		x.Status = order.StatusConfiguring
	})
	if err != nil {
		return o.fail(ctx, ord, result, err)
	}
	if !ok {
		return o.abandoned(ctx, next, result)
	}
	ord = next

	target := o.target(ord)
	if err := adapter.Install(ctx, target); err != nil {
		return o.fail(ctx, ord, result, err)
	}
	if err := adapter.Check(ctx, target); err != nil {
		// Health probes are informational; a freshly installed server that
		// fails its first probe is logged, not torn down.
		o.log.WithError(err).WithField("order_id", ord.ID).Warn("post-install probe failed")
	}

	bundle, err := adapter.AddPeer(ctx, target, defaultPeerName(1))
	if err != nil {
		return o.fail(ctx, ord, result, err)
	}

	o.locks.Lock(ord.ID)
	cur, err := o.db.GetOrder(ctx, ord.ID)
	if err != nil {
		o.locks.Unlock(ord.ID)
		return o.fail(ctx, ord, result, err)
	}
	if cur.Status != order.StatusConfiguring {
		o.locks.Unlock(ord.ID)
		return o.abandoned(ctx, cur, result)
	}
	if _, err := o.storePeer(ctx, ord.ID, bundle); err != nil {
		o.locks.Unlock(ord.ID)
		return o.fail(ctx, ord, result, err)
	}
	cur.Status = order.StatusActive
	cur.ExpiresAt = time.Now().UTC().AddDate(0, 0, o.config.TermDays)
	cur, err = o.db.UpdateOrder(ctx, cur)
	o.locks.Unlock(ord.ID)
	if err != nil {
		return o.fail(ctx, ord, result, err)
	}
	ord = cur

	o.log.WithField("order_id", ord.ID).
		WithField("protocol", protocolTag).
		WithField("host", ord.Host).
		Info("order active")
	o.notifier.Owner(ctx, ownerID, fmt.Sprintf("Your %s tunnel is ready.", protocolTag))
	return ord, nil
}

// advance re-reads the order under its lock and applies the mutation only if
// the order is still in the expected status. ok reports whether the
// transition was applied; a false return with no error means the order was
// closed concurrently and the returned value is whatever the closer wrote.
func (o *Orchestrator) advance(ctx context.Context, orderID string, from order.Status, mutate func(*order.Order)) (order.Order, bool, error) {
	o.locks.Lock(orderID)
	defer o.locks.Unlock(orderID)

	ord, err := o.db.GetOrder(ctx, orderID)
	if err != nil {
		return order.Order{}, false, err
	}
	if ord.Status != from {
		return ord, false, nil
	}
	mutate(&ord)
	ord, err = o.db.UpdateOrder(ctx, ord)
	if err != nil {
		return ord, false, err
	}
	return ord, true, nil
}

// abandoned rolls back a provisioning run that lost its order to a concurrent
// cancel: the charge comes back, any created server is released, and the
// order row stays exactly as the canceller wrote it.
func (o *Orchestrator) abandoned(ctx context.Context, ord order.Order, result procure.Result) (order.Order, error) {
	o.log.WithField("order_id", ord.ID).
		WithField("status", string(ord.Status)).
		Warn("provisioning abandoned, order closed concurrently")

	if err := o.billing.Refund(ctx, ord.OwnerID, ord.PriceSnapshot, ord.ID); err != nil {
		o.log.WithError(err).WithField("order_id", ord.ID).Error("refund abandoned order")
	}
	if result.ExternalID != "" {
		if _, err := o.provision.DeleteServer(ctx, result.ExternalID); err != nil {
			o.log.WithError(err).
				WithField("order_id", ord.ID).
				WithField("external_id", result.ExternalID).
				Error("release abandoned server")
		}
	}
	return ord, fmt.Errorf("order %s was closed while provisioning (%s)", ord.ID, ord.Status)
}

// procureServer picks a location and tariff, creates the server, and waits
// for it to come up. The returned result carries whatever exists at failure
// time so the caller can tear it down.
func (o *Orchestrator) procureServer(ctx context.Context, protocolTag string, capacity int) (procure.Result, error) {
	var result procure.Result

	dcs, err := o.provision.ListDatacenters(ctx)
	if err != nil {
		return result, fmt.Errorf("list datacenters: %w", err)
	}
	plan := procure.PlanResources(protocolTag, capacity)

	var tariff procure.Tariff
	found := false
	for _, dc := range dcs {
		ok, err := o.provision.DatacenterAvailable(ctx, dc.ID)
		if err != nil || !ok {
			continue
		}
		t, err := o.provision.SelectCheapestTariff(ctx, dc.ID, plan)
		if err != nil {
			continue
		}
		tariff = t
		found = true
		break
	}
	if !found {
		return result, errors.New("no datacenter can satisfy the order right now")
	}

	externalID, err := o.provision.CreateServer(ctx, tariff)
	if err != nil {
		return result, fmt.Errorf("create server: %w", err)
	}
	result.ExternalID = externalID

	address, err := o.provision.PollUntilReady(ctx, externalID)
	if err != nil {
		return result, fmt.Errorf("wait for server: %w", err)
	}
	result.Address = address

	creds, err := o.provision.FetchCredentials(ctx, externalID)
	if err != nil {
		return result, fmt.Errorf("fetch credentials: %w", err)
	}
	result.Login = creds.Login
	result.Secret = creds.Secret
	return result, nil
}

// fail compensates a broken provisioning run: refund, best-effort teardown of
// any created server, failed state, and notifications. The owner gets a
// sanitized message; raw diagnostics go to the operator channel only.
func (o *Orchestrator) fail(ctx context.Context, ord order.Order, result procure.Result, cause error) (order.Order, error) {
	o.log.WithError(cause).WithField("order_id", ord.ID).Error("provisioning failed")

	if err := o.billing.Refund(ctx, ord.OwnerID, ord.PriceSnapshot, ord.ID); err != nil {
		o.log.WithError(err).WithField("order_id", ord.ID).Error("compensation refund failed")
	}
	if result.ExternalID != "" {
		if _, err := o.provision.DeleteServer(ctx, result.ExternalID); err != nil {
			o.log.WithError(err).
				WithField("order_id", ord.ID).
				WithField("external_id", result.ExternalID).
				Error("compensation teardown failed")
		}
	}

	o.locks.Lock(ord.ID)
	if cur, err := o.db.GetOrder(ctx, ord.ID); err == nil && !cur.Status.Live() {
		// A concurrent cancel already closed the order; its status stands.
		ord = cur
	} else {
		ord.Status = order.StatusFailed
		if updated, err := o.db.UpdateOrder(ctx, ord); err == nil {
			ord = updated
		} else {
			o.log.WithError(err).WithField("order_id", ord.ID).Error("record failed state")
		}
	}
	o.locks.Unlock(ord.ID)

	o.notifier.Owner(ctx, ord.OwnerID, "We could not provision your tunnel. Your balance has been refunded.")
	o.notifier.Operator(ctx, fmt.Sprintf("order %s failed: %v", ord.ID, cause))
	return ord, fmt.Errorf("provision order %s: %w", ord.ID, cause)
}

// AddPeer issues one more client credential on an active order. Credentials
// are always freshly generated on the host; nothing is reused.
func (o *Orchestrator) AddPeer(ctx context.Context, orderID, name string) (order.Peer, error) {
	peer, err := o.addPeer(ctx, orderID, name)
	metrics.RecordPeerOperation("add", err == nil)
	return peer, err
}

func (o *Orchestrator) addPeer(ctx context.Context, orderID, name string) (order.Peer, error) {
	if err := o.light.Acquire(ctx); err != nil {
		return order.Peer{}, fmt.Errorf("peer admission: %w", err)
	}
	defer o.light.Release()

	o.locks.Lock(orderID)
	defer o.locks.Unlock(orderID)

	ord, err := o.db.GetOrder(ctx, orderID)
	if err != nil {
		return order.Peer{}, err
	}
	if ord.Status != order.StatusActive {
		return order.Peer{}, fmt.Errorf("order %s is %s, not active", orderID, ord.Status)
	}

	count, err := o.db.CountPeers(ctx, orderID)
	if err != nil {
		return order.Peer{}, err
	}
	if count >= ord.Capacity {
		return order.Peer{}, fmt.Errorf("%w: order %s holds %d of %d peers", storage.ErrCapacityExceeded, orderID, count, ord.Capacity)
	}

	adapter, err := o.protocols.Lookup(ord.Protocol)
	if err != nil {
		return order.Peer{}, err
	}
	if name == "" {
		name = defaultPeerName(count + 1)
	}

	bundle, err := adapter.AddPeer(ctx, o.target(ord), name)
	if err != nil {
		return order.Peer{}, err
	}
	peer, err := o.storePeer(ctx, orderID, bundle)
	if err != nil {
		// The credential exists on the host but not in the store; revoke it
		// so the capacity invariant holds on the wire too.
		if rerr := adapter.RemovePeer(ctx, o.target(ord), bundle.PublicRef); rerr != nil {
			o.log.WithError(rerr).
				WithField("order_id", orderID).
				WithField("peer_ref", bundle.PublicRef).
				Error("revoke orphaned credential")
		}
		return order.Peer{}, err
	}
	return peer, nil
}

// RemovePeer revokes a credential on the host and deletes its record.
func (o *Orchestrator) RemovePeer(ctx context.Context, orderID, peerID string) error {
	err := o.removePeer(ctx, orderID, peerID)
	metrics.RecordPeerOperation("remove", err == nil)
	return err
}

func (o *Orchestrator) removePeer(ctx context.Context, orderID, peerID string) error {
	if err := o.light.Acquire(ctx); err != nil {
		return fmt.Errorf("peer admission: %w", err)
	}
	defer o.light.Release()

	o.locks.Lock(orderID)
	defer o.locks.Unlock(orderID)

	ord, err := o.db.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	peer, err := o.db.GetPeer(ctx, peerID)
	if err != nil {
		return err
	}
	if peer.OrderID != orderID {
		return fmt.Errorf("peer %s does not belong to order %s", peerID, orderID)
	}

	if ord.Status == order.StatusActive {
		adapter, err := o.protocols.Lookup(ord.Protocol)
		if err != nil {
			return err
		}
		if err := adapter.RemovePeer(ctx, o.target(ord), peer.PublicRef); err != nil {
			return err
		}
	}
	return o.db.DeletePeer(ctx, peerID)
}

// Cancel tears down a live order early and refunds the unused share of the
// term, rounded down to whole minor units.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) error {
	if err := o.heavy.Acquire(ctx); err != nil {
		return fmt.Errorf("provisioning admission: %w", err)
	}
	defer o.heavy.Release()

	o.locks.Lock(orderID)
	defer o.locks.Unlock(orderID)

	ord, err := o.db.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !ord.Status.Live() {
		return fmt.Errorf("order %s is %s and cannot be cancelled", orderID, ord.Status)
	}

	if refund := o.proratedRefund(ord, time.Now().UTC()); refund > 0 {
		if err := o.billing.Refund(ctx, ord.OwnerID, refund, ord.ID); err != nil {
			return fmt.Errorf("refund unused term: %w", err)
		}
	}

	o.teardown(ctx, ord)

	now := time.Now().UTC()
	ord.Status = order.StatusCancelled
	if _, err := o.db.UpdateOrder(ctx, ord); err != nil {
		return err
	}
	if err := o.db.SoftDeleteOrder(ctx, ord.ID, now); err != nil {
		return err
	}
	o.notifier.Owner(ctx, ord.OwnerID, "Your tunnel order was cancelled and the unused balance refunded.")
	return nil
}

// ExpireSweep retires every live order past its expiry. Each order is handled
// under its own lock; one broken teardown never blocks the rest.
func (o *Orchestrator) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := o.db.ListExpiredOrders(ctx, time.Now().UTC(), o.config.ExpireSweepLimit)
	if err != nil {
		return 0, err
	}

	retired := 0
	for _, ord := range expired {
		if err := o.expireOne(ctx, ord.ID); err != nil {
			o.log.WithError(err).WithField("order_id", ord.ID).Warn("expire order")
			continue
		}
		retired++
	}
	return retired, nil
}

func (o *Orchestrator) expireOne(ctx context.Context, orderID string) error {
	o.locks.Lock(orderID)
	defer o.locks.Unlock(orderID)

	// Re-read under the lock; a concurrent cancel may have won.
	ord, err := o.db.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !ord.Status.Live() || ord.ExpiresAt.After(time.Now().UTC()) {
		return nil
	}

	o.teardown(ctx, ord)

	now := time.Now().UTC()
	ord.Status = order.StatusExpired
	if _, err := o.db.UpdateOrder(ctx, ord); err != nil {
		return err
	}
	if err := o.db.SoftDeleteOrder(ctx, ord.ID, now); err != nil {
		return err
	}
	o.notifier.Owner(ctx, ord.OwnerID, "Your tunnel order expired and the server was released.")
	return nil
}

// teardown releases the remote server best-effort. A provider that already
// forgot the server is success, not failure.
func (o *Orchestrator) teardown(ctx context.Context, ord order.Order) {
	if ord.ExternalID == "" {
		return
	}
	if _, err := o.provision.DeleteServer(ctx, ord.ExternalID); err != nil {
		o.log.WithError(err).
			WithField("order_id", ord.ID).
			WithField("external_id", ord.ExternalID).
			Error("server teardown failed")
		o.notifier.Operator(ctx, fmt.Sprintf("order %s: teardown of server %s failed: %v", ord.ID, ord.ExternalID, err))
	}
}

// proratedRefund returns the unused share of the price snapshot.
func (o *Orchestrator) proratedRefund(ord order.Order, now time.Time) int64 {
	if ord.ExpiresAt.IsZero() || !now.Before(ord.ExpiresAt) {
		return 0
	}
	term := ord.ExpiresAt.Sub(ord.CreatedAt)
	if term <= 0 {
		return 0
	}
	remaining := ord.ExpiresAt.Sub(now)
	if remaining > term {
		remaining = term
	}
	return ord.PriceSnapshot * int64(remaining) / int64(term)
}

func (o *Orchestrator) storePeer(ctx context.Context, orderID string, bundle protocol.CredentialBundle) (order.Peer, error) {
	return o.db.CreatePeer(ctx, order.Peer{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Name:      bundle.Name,
		PublicRef: bundle.PublicRef,
		SecretRef: bundle.SecretRef,
		// Client config artifacts are stored inline for now; a blob store
		// can replace this without touching callers.
		ArtifactPath: bundle.Artifact,
		CreatedAt:    time.Now().UTC(),
	})
}

func (o *Orchestrator) target(ord order.Order) remote.Target {
	return remote.Target{Host: ord.Host, Port: ord.Port, Login: ord.Login, Secret: ord.Secret}
}

func defaultPeerName(n int) string {
	return fmt.Sprintf("peer-%d", n)
}
