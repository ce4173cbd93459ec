package packages

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/blob"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/idempotency"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
)

const maxBackoff = time.Hour

const (
	transportOK     = "ok"
	transportFailed = "failed"
)

// PullState tracks the last remote pull per channel on a client.
type PullState struct {
	Channel       manifest.Channel `json:"channel"`
	LastPackageID string           `json:"last_package_id,omitempty"`
	LastPulledAt  *time.Time       `json:"last_pulled_at,omitempty"`
	Transport     *TransportState  `json:"transport,omitempty"`
}

// advance records one attempt. A success clears the retry schedule; a failure
// doubles the backoff from base up to an hour and dead-letters the operation
// once maxAttempts is reached.
func advance(s *TransportState, ok bool, code string, now time.Time, base time.Duration, maxAttempts int) *TransportState {
	if s == nil {
		s = &TransportState{}
	}
	at := now
	s.LastAttemptAt = &at
	if ok {
		s.Attempts = 0
		s.LastStatus = transportOK
		s.LastErrorCode = ""
		s.BackoffSeconds = 0
		s.NextRetryAt = nil
		s.DeadLetter = false
		return s
	}
	s.Attempts++
	s.LastStatus = transportFailed
	s.LastErrorCode = code
	backoff := base
	for i := 1; i < s.Attempts && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	backoff = min(backoff, maxBackoff)
	s.BackoffSeconds = int64(backoff / time.Second)
	next := now.Add(backoff)
	s.NextRetryAt = &next
	if s.Attempts >= maxAttempts {
		s.DeadLetter = true
	}
	return s
}

// UpdateTransportState records the outcome of a remote operation on a package.
func (m *Manager) UpdateTransportState(ctx context.Context, id, op string, ok bool, code errcode.Code) (*Package, error) {
	switch op {
	case OpPublish, OpPull, OpAck:
	default:
		return nil, errcode.Newf(errcode.InvalidInput, "unknown transport operation %q", op)
	}
	p, err := m.mutate(ctx, id, func(_ map[string]*Package, p *Package) error {
		if p.DeliveryTransport == nil {
			p.DeliveryTransport = make(map[string]*TransportState)
		}
		p.DeliveryTransport[op] = advance(p.DeliveryTransport[op], ok, string(code), m.now(),
			m.settings.BackoffBase, m.settings.MaxAttempts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.publishTransport(ctx, id, op, ok, code)
	return p, nil
}

func (m *Manager) publishTransport(ctx context.Context, subject, op string, ok bool, code errcode.Code) {
	result := transportOK
	if !ok {
		result = transportFailed
	}
	data := map[string]any{"operation": op, "result": result}
	if code != "" {
		data["code"] = string(code)
	}
	m.bus.Publish(ctx, events.Event{Type: events.PackageTransport, Subject: subject, Data: data})
}

// PublishRemoteRequest sends a local package to the mothership. Force skips
// the backoff wait but never revives a dead-lettered operation.
type PublishRemoteRequest struct {
	PackageID string `json:"package_id"`
	// Force ignores next_retry_at. Dead-lettered packages still refuse.
	Force          bool   `json:"force,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// PublishRemoteResult carries the local package and the receipt the
// mothership returned.
type PublishRemoteResult struct {
	Package   Package `json:"package"`
	ReceiptID string  `json:"receipt_id"`
	Replayed  bool    `json:"-"`
}

// PublishRemote pushes a local package to the configured mothership. Both
// outcomes are recorded in delivery_transport before returning.
func (m *Manager) PublishRemote(ctx context.Context, req PublishRemoteRequest) (res *PublishRemoteResult, err error) {
	ctx, finish := m.telemetry.Track(ctx, "packages.publish_remote", attribute.String("dbvc.package_id", req.PackageID))
	defer func() { finish(err) }()

	if m.remote == nil {
		return nil, errcode.New(errcode.RemoteUnreachable, "no remote configured").
			WithHint("set remote.mothership_url or DBVC_MOTHERSHIP_URL")
	}
	out, replayed, err := idempotency.Do(ctx, m.idem, ScopePublishRemote, req.IdempotencyKey, func() (PublishRemoteResult, error) {
		return m.publishRemote(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	out.Replayed = replayed
	return &out, nil
}

func (m *Manager) publishRemote(ctx context.Context, req PublishRemoteRequest) (PublishRemoteResult, error) {
	p, err := m.Get(ctx, req.PackageID)
	if err != nil {
		return PublishRemoteResult{}, err
	}
	if p.Status == StatusRevoked {
		return PublishRemoteResult{}, errcode.Newf(errcode.PackageRevoked, "package %q is revoked", p.PackageID)
	}
	state := p.DeliveryTransport[OpPublish]
	if state != nil && state.DeadLetter {
		return PublishRemoteResult{}, errcode.Newf(errcode.DeadLettered, "package %q is dead-lettered after %d attempts", p.PackageID, state.Attempts)
	}
	if !req.Force && state != nil && state.LastStatus == transportFailed && !state.Due(m.now()) {
		return PublishRemoteResult{}, errcode.Newf(errcode.RetryNotDue, "next publish attempt for %q is not due", p.PackageID).
			WithDetail("next_retry_at", state.NextRetryAt)
	}
	raw, err := m.ManifestBytes(ctx, p.PackageID)
	if err != nil {
		return PublishRemoteResult{}, err
	}

	receipt, sendErr := m.remote.PublishPackage(ctx, p, raw)
	code := errcode.CodeOf(sendErr)
	updated, err := m.mutate(ctx, p.PackageID, func(_ map[string]*Package, p *Package) error {
		if p.DeliveryTransport == nil {
			p.DeliveryTransport = make(map[string]*TransportState)
		}
		p.DeliveryTransport[OpPublish] = advance(p.DeliveryTransport[OpPublish], sendErr == nil, string(code), m.now(),
			m.settings.BackoffBase, m.settings.MaxAttempts)
		if sendErr != nil {
			m.appendTimeline(p, EventFailed, "", string(code))
			return nil
		}
		p.ReceiptID = receipt
		m.appendTimeline(p, EventSent, "", receipt)
		return nil
	})
	if err != nil {
		return PublishRemoteResult{}, err
	}
	m.publishTransport(ctx, p.PackageID, OpPublish, sendErr == nil, code)
	if sendErr != nil {
		m.logger.WarnContext(ctx, "remote publish failed", "package_id", p.PackageID,
			"attempts", updated.DeliveryTransport[OpPublish].Attempts, "error", sendErr)
		return PublishRemoteResult{}, sendErr
	}
	m.logger.InfoContext(ctx, "package published to remote", "package_id", p.PackageID, "receipt_id", receipt)
	return PublishRemoteResult{Package: *updated, ReceiptID: receipt}, nil
}

// PullRemote fetches the newest package for this site on channel from the
// mothership, verifies its digest and stores it locally.
func (m *Manager) PullRemote(ctx context.Context, channel manifest.Channel) (res *PullResult, err error) {
	ctx, finish := m.telemetry.Track(ctx, "packages.pull_remote", attribute.String("dbvc.channel", string(channel)))
	defer func() { finish(err) }()

	if channel.Rank() == 0 {
		return nil, errcode.Newf(errcode.InvalidInput, "unknown channel %q", channel)
	}
	if m.remote == nil {
		return nil, errcode.New(errcode.RemoteUnreachable, "no remote configured").
			WithHint("set remote.mothership_url or DBVC_MOTHERSHIP_URL")
	}

	remote, raw, err := m.remote.FetchLatest(ctx, m.settings.SiteUID, channel)
	if err == nil {
		err = m.verifyPulled(remote, raw)
	}
	if err != nil {
		m.recordPull(ctx, channel, "", err)
		return nil, err
	}
	if _, err := m.blobs.Put(ctx, raw); err != nil {
		return nil, internal(err, "store manifest")
	}

	var local Package
	err = m.update(ctx, func(all map[string]*Package) error {
		p, ok := all[remote.PackageID]
		if !ok {
			cp := clonePackage(remote)
			cp.DeliveryTimeline = nil
			cp.DeliveryTransport = nil
			cp.Acks = nil
			p = &cp
			all[p.PackageID] = p
		}
		m.appendTimeline(p, EventPulled, m.settings.SiteUID, string(channel))
		p.UpdatedAt = m.now()
		local = clonePackage(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.recordPull(ctx, channel, local.PackageID, nil)
	m.logger.InfoContext(ctx, "package pulled", "package_id", local.PackageID, "channel", channel)
	return &PullResult{Package: local, Manifest: raw}, nil
}

func (m *Manager) verifyPulled(p *Package, raw []byte) error {
	if p == nil || p.PackageID == "" {
		return errcode.New(errcode.RemoteStatus, "remote returned no package")
	}
	if got := blob.Digest(raw); p.ManifestHash != "" && got != p.ManifestHash {
		return errcode.Newf(errcode.VerificationFailed, "manifest digest %s does not match %s", got, p.ManifestHash)
	}
	if rep := m.Preflight(raw); rep.Err() != nil {
		return rep.Err()
	}
	return nil
}

func (m *Manager) recordPull(ctx context.Context, channel manifest.Channel, packageID string, pullErr error) {
	code := errcode.CodeOf(pullErr)
	err := m.pulls.Update(ctx, func(all *map[string]*PullState) error {
		if *all == nil {
			*all = make(map[string]*PullState)
		}
		st, ok := (*all)[string(channel)]
		if !ok {
			st = &PullState{Channel: channel}
			(*all)[string(channel)] = st
		}
		now := m.now()
		st.Transport = advance(st.Transport, pullErr == nil, string(code), now, m.settings.BackoffBase, m.settings.MaxAttempts)
		if pullErr == nil {
			st.LastPackageID = packageID
			st.LastPulledAt = &now
		}
		return nil
	})
	if err != nil {
		m.logger.WarnContext(ctx, "pull state not saved", "channel", channel, "error", err)
	}
	m.publishTransport(ctx, string(channel), OpPull, pullErr == nil, code)
}

// PullStates returns the pull bookkeeping per channel.
func (m *Manager) PullStates(ctx context.Context) (map[string]*PullState, error) {
	all, err := m.pulls.Load(ctx)
	if err != nil {
		return nil, internal(err, "load pull state")
	}
	if all == nil {
		all = make(map[string]*PullState)
	}
	return all, nil
}

// SendAck reports a delivery outcome to the mothership and records the
// attempt on the local package when it exists.
func (m *Manager) SendAck(ctx context.Context, req AckRequest) (err error) {
	ctx, finish := m.telemetry.Track(ctx, "packages.send_ack", attribute.String("dbvc.package_id", req.PackageID))
	defer func() { finish(err) }()

	if m.remote == nil {
		return errcode.New(errcode.RemoteUnreachable, "no remote configured").
			WithHint("set remote.mothership_url or DBVC_MOTHERSHIP_URL")
	}
	if req.SiteUID == "" {
		req.SiteUID = m.settings.SiteUID
	}
	sendErr := m.remote.SendAck(ctx, req)
	if _, err := m.UpdateTransportState(ctx, req.PackageID, OpAck, sendErr == nil, errcode.CodeOf(sendErr)); err != nil &&
		!errcode.Has(err, errcode.PackageNotFound) {
		m.logger.WarnContext(ctx, "ack transport state not saved", "package_id", req.PackageID, "error", err)
	}
	if sendErr == nil && req.Event == EventApplied {
		if _, err := m.mutate(ctx, req.PackageID, func(_ map[string]*Package, p *Package) error {
			m.appendTimeline(p, EventApplied, req.SiteUID, req.Detail)
			return nil
		}); err != nil && !errcode.Has(err, errcode.PackageNotFound) {
			return err
		}
	}
	return sendErr
}

// DueRetries lists packages whose failed publish may be retried at now.
func (m *Manager) DueRetries(ctx context.Context, now time.Time) ([]string, error) {
	all, err := m.docs.Load(ctx)
	if err != nil {
		return nil, internal(err, "load packages")
	}
	var ids []string
	for id, p := range all {
		if p.Status == StatusRevoked {
			continue
		}
		st := p.DeliveryTransport[OpPublish]
		if st == nil || st.LastStatus != transportFailed || st.DeadLetter {
			continue
		}
		if st.Due(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
