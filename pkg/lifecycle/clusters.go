package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/sparkfleet/pkg/cloud"
	"github.com/3leaps/sparkfleet/pkg/mail"
	"github.com/3leaps/sparkfleet/pkg/names"
	"github.com/3leaps/sparkfleet/pkg/store"
)

// expirationWarning is how far ahead of expiry the warning mail goes out.
const expirationWarning = time.Hour

// deactivatableStates are the active states worth stopping. TERMINATING
// is excluded so a cluster already being stopped is not stopped again.
var deactivatableStates = []cloud.State{
	cloud.StateStarting,
	cloud.StateBootstrapping,
	cloud.StateRunning,
	cloud.StateWaiting,
}

// ClusterRequest is the validated user intent for a new cluster. The
// frontend guarantees field constraints; CreatedBy is the owner's email.
type ClusterRequest struct {
	Identifier    string
	Size          int
	LifetimeHours int
	SSHKey        string
	EMRRelease    string
	CreatedBy     string
}

// LaunchCluster records the intent row, requests the cluster from the
// provider and binds the returned jobflow handle to the row exactly
// once. Returns the new cluster id.
func (c *Controller) LaunchCluster(ctx context.Context, req ClusterRequest) (int64, error) {
	if req.Identifier == "" {
		req.Identifier = names.Default()
	}
	now := c.now()

	id, err := store.CreateCluster(ctx, c.db, store.ClusterRow{
		Identifier:    req.Identifier,
		Size:          req.Size,
		LifetimeHours: req.LifetimeHours,
		SSHKey:        req.SSHKey,
		EMRRelease:    req.EMRRelease,
		CreatedBy:     req.CreatedBy,
		CreatedAt:     now,
	})
	if err != nil {
		return 0, err
	}

	jobflowID, err := c.provider.Start(ctx, cloud.LaunchSpec{
		Username:      req.CreatedBy,
		Email:         req.CreatedBy,
		Identifier:    req.Identifier,
		EMRRelease:    req.EMRRelease,
		Size:          req.Size,
		PublicKey:     req.SSHKey,
		LifetimeHours: req.LifetimeHours,
	})
	if err != nil {
		return 0, fmt.Errorf("start cluster %s: %w", req.Identifier, err)
	}

	if _, err := store.AssignJobflow(ctx, c.db, id, jobflowID, c.now()); err != nil {
		return 0, err
	}

	// Seed the observed status; a cluster this fresh may not be
	// describable yet.
	if err := c.syncCluster(ctx, id, jobflowID, nil); err != nil && !cloud.IsNotFound(err) {
		c.logger.Warn("seed cluster status",
			zap.Int64("cluster_id", id), zap.Error(err))
	}
	return id, nil
}

// ExtendCluster pushes a cluster's expiry out by the given number of
// hours. Rejected unless the cluster is in an active state.
func (c *Controller) ExtendCluster(ctx context.Context, id int64, hours int) error {
	row, err := store.GetCluster(ctx, c.db, id)
	if err != nil {
		return err
	}
	if row == nil {
		return ErrClusterNotFound
	}
	if !row.IsActive() || row.ExpiresAt == nil {
		return ErrClusterNotActive
	}
	next := row.ExpiresAt.Add(time.Duration(hours) * time.Hour)
	ok, err := store.ExtendCluster(ctx, c.db, id, *row.ExpiresAt, next)
	if err != nil {
		return err
	}
	if !ok {
		// Lost a race with another extension or a state change.
		return ErrClusterNotActive
	}
	return nil
}

// DeactivateExpiredClusters stops every cluster whose lease ran out.
// Stop is requested at most once per expiry: after the provider confirms
// TERMINATING the row leaves the deactivatable set. Returns the number
// of clusters stopped.
func (c *Controller) DeactivateExpiredClusters(ctx context.Context) (int, error) {
	now := c.now()
	rows, err := store.ExpiredClustersInStates(ctx, c.db, deactivatableStates, now)
	if err != nil {
		return 0, err
	}

	stopped := 0
	for _, row := range rows {
		if row.JobflowID == "" {
			continue
		}
		if err := c.provider.Stop(ctx, row.JobflowID); err != nil {
			c.logger.Error("stop expired cluster",
				zap.Int64("cluster_id", row.ID),
				zap.String("jobflow_id", row.JobflowID),
				zap.Error(err))
			continue
		}
		stopped++
		if err := c.syncCluster(ctx, row.ID, row.JobflowID, nil); err != nil && !cloud.IsNotFound(err) {
			c.logger.Warn("sync stopped cluster",
				zap.Int64("cluster_id", row.ID), zap.Error(err))
		}
	}
	return stopped, nil
}

// SendExpirationMails warns owners of clusters expiring within the next
// hour. The expiration_mail_sent latch is claimed in the same
// transaction as the send, so each cluster is warned at most once and a
// failed send releases the claim for the next pass.
func (c *Controller) SendExpirationMails(ctx context.Context) (int, error) {
	deadline := c.now().Add(expirationWarning)
	rows, err := store.SoonExpiringClusters(ctx, c.db, deadline)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, row := range rows {
		row := row
		err := store.WithTx(ctx, c.db, func(tx *sql.Tx) error {
			claimed, err := store.ClaimExpirationMail(ctx, tx, row.ID)
			if err != nil {
				return err
			}
			if !claimed {
				return nil
			}
			msg, err := mail.ClusterExpiration(row.CreatedBy, row.Identifier, row.ID, *row.ExpiresAt, c.siteURL)
			if err != nil {
				return err
			}
			if err := c.notifier.Send(ctx, msg); err != nil {
				return fmt.Errorf("send expiration mail for cluster %d: %w", row.ID, err)
			}
			sent++
			return nil
		})
		if err != nil {
			c.logger.Error("expiration mail",
				zap.Int64("cluster_id", row.ID), zap.Error(err))
		}
	}
	return sent, nil
}

// UpdateClusters mirrors provider state onto every active cluster row
// with a single list call bounded by the oldest active creation time.
// Clusters absent from the listing are left untouched: the provider is
// eventually consistent and a freshly started cluster may lag a poll.
func (c *Controller) UpdateClusters(ctx context.Context) (int, error) {
	active, err := store.ActiveClusters(ctx, c.db)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, nil
	}

	oldest := active[0].CreatedAt
	for _, row := range active[1:] {
		if row.CreatedAt.Before(oldest) {
			oldest = row.CreatedAt
		}
	}

	infos, err := c.listCreatedAfter(ctx, floorToDay(oldest))
	if err != nil {
		return 0, fmt.Errorf("list clusters: %w", err)
	}
	byJobflow := make(map[string]cloud.ClusterInfo, len(infos))
	for _, info := range infos {
		byJobflow[info.JobflowID] = info
	}

	updated := 0
	for _, row := range active {
		info, ok := byJobflow[row.JobflowID]
		if !ok {
			continue
		}
		if err := c.applyClusterInfo(ctx, row, info); err != nil {
			c.logger.Error("apply cluster info",
				zap.Int64("cluster_id", row.ID), zap.Error(err))
			continue
		}
		updated++
	}
	return updated, nil
}

// UpdateMasterAddress resolves and stores the master public DNS of a
// single cluster once it is reachable. Enqueued by UpdateClusters when a
// cluster first turns ready.
func (c *Controller) UpdateMasterAddress(ctx context.Context, id int64) error {
	row, err := store.GetCluster(ctx, c.db, id)
	if err != nil {
		return err
	}
	if row == nil {
		return ErrClusterNotFound
	}
	if row.MasterAddress != "" || row.JobflowID == "" {
		return nil
	}

	info, err := c.describe(ctx, row.JobflowID)
	if err != nil {
		if cloud.IsNotFound(err) {
			return nil
		}
		return err
	}
	if info.MasterPublicDNS == "" {
		return nil
	}
	_, err = store.SetMasterAddress(ctx, c.db, id, info.MasterPublicDNS)
	return err
}

// applyClusterInfo writes one observed description onto a row and kicks
// off master address resolution when the cluster just turned ready.
func (c *Controller) applyClusterInfo(ctx context.Context, row store.ClusterRow, info cloud.ClusterInfo) error {
	if _, err := store.ApplyClusterInfo(ctx, c.db, row.ID, info); err != nil {
		return err
	}
	if info.State.IsReady() && row.MasterAddress == "" {
		if c.enqueue != nil {
			c.enqueue(TaskUpdateMasterAddress, []int64{row.ID})
		} else if err := c.UpdateMasterAddress(ctx, row.ID); err != nil {
			return err
		}
	}
	return nil
}

// syncCluster describes one cluster and applies the result.
func (c *Controller) syncCluster(ctx context.Context, id int64, jobflowID string, info *cloud.ClusterInfo) error {
	if info == nil {
		described, err := c.describe(ctx, jobflowID)
		if err != nil {
			return err
		}
		info = described
	}
	row, err := store.GetCluster(ctx, c.db, id)
	if err != nil {
		return err
	}
	if row == nil {
		return ErrClusterNotFound
	}
	return c.applyClusterInfo(ctx, *row, *info)
}
