// Package lifecycle implements the reconcilers that drive on-demand
// clusters and scheduled Spark jobs: expiring leased clusters, mirroring
// provider state into the store, launching recurring job runs and
// notifying owners by mail.
//
// Every reconciler treats the provider as eventually consistent and the
// store as the single source of truth for intent. Side effects with
// at-most-once semantics (Stop, mail) are gated on claim-style updates
// inside per-row transactions.
package lifecycle

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/sparkfleet/pkg/artifact"
	"github.com/3leaps/sparkfleet/pkg/cloud"
	"github.com/3leaps/sparkfleet/pkg/mail"
)

// Controller owns the reconcilers. All collaborators are injected; tests
// use the cloudtest provider and the in-memory notifier.
type Controller struct {
	db       *sql.DB
	provider cloud.ClusterProvider
	notifier mail.Notifier
	logger   *zap.Logger

	notebooks   artifact.Store
	publicData  artifact.Store
	privateData artifact.Store

	siteURL string
	alertCC string

	now     func() time.Time
	limiter *rate.Limiter
	enqueue func(task string, args []int64)
}

// Option configures optional controller collaborators.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithClock overrides the time source. Tests pin it.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSiteURL sets the base URL linked from expiration mails.
func WithSiteURL(url string) Option {
	return func(c *Controller) { c.siteURL = url }
}

// WithAlertCC adds an operations copy to job failure and timeout mails.
func WithAlertCC(address string) Option {
	return func(c *Controller) { c.alertCC = address }
}

// WithArtifactStores wires the notebook bucket and the two result
// buckets. Without them, job notebook and result operations error.
func WithArtifactStores(notebooks, public, private artifact.Store) Option {
	return func(c *Controller) {
		c.notebooks = notebooks
		c.publicData = public
		c.privateData = private
	}
}

// WithProviderRateLimit bounds Describe/List call frequency against the
// provider, which throttles aggressively under fan-out.
func WithProviderRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Controller) { c.limiter = rate.NewLimiter(limit, burst) }
}

// WithEnqueuer lets reconcilers hand follow-up work (master address
// resolution) to the task queue instead of doing it inline.
func WithEnqueuer(enqueue func(task string, args []int64)) Option {
	return func(c *Controller) { c.enqueue = enqueue }
}

// SetEnqueuer is the late-binding form of WithEnqueuer for wiring that
// builds the scheduler after the controller.
func (c *Controller) SetEnqueuer(enqueue func(task string, args []int64)) {
	c.enqueue = enqueue
}

// New builds a controller around the store handle, the cluster provider
// and the mail notifier.
func New(db *sql.DB, provider cloud.ClusterProvider, notifier mail.Notifier, opts ...Option) *Controller {
	c := &Controller{
		db:       db,
		provider: provider,
		notifier: notifier,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// describe is the rate-limited Describe path.
func (c *Controller) describe(ctx context.Context, jobflowID string) (*cloud.ClusterInfo, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return c.provider.Describe(ctx, jobflowID)
}

// listCreatedAfter is the rate-limited ListCreatedAfter path.
func (c *Controller) listCreatedAfter(ctx context.Context, t time.Time) ([]cloud.ClusterInfo, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return c.provider.ListCreatedAfter(ctx, t)
}

// floorToDay truncates t to midnight UTC, widening provider list windows
// to whole days so pagination windows stay cache-friendly.
func floorToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
