// Package cloudtest provides a deterministic in-memory ClusterProvider
// for reconciler tests.
package cloudtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3leaps/sparkfleet/pkg/cloud"
)

// Provider is a fake cluster provider. It records every call and lets
// tests script cluster state transitions and injected failures.
type Provider struct {
	mu sync.Mutex

	clusters map[string]cloud.ClusterInfo
	nextID   int

	// StartErr, DescribeErr, ListErr and StopErr are returned by the
	// corresponding operations when set.
	StartErr    error
	DescribeErr error
	ListErr     error
	StopErr     error

	StartCalls    []cloud.LaunchSpec
	DescribeCalls []string
	ListCalls     []time.Time
	StopCalls     []string
}

var _ cloud.ClusterProvider = (*Provider)(nil)

func New() *Provider {
	return &Provider{clusters: make(map[string]cloud.ClusterInfo)}
}

// SetCluster scripts the provider-side view of a cluster.
func (p *Provider) SetCluster(info cloud.ClusterInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clusters[info.JobflowID] = info
}

// RemoveCluster makes a cluster invisible, simulating eventual
// consistency of the provider's list API.
func (p *Provider) RemoveCluster(jobflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clusters, jobflowID)
}

func (p *Provider) Start(ctx context.Context, spec cloud.LaunchSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.StartCalls = append(p.StartCalls, spec)
	if p.StartErr != nil {
		return "", p.StartErr
	}

	p.nextID++
	jobflowID := fmt.Sprintf("j-%08d", p.nextID)
	p.clusters[jobflowID] = cloud.ClusterInfo{
		JobflowID:    jobflowID,
		State:        cloud.StateStarting,
		CreationTime: time.Now().UTC(),
	}
	return jobflowID, nil
}

func (p *Provider) Describe(ctx context.Context, jobflowID string) (*cloud.ClusterInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.DescribeCalls = append(p.DescribeCalls, jobflowID)
	if p.DescribeErr != nil {
		return nil, p.DescribeErr
	}

	info, ok := p.clusters[jobflowID]
	if !ok {
		return nil, &cloud.Error{Op: "Describe", JobflowID: jobflowID, Err: cloud.ErrClusterNotFound}
	}
	return &info, nil
}

func (p *Provider) ListCreatedAfter(ctx context.Context, t time.Time) ([]cloud.ClusterInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ListCalls = append(p.ListCalls, t)
	if p.ListErr != nil {
		return nil, p.ListErr
	}

	var infos []cloud.ClusterInfo
	for _, info := range p.clusters {
		if !info.CreationTime.Before(t) {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (p *Provider) Stop(ctx context.Context, jobflowID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.StopCalls = append(p.StopCalls, jobflowID)
	if p.StopErr != nil {
		return p.StopErr
	}

	if info, ok := p.clusters[jobflowID]; ok && !info.State.IsTerminal() {
		info.State = cloud.StateTerminating
		p.clusters[jobflowID] = info
	}
	return nil
}
