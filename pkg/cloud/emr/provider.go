// Package emr adapts the ClusterProvider port to AWS Elastic MapReduce.
package emr

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsemr "github.com/aws/aws-sdk-go-v2/service/emr"
	"github.com/aws/aws-sdk-go-v2/service/emr/types"
	"github.com/google/uuid"

	"github.com/3leaps/sparkfleet/pkg/cloud"
)

// Provider implements cloud.ClusterProvider against the EMR API.
type Provider struct {
	client  *awsemr.Client
	cfg     Config
	runtime RuntimeFunc
}

var _ cloud.ClusterProvider = (*Provider)(nil)

// New creates an EMR-backed provider.
//
// The provider uses AWS SDK v2's default credential chain unless explicit
// credentials are provided in the config. runtime may be nil, in which
// case launches use zero-value runtime settings (on-demand instances).
func New(ctx context.Context, cfg Config, runtime RuntimeFunc) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runtime == nil {
		runtime = staticRuntime(RuntimeSettings{})
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &cloud.Error{Op: "New", Err: err}
	}

	return &Provider{
		client:  awsemr.NewFromConfig(awsCfg),
		cfg:     cfg,
		runtime: runtime,
	}, nil
}

func (p *Provider) bootstrapURI() string {
	return fmt.Sprintf("s3://%s/bootstrap/telemetry.sh", p.cfg.SparkEMRBucket)
}

func (p *Provider) batchURI() string {
	return fmt.Sprintf("s3://%s/steps/batch.sh", p.cfg.SparkEMRBucket)
}

func (p *Provider) jarURI() string {
	return fmt.Sprintf("s3://%s.elasticmapreduce/libs/script-runner/script-runner.jar", p.cfg.Region)
}

// Start requests an EMR job flow for the given spec and returns the
// jobflow ID. Callers guard against double launches via the jobflow-unset
// precondition on the cluster row.
func (p *Provider) Start(ctx context.Context, spec cloud.LaunchSpec) (string, error) {
	settings, err := p.runtime(ctx)
	if err != nil {
		return "", &cloud.Error{Op: "Start", Err: err}
	}

	input := p.jobFlowInput(spec, settings)
	out, err := p.client.RunJobFlow(ctx, input)
	if err != nil {
		return "", wrapError("Start", "", err)
	}
	return aws.ToString(out.JobFlowId), nil
}

func (p *Provider) jobFlowInput(spec cloud.LaunchSpec, settings RuntimeSettings) *awsemr.RunJobFlowInput {
	instanceGroups := []types.InstanceGroupConfig{{
		Name:          aws.String("Master"),
		Market:        types.MarketTypeOnDemand,
		InstanceRole:  types.InstanceRoleTypeMaster,
		InstanceType:  aws.String(p.cfg.MasterInstanceType),
		InstanceCount: aws.Int32(1),
	}}

	if spec.Size > 1 {
		core := types.InstanceGroupConfig{
			Name:          aws.String("Worker Instances"),
			InstanceRole:  types.InstanceRoleTypeCore,
			InstanceType:  aws.String(p.cfg.WorkerInstanceType),
			InstanceCount: aws.Int32(int32(spec.Size)),
			Market:        types.MarketTypeOnDemand,
		}
		if settings.UseSpotInstances {
			core.Market = types.MarketTypeSpot
			core.BidPrice = aws.String(settings.SpotBidCore)
		}
		instanceGroups = append(instanceGroups, core)
	}

	logURI := fmt.Sprintf("s3://%s/%s/%s/%s",
		p.cfg.LogBucket, logDir(spec), spec.Identifier, time.Now().UTC().Format(time.RFC3339))

	input := &awsemr.RunJobFlowInput{
		Name:         aws.String(uuid.New().String()),
		LogUri:       aws.String(logURI),
		ReleaseLabel: aws.String("emr-" + spec.EMRRelease),
		Instances: &types.JobFlowInstancesConfig{
			InstanceGroups:              instanceGroups,
			Ec2KeyName:                  aws.String(p.cfg.EC2KeyName),
			KeepJobFlowAliveWhenNoSteps: aws.Bool(!spec.IsNotebookRun),
		},
		JobFlowRole: aws.String(p.cfg.InstanceProfile),
		ServiceRole: aws.String("EMR_DefaultRole"),
		Applications: []types.Application{
			{Name: aws.String("Spark")},
			{Name: aws.String("Hive")},
		},
		Tags: []types.Tag{
			{Key: aws.String("Owner"), Value: aws.String(spec.Email)},
			{Key: aws.String("Name"), Value: aws.String(spec.Identifier)},
			{Key: aws.String("Application"), Value: aws.String(p.cfg.AppTag)},
			{Key: aws.String("App"), Value: aws.String(p.cfg.AccountingAppTag)},
			{Key: aws.String("Type"), Value: aws.String(p.cfg.AccountingTypeTag)},
			{Key: aws.String("Lifetime"), Value: aws.String(strconv.Itoa(spec.LifetimeHours))},
		},
		VisibleToAllUsers: aws.Bool(true),
	}

	if spec.IsNotebookRun {
		input.BootstrapActions = []types.BootstrapActionConfig{{
			Name: aws.String("setup-batch-cluster"),
			ScriptBootstrapAction: &types.ScriptBootstrapActionConfig{
				Path: aws.String(p.bootstrapURI()),
				Args: []string{"--timeout", strconv.Itoa(spec.JobTimeoutHours * 60)},
			},
		}}
		input.Steps = []types.StepConfig{{
			Name:            aws.String("RunNotebookStep"),
			ActionOnFailure: types.ActionOnFailureTerminateJobFlow,
			HadoopJarStep: &types.HadoopJarStepConfig{
				Jar: aws.String(p.jarURI()),
				Args: []string{
					p.batchURI(),
					"--job-name", spec.Identifier,
					"--notebook", spec.NotebookKey,
					"--public-results", strconv.FormatBool(spec.PublicResults),
				},
			},
		}}
	} else {
		bootstrapArgs := []string{"--public-key", spec.PublicKey}
		if settings.EFSDNS != "" {
			bootstrapArgs = append(bootstrapArgs, "--efs-dns", settings.EFSDNS)
		}
		input.BootstrapActions = []types.BootstrapActionConfig{{
			Name: aws.String("setup-interactive-cluster"),
			ScriptBootstrapAction: &types.ScriptBootstrapActionConfig{
				Path: aws.String(p.bootstrapURI()),
				Args: bootstrapArgs,
			},
		}}
	}

	return input
}

func logDir(spec cloud.LaunchSpec) string {
	if spec.IsNotebookRun {
		return "jobs"
	}
	return "clusters"
}

// Describe returns the current description of a single cluster.
func (p *Provider) Describe(ctx context.Context, jobflowID string) (*cloud.ClusterInfo, error) {
	out, err := p.client.DescribeCluster(ctx, &awsemr.DescribeClusterInput{
		ClusterId: aws.String(jobflowID),
	})
	if err != nil {
		return nil, wrapError("Describe", jobflowID, err)
	}
	if out.Cluster == nil {
		return nil, &cloud.Error{Op: "Describe", JobflowID: jobflowID, Err: cloud.ErrClusterNotFound}
	}

	info := formatCluster(jobflowID, out.Cluster.Status)
	info.MasterPublicDNS = aws.ToString(out.Cluster.MasterPublicDnsName)
	return &info, nil
}

// ListCreatedAfter returns descriptions for all clusters created at or
// after t, following pagination transparently.
func (p *Provider) ListCreatedAfter(ctx context.Context, t time.Time) ([]cloud.ClusterInfo, error) {
	paginator := awsemr.NewListClustersPaginator(p.client, &awsemr.ListClustersInput{
		CreatedAfter: aws.Time(t),
	})

	var infos []cloud.ClusterInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError("ListCreatedAfter", "", err)
		}
		for _, summary := range page.Clusters {
			infos = append(infos, formatCluster(aws.ToString(summary.Id), summary.Status))
		}
	}
	return infos, nil
}

// Stop requests termination of the job flow. Terminating an already
// terminal cluster is a no-op on the provider side.
func (p *Provider) Stop(ctx context.Context, jobflowID string) error {
	_, err := p.client.TerminateJobFlows(ctx, &awsemr.TerminateJobFlowsInput{
		JobFlowIds: []string{jobflowID},
	})
	if err != nil {
		return wrapError("Stop", jobflowID, err)
	}
	return nil
}

func formatCluster(jobflowID string, status *types.ClusterStatus) cloud.ClusterInfo {
	info := cloud.ClusterInfo{JobflowID: jobflowID}
	if status == nil {
		return info
	}
	info.State = cloud.State(status.State)
	if reason := status.StateChangeReason; reason != nil {
		info.ReasonCode = string(reason.Code)
		info.ReasonMessage = aws.ToString(reason.Message)
	}
	if timeline := status.Timeline; timeline != nil {
		info.CreationTime = aws.ToTime(timeline.CreationDateTime)
		info.ReadyTime = timeline.ReadyDateTime
		info.EndTime = timeline.EndDateTime
	}
	return info
}
