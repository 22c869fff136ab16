package emr

import (
	"context"
	"errors"
	"strings"
)

// RuntimeSettings are the runtime-tunable provisioning knobs, read at the
// start of each launch so changes apply without a restart.
type RuntimeSettings struct {
	UseSpotInstances bool
	SpotBidCore      string
	EFSDNS           string
}

// Config describes the static provisioning environment.
type Config struct {
	// Region is the AWS region the clusters run in.
	Region string

	// Profile selects a shared-config profile. Empty uses the default chain.
	Profile string

	// AccessKeyID / SecretAccessKey override the default credential chain
	// when both are set.
	AccessKeyID     string
	SecretAccessKey string

	// SparkEMRBucket holds the bootstrap scripts and shared EMR
	// configuration shared between services.
	SparkEMRBucket string

	// LogBucket receives cluster and step logs.
	LogBucket string

	// EC2KeyName is the provider-side key pair attached to instances.
	EC2KeyName string

	// MasterInstanceType / WorkerInstanceType select instance hardware.
	MasterInstanceType string
	WorkerInstanceType string

	// InstanceProfile is the IAM role the instances assume.
	InstanceProfile string

	// AppTag, AccountingAppTag and AccountingTypeTag are attached to every
	// launched cluster for ownership and billing attribution.
	AppTag            string
	AccountingAppTag  string
	AccountingTypeTag string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("emr region is required")
	}
	if strings.TrimSpace(c.SparkEMRBucket) == "" {
		return errors.New("emr bootstrap bucket is required")
	}
	if strings.TrimSpace(c.LogBucket) == "" {
		return errors.New("emr log bucket is required")
	}
	if strings.TrimSpace(c.MasterInstanceType) == "" || strings.TrimSpace(c.WorkerInstanceType) == "" {
		return errors.New("emr instance types are required")
	}
	return nil
}

// RuntimeFunc supplies the current RuntimeSettings for a launch.
type RuntimeFunc func(ctx context.Context) (RuntimeSettings, error)

func staticRuntime(settings RuntimeSettings) RuntimeFunc {
	return func(context.Context) (RuntimeSettings, error) {
		return settings, nil
	}
}
