package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/fleetworks/rollout/internal/core/domain"
)

// groupTag is the instance tag that assigns an EC2 instance to a
// rollout group.
const groupTag = "rollout-group"

// AWSProvider implements Provider for AWS EC2.
type AWSProvider struct {
	client *ec2.Client
	logger *slog.Logger
}

// NewAWSProvider creates a new AWS EC2 inventory provider.
func NewAWSProvider(accessKeyID, secretAccessKey, region string, logger *slog.Logger) *AWSProvider {
	client := ec2.New(ec2.Options{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
	})
	return &AWSProvider{
		client: client,
		logger: logger.With("provider", "aws"),
	}
}

// Discover lists running instances tagged rollout-group=<filter>.
func (p *AWSProvider) Discover(ctx context.Context, filter string) ([]domain.Host, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + groupTag), Values: []string{filter}},
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	}

	var hosts []domain.Host
	paginator := ec2.NewDescribeInstancesPaginator(p.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: describe instances: %v", domain.ErrConnectivity, err)
		}
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				hosts = append(hosts, domain.Host{
					Name:    instanceName(instance),
					Address: instanceAddress(instance),
				})
			}
		}
	}

	p.logger.Info("discovered hosts", "filter", filter, "count", len(hosts))
	return hosts, nil
}

func instanceName(instance ec2types.Instance) string {
	for _, tag := range instance.Tags {
		if aws.ToString(tag.Key) == "Name" {
			return aws.ToString(tag.Value)
		}
	}
	return aws.ToString(instance.InstanceId)
}

// instanceAddress prefers the private IP; deployments run inside the
// VPC. Public IP is the fallback for instances without one.
func instanceAddress(instance ec2types.Instance) string {
	if addr := aws.ToString(instance.PrivateIpAddress); addr != "" {
		return addr
	}
	return aws.ToString(instance.PublicIpAddress)
}
