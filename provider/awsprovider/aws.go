// Package awsprovider implements the AWS EC2 provider plugin: instance
// inventory and security-group-derived child discovery, scoped to EC2
// instances.
package awsprovider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/network"
	"github.com/astrolabe-oss/astrolabe/profile"
	"github.com/astrolabe-oss/astrolabe/provider"
)

// Provider discovers EC2 instances in a single AWS account/region,
// authenticated via the default AWS credential chain (or --profile).
type Provider struct {
	provider.BaseProvider

	store graph.Store

	awsProfile string
	appNameTag string
	tagFilters string // comma-joined TAG=VALUE pairs (FlagRegisterer has no slice flag)

	mu  sync.Mutex
	cli *ec2.Client
}

// New constructs the aws provider. store is written during Inventory.
func New(store graph.Store) *Provider {
	return &Provider{store: store}
}

// Ref returns this provider's unique identifier.
func (*Provider) Ref() string { return "aws" }

// RegisterFlags registers this provider's CLI flags.
func (p *Provider) RegisterFlags(fs provider.FlagRegisterer) {
	fs.StringVar(&p.awsProfile, "profile", "", "AWS credentials profile to use, overriding AWS_PROFILE")
	fs.StringVar(&p.appNameTag, "app-name-tag", "", "AWS tag key associated with an instance's app name")
	fs.StringVar(&p.tagFilters, "tag-filters", "", "Comma-separated TAG_NAME=VALUE pairs to additionally filter instances by")
}

func (p *Provider) client(ctx context.Context) (*ec2.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cli != nil {
		return p.cli, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if p.awsProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(p.awsProfile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("awsprovider: loading AWS config: %w", err)
	}
	p.cli = ec2.NewFromConfig(cfg)
	return p.cli, nil
}

// Inventory bulk-populates every running EC2 instance tagged with
// --app-name-tag. RDS, ElastiCache and ELB resources are not inventoried.
func (p *Provider) Inventory(ctx context.Context) error {
	if p.store == nil || p.appNameTag == "" {
		return nil
	}
	cli, err := p.client(ctx)
	if err != nil {
		return err
	}

	paginator := ec2.NewDescribeInstancesPaginator(cli, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{Name: strPtr("instance-state-name"), Values: []string{"running"}}},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("awsprovider: describing instances: %w", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				appName, ok := tagValue(inst.Tags, p.appNameTag)
				if !ok {
					continue
				}
				address := ""
				if inst.PrivateIpAddress != nil {
					address = *inst.PrivateIpAddress
				}
				if address == "" {
					continue
				}
				node := graph.NewNode("ssh", network.ProtocolInventory)
				node.Address = address
				node.NodeType = graph.NodeTypeCompute
				node.ProfileStrategyName = profile.InventoryStrategyName
				node.ServiceName = appName
				if inst.InstanceId != nil {
					node.NodeName = *inst.InstanceId
				}
				p.store.Save("EC2_"+address, node)
			}
		}
	}
	return nil
}

// OpenConnection resolves address to a live EC2 instance ID, the handle
// every other method keys off of.
func (p *Provider) OpenConnection(ctx context.Context, address string) (provider.Conn, error) {
	cli, err := p.client(ctx)
	if err != nil {
		return nil, err
	}
	instance, err := p.describeByAddress(ctx, cli, address)
	if err != nil {
		return nil, err
	}
	if instance == nil || instance.InstanceId == nil {
		return nil, provider.ErrTimeout
	}
	return *instance.InstanceId, nil
}

// LookupName resolves address to the EC2 instance's --app-name-tag value.
func (p *Provider) LookupName(ctx context.Context, address string, conn provider.Conn) (string, error) {
	if p.appNameTag == "" {
		return "", nil
	}
	cli, err := p.client(ctx)
	if err != nil {
		return "", err
	}
	instance, err := p.describeByAddress(ctx, cli, address)
	if err != nil || instance == nil {
		return "", err
	}
	name, _ := tagValue(instance.Tags, p.appNameTag)
	return name, nil
}

// TakeAHint resolves hint to a running instance tagged with the hinted
// service name.
func (p *Provider) TakeAHint(ctx context.Context, hint network.Hint) ([]graph.NodeTransport, error) {
	cli, err := p.client(ctx)
	if err != nil {
		return nil, err
	}
	filters := []types.Filter{
		{Name: strPtr("instance-state-name"), Values: []string{"running"}},
		{Name: strPtr("tag:" + p.appNameTag), Values: []string{hint.ServiceName}},
	}
	filters = append(filters, p.extraTagFilters()...)

	out, err := cli.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: filters, MaxResults: int32Ptr(5)})
	if err != nil {
		return nil, fmt.Errorf("awsprovider: resolving hint %s: %w", hint.ServiceName, err)
	}
	instance := firstInstance(out.Reservations)
	if instance == nil || instance.PrivateIpAddress == nil {
		return nil, fmt.Errorf("awsprovider: no running instance found for hint %s", hint.ServiceName)
	}

	return []graph.NodeTransport{{
		ProfileStrategyName: profile.HintStrategyName,
		Provider:            hint.Provider,
		Protocol:            hint.Protocol,
		ProtocolMux:         hint.ProtocolMux,
		Address:             *instance.PrivateIpAddress,
		DebugIdentifier:     hint.ServiceName,
		NodeType:            graph.NodeTypeCompute,
	}}, nil
}

// Profile derives child nodes from the instance's attached security
// groups: for every inbound permission opened from another security group,
// any running instance carrying that peer group is a caller this instance
// serves on that port.
func (p *Provider) Profile(ctx context.Context, node *graph.Node, strategies []profile.Strategy, conn provider.Conn) ([]graph.NodeTransport, error) {
	instanceID, _ := conn.(string)
	if instanceID == "" {
		return nil, nil
	}
	cli, err := p.client(ctx)
	if err != nil {
		return nil, err
	}

	groupIDs, err := p.instanceSecurityGroups(ctx, cli, instanceID)
	if err != nil || len(groupIDs) == 0 {
		return nil, err
	}

	sgOut, err := cli.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: groupIDs})
	if err != nil {
		return nil, fmt.Errorf("awsprovider: describing security groups: %w", err)
	}

	var transports []graph.NodeTransport
	for _, sg := range sgOut.SecurityGroups {
		for _, perm := range sg.IpPermissions {
			if perm.FromPort == nil {
				continue
			}
			mux := fmt.Sprintf("%d", *perm.FromPort)
			for _, pair := range perm.UserIdGroupPairs {
				if pair.GroupId == nil {
					continue
				}
				peers, err := p.instancesInGroup(ctx, cli, *pair.GroupId)
				if err != nil {
					continue
				}
				for _, peer := range peers {
					if peer.InstanceId != nil && instanceID == *peer.InstanceId {
						continue
					}
					if peer.PrivateIpAddress == nil {
						continue
					}
					transports = append(transports, graph.NodeTransport{
						Provider:    "ssh",
						ProtocolMux: mux,
						Address:     *peer.PrivateIpAddress,
						NodeType:    graph.NodeTypeCompute,
					})
				}
			}
		}
	}
	return transports, nil
}

func (p *Provider) instanceSecurityGroups(ctx context.Context, cli *ec2.Client, instanceID string) ([]string, error) {
	out, err := cli.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return nil, fmt.Errorf("awsprovider: describing instance %s: %w", instanceID, err)
	}
	instance := firstInstance(out.Reservations)
	if instance == nil {
		return nil, nil
	}
	var ids []string
	for _, g := range instance.SecurityGroups {
		if g.GroupId != nil {
			ids = append(ids, *g.GroupId)
		}
	}
	return ids, nil
}

func (p *Provider) instancesInGroup(ctx context.Context, cli *ec2.Client, groupID string) ([]types.Instance, error) {
	out, err := cli.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: strPtr("instance.group-id"), Values: []string{groupID}},
			{Name: strPtr("instance-state-name"), Values: []string{"running"}},
		},
	})
	if err != nil {
		return nil, err
	}
	var instances []types.Instance
	for _, res := range out.Reservations {
		instances = append(instances, res.Instances...)
	}
	return instances, nil
}

func (p *Provider) describeByAddress(ctx context.Context, cli *ec2.Client, address string) (*types.Instance, error) {
	filters := []types.Filter{
		{Name: strPtr("private-ip-address"), Values: []string{address}},
		{Name: strPtr("instance-state-name"), Values: []string{"running"}},
	}
	out, err := cli.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("awsprovider: describing instance at %s: %w", address, err)
	}
	return firstInstance(out.Reservations), nil
}

func (p *Provider) extraTagFilters() []types.Filter {
	if p.tagFilters == "" {
		return nil
	}
	var filters []types.Filter
	for _, pair := range strings.Split(p.tagFilters, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			name := "tag:" + kv[0]
			filters = append(filters, types.Filter{Name: &name, Values: []string{kv[1]}})
		}
	}
	return filters
}

func firstInstance(reservations []types.Reservation) *types.Instance {
	for _, res := range reservations {
		if len(res.Instances) > 0 {
			return &res.Instances[0]
		}
	}
	return nil
}

func tagValue(tags []types.Tag, key string) (string, bool) {
	for _, t := range tags {
		if t.Key != nil && *t.Key == key && t.Value != nil {
			return *t.Value, true
		}
	}
	return "", false
}

func strPtr(s string) *string { return &s }
func int32Ptr(v int32) *int32 { return &v }
