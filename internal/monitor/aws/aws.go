// Package aws wraps the EC2 and ELBv2 control-plane calls the deployment
// monitor needs: describing and terminating a single instance, and
// registering it with a load-balancer target group.
package aws

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/aws/aws-sdk-go/service/elbv2/elbv2iface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Digital-Botschafter-und-mehr/datatools-server/pkg/model"
)

// Cluster wraps EC2 and ELBv2 clients scoped to one region. The same session
// credentials are used for both; a monitor typically holds one Cluster for
// the lifetime of a deployment run and it is safe for concurrent use.
type Cluster struct {
	ec2 ec2iface.EC2API
	elb elbv2iface.ELBV2API

	syslog *logrus.Entry
}

// New creates a new Cluster. The AWS session is created from the default
// credential chain (IAM instance role, shared credentials file, or
// environment). The required permissions are "ec2:DescribeInstances",
// "ec2:TerminateInstances", "elasticloadbalancing:RegisterTargets", and
// "elasticloadbalancing:DescribeTargetHealth".
func New(region string) (*Cluster, error) {
	config := &aws.Config{}
	if region != "" {
		config.Region = aws.String(region)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AWS session")
	}
	return &Cluster{
		ec2:    ec2.New(sess),
		elb:    elbv2.New(sess),
		syslog: logrus.WithField("component", "aws-cluster"),
	}, nil
}

// See https://docs.aws.amazon.com/AWSEC2/latest/UserGuide/ec2-instance-lifecycle.html.
var ec2InstanceStates = map[string]model.InstanceState{
	"pending":       model.Starting,
	"running":       model.Running,
	"stopped":       model.Stopped,
	"stopping":      model.Stopping,
	"shutting-down": model.Terminating,
	"terminated":    model.Terminated,
}

func stateFromEC2State(state *ec2.InstanceState) model.InstanceState {
	if state == nil || state.Name == nil {
		return model.Unknown
	}
	if res, ok := ec2InstanceStates[*state.Name]; ok {
		return res
	}
	return model.Unknown
}

// InstanceHealth reports the current lifecycle state of the instance. An
// instance missing from the response yields Known=false rather than an
// error: DescribeInstances can lag a recent launch.
func (c *Cluster) InstanceHealth(instanceID string) (model.InstanceHealth, error) {
	instances, err := c.describeInstancesByID([]string{instanceID})
	if err != nil {
		return model.InstanceHealth{}, errors.Wrap(err, "cannot describe EC2 instance")
	}
	for _, inst := range instances {
		if inst.InstanceId == nil || *inst.InstanceId != instanceID {
			continue
		}
		health := model.InstanceHealth{
			Known: true,
			State: stateFromEC2State(inst.State),
		}
		if inst.State != nil && inst.State.Name != nil {
			health.StateName = *inst.State.Name
		}
		return health, nil
	}
	return model.InstanceHealth{}, nil
}

// TerminateInstance requests termination and returns the resulting state.
// Terminating an already-terminated instance is a no-op on the EC2 side.
func (c *Cluster) TerminateInstance(instanceID string) (*model.Instance, error) {
	input := &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(instanceID)},
	}
	res, err := c.ec2.TerminateInstances(input)
	if err != nil {
		return nil, errors.Wrap(err, "cannot terminate EC2 instance")
	}
	for _, change := range res.TerminatingInstances {
		if change.InstanceId == nil || *change.InstanceId != instanceID {
			continue
		}
		inst := &model.Instance{
			ID:    *change.InstanceId,
			State: stateFromEC2State(change.CurrentState),
		}
		c.syslog.Infof("terminated EC2 instance: %s", inst)
		return inst, nil
	}
	return nil, errors.Errorf("terminate response did not include instance %s", instanceID)
}

// RegisterTarget registers the instance with the target group. The call is
// idempotent; repeating it for an already-registered target is safe.
func (c *Cluster) RegisterTarget(targetGroupArn, instanceID string) error {
	input := &elbv2.RegisterTargetsInput{
		TargetGroupArn: aws.String(targetGroupArn),
		Targets: []*elbv2.TargetDescription{
			{Id: aws.String(instanceID)},
		},
	}
	if _, err := c.elb.RegisterTargets(input); err != nil {
		return errors.Wrap(err, "cannot register target with target group")
	}
	return nil
}

// TargetRegistered reports whether the instance appears among the target
// group's target descriptions. Presence alone confirms registration; the
// target's health state ("initial", "healthy", ...) is not distinguished.
func (c *Cluster) TargetRegistered(targetGroupArn, instanceID string) (bool, error) {
	input := &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(targetGroupArn),
	}
	res, err := c.elb.DescribeTargetHealth(input)
	if err != nil {
		return false, errors.Wrap(err, "cannot describe target group health")
	}
	for _, desc := range res.TargetHealthDescriptions {
		if desc.Target != nil && desc.Target.Id != nil && *desc.Target.Id == instanceID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Cluster) describeInstancesByID(instanceIDs []string) ([]*ec2.Instance, error) {
	if len(instanceIDs) == 0 {
		return make([]*ec2.Instance, 0), nil
	}
	ids := make([]*string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		ids = append(ids, aws.String(id))
	}
	input := &ec2.DescribeInstancesInput{
		InstanceIds: ids,
	}
	result, err := c.ec2.DescribeInstances(input)
	if err != nil {
		return nil, err
	}
	var instances []*ec2.Instance
	for _, rsv := range result.Reservations {
		if rsv.Instances != nil {
			instances = append(instances, rsv.Instances...)
		}
	}
	return instances, nil
}
