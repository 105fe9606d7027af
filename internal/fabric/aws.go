package fabric

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/aidenhq/aiden/internal/common/config"
)

// runtimeContainerName is the container the load balancer routes to
// inside every runtime task definition.
const runtimeContainerName = "runtime"

// serviceDrainTimeout bounds WaitServicesInactive.
const serviceDrainTimeout = 10 * time.Minute

// elbv2API is the slice of the load-balancer client the adapter uses.
type elbv2API interface {
	CreateTargetGroup(ctx context.Context, params *elbv2.CreateTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error)
	CreateRule(ctx context.Context, params *elbv2.CreateRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error)
	DeleteRule(ctx context.Context, params *elbv2.DeleteRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteRuleOutput, error)
	DeleteTargetGroup(ctx context.Context, params *elbv2.DeleteTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error)
}

// ecsAPI is the slice of the container-service client the adapter uses.
// It satisfies ecs.DescribeServicesAPIClient so the SDK waiter can run
// against it.
type ecsAPI interface {
	CreateService(ctx context.Context, params *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
	DeleteService(ctx context.Context, params *ecs.DeleteServiceInput, optFns ...func(*ecs.Options)) (*ecs.DeleteServiceOutput, error)
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	DescribeTaskDefinition(ctx context.Context, params *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
}

// AWS implements Fabric over ELBv2 and ECS.
type AWS struct {
	elb elbv2API
	ecs ecsAPI
	cfg config.FabricConfig
}

var _ Fabric = (*AWS)(nil)

// NewAWS loads the default SDK configuration and builds the adapter.
func NewAWS(ctx context.Context, cfg config.FabricConfig) (*AWS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cloud credentials: %w", err)
	}
	return &AWS{
		elb: elbv2.NewFromConfig(awsCfg),
		ecs: ecs.NewFromConfig(awsCfg),
		cfg: cfg,
	}, nil
}

// NewAWSWithClients builds the adapter over caller-supplied clients.
// Used by tests.
func NewAWSWithClients(elb elbv2API, ecsClient ecsAPI, cfg config.FabricConfig) *AWS {
	return &AWS{elb: elb, ecs: ecsClient, cfg: cfg}
}

func (a *AWS) CreateTargetGroup(ctx context.Context, name string) (string, error) {
	out, err := a.elb.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
		Name:                aws.String(name),
		VpcId:               aws.String(a.cfg.VPCID),
		Protocol:            elbtypes.ProtocolEnumHttps,
		Port:                aws.Int32(443),
		TargetType:          elbtypes.TargetTypeEnumIp,
		HealthCheckProtocol: elbtypes.ProtocolEnumHttps,
		HealthCheckPath:     aws.String("/ping"),
		HealthCheckPort:     aws.String("traffic-port"),
	})
	if err != nil {
		return "", opErr("create_target_group", err)
	}
	if len(out.TargetGroups) == 0 || out.TargetGroups[0].TargetGroupArn == nil {
		return "", opErr("create_target_group", fmt.Errorf("no target group in response"))
	}
	return *out.TargetGroups[0].TargetGroupArn, nil
}

func (a *AWS) CreateListenerRules(ctx context.Context, hostPattern, targetGroupHandle string, priority int) (string, string, error) {
	hostCondition := elbtypes.RuleCondition{
		Field: aws.String("host-header"),
		HostHeaderConfig: &elbtypes.HostHeaderConditionConfig{
			Values: []string{hostPattern},
		},
	}

	httpOut, err := a.elb.CreateRule(ctx, &elbv2.CreateRuleInput{
		ListenerArn: aws.String(a.cfg.HTTPListenerARN),
		Priority:    aws.Int32(int32(priority)),
		Conditions:  []elbtypes.RuleCondition{hostCondition},
		Actions: []elbtypes.Action{{
			Type: elbtypes.ActionTypeEnumRedirect,
			RedirectConfig: &elbtypes.RedirectActionConfig{
				Protocol:   aws.String("HTTPS"),
				Port:       aws.String("443"),
				StatusCode: elbtypes.RedirectActionStatusCodeEnumHttp301,
			},
		}},
	})
	if err != nil {
		return "", "", opErr("create_http_rule", err)
	}
	if len(httpOut.Rules) == 0 || httpOut.Rules[0].RuleArn == nil {
		return "", "", opErr("create_http_rule", fmt.Errorf("no rule in response"))
	}
	httpRule := *httpOut.Rules[0].RuleArn

	httpsOut, err := a.elb.CreateRule(ctx, &elbv2.CreateRuleInput{
		ListenerArn: aws.String(a.cfg.HTTPSListenerARN),
		Priority:    aws.Int32(int32(priority)),
		Conditions:  []elbtypes.RuleCondition{hostCondition},
		Actions: []elbtypes.Action{{
			Type:           elbtypes.ActionTypeEnumForward,
			TargetGroupArn: aws.String(targetGroupHandle),
		}},
	})
	if err != nil {
		return "", "", opErr("create_https_rule", err)
	}
	if len(httpsOut.Rules) == 0 || httpsOut.Rules[0].RuleArn == nil {
		return "", "", opErr("create_https_rule", fmt.Errorf("no rule in response"))
	}
	return httpRule, *httpsOut.Rules[0].RuleArn, nil
}

func (a *AWS) CreateService(ctx context.Context, name, targetGroupHandle string) (string, error) {
	revision, err := a.LatestTaskDefinitionRevision(ctx)
	if err != nil {
		return "", err
	}

	out, err := a.ecs.CreateService(ctx, &ecs.CreateServiceInput{
		Cluster:        aws.String(a.cfg.Cluster),
		ServiceName:    aws.String(name),
		TaskDefinition: aws.String(fmt.Sprintf("%s:%d", a.cfg.TaskDefinitionFamily, revision)),
		DesiredCount:   aws.Int32(1),
		LaunchType:     ecstypes.LaunchTypeFargate,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        a.cfg.Subnets,
				SecurityGroups: a.cfg.SecurityGroups,
				AssignPublicIp: ecstypes.AssignPublicIpEnabled,
			},
		},
		LoadBalancers: []ecstypes.LoadBalancer{{
			TargetGroupArn: aws.String(targetGroupHandle),
			ContainerName:  aws.String(runtimeContainerName),
			ContainerPort:  aws.Int32(80),
		}},
	})
	if err != nil {
		return "", opErr("create_service", err)
	}
	if out.Service == nil || out.Service.ServiceArn == nil {
		return "", opErr("create_service", fmt.Errorf("no service in response"))
	}
	return *out.Service.ServiceArn, nil
}

func (a *AWS) LatestTaskDefinitionRevision(ctx context.Context) (int, error) {
	out, err := a.ecs.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(a.cfg.TaskDefinitionFamily),
	})
	if err != nil {
		return 0, opErr("latest_task_definition_revision", err)
	}
	if out.TaskDefinition == nil {
		return 0, opErr("latest_task_definition_revision", fmt.Errorf("no task definition in response"))
	}
	return int(out.TaskDefinition.Revision), nil
}

func (a *AWS) ForceRedeploy(ctx context.Context, serviceName string, revision int) error {
	_, err := a.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(a.cfg.Cluster),
		Service:            aws.String(serviceName),
		TaskDefinition:     aws.String(fmt.Sprintf("%s:%d", a.cfg.TaskDefinitionFamily, revision)),
		ForceNewDeployment: true,
	})
	return opErr("force_redeploy", err)
}

func (a *AWS) ActiveDeployment(ctx context.Context, serviceName string) (string, error) {
	out, err := a.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(a.cfg.Cluster),
		Services: []string{serviceName},
	})
	if err != nil {
		return "", opErr("describe_service", err)
	}
	for _, svc := range out.Services {
		for _, dep := range svc.Deployments {
			if aws.ToString(dep.Status) == "ACTIVE" {
				return aws.ToString(dep.Id), nil
			}
		}
	}
	return "", nil
}

func (a *AWS) DeleteRule(ctx context.Context, handle string) error {
	_, err := a.elb.DeleteRule(ctx, &elbv2.DeleteRuleInput{RuleArn: aws.String(handle)})
	return opErr("delete_rule", err)
}

func (a *AWS) DeleteTargetGroup(ctx context.Context, handle string) error {
	_, err := a.elb.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{TargetGroupArn: aws.String(handle)})
	return opErr("delete_target_group", err)
}

func (a *AWS) DeleteService(ctx context.Context, name string) error {
	_, err := a.ecs.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: aws.String(a.cfg.Cluster),
		Service: aws.String(name),
		Force:   aws.Bool(true),
	})
	return opErr("delete_service", err)
}

func (a *AWS) WaitServicesInactive(ctx context.Context, name string) error {
	waiter := ecs.NewServicesInactiveWaiter(a.ecs)
	err := waiter.Wait(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(a.cfg.Cluster),
		Services: []string{name},
	}, serviceDrainTimeout)
	return opErr("wait_services_inactive", err)
}
