// Package fabric wraps the cloud container-service and load-balancer
// APIs behind a narrow, well-typed surface. Every operation is a named
// verb with explicit inputs and no hidden retries.
package fabric

import "context"

// Fabric is the provisioning surface the runtime lifecycle drives.
// Handles returned here are persisted to the store immediately so
// teardown can release exactly what was created.
type Fabric interface {
	// CreateTargetGroup creates an HTTPS target group with a health
	// check on /ping and returns its handle.
	CreateTargetGroup(ctx context.Context, name string) (string, error)

	// CreateListenerRules installs the HTTP redirect rule and the HTTPS
	// forward rule for a host pattern at the given priority. Returns the
	// HTTP and HTTPS rule handles, in that order.
	CreateListenerRules(ctx context.Context, hostPattern, targetGroupHandle string, priority int) (string, string, error)

	// CreateService launches a container service bound to the target
	// group, using the latest revision of the configured task-definition
	// family, and returns its handle.
	CreateService(ctx context.Context, name, targetGroupHandle string) (string, error)

	// LatestTaskDefinitionRevision returns the newest revision of the
	// configured task-definition family.
	LatestTaskDefinitionRevision(ctx context.Context) (int, error)

	// ForceRedeploy rolls a service onto the given revision.
	ForceRedeploy(ctx context.Context, serviceName string, revision int) error

	// ActiveDeployment returns the id of the service's ACTIVE (draining)
	// deployment, or "" once only the PRIMARY deployment remains.
	ActiveDeployment(ctx context.Context, serviceName string) (string, error)

	// DeleteRule removes a listener rule.
	DeleteRule(ctx context.Context, handle string) error

	// DeleteTargetGroup removes a target group.
	DeleteTargetGroup(ctx context.Context, handle string) error

	// DeleteService force-deletes a service.
	DeleteService(ctx context.Context, name string) error

	// WaitServicesInactive blocks until the named service has drained.
	WaitServicesInactive(ctx context.Context, name string) error
}

// Error wraps a provider failure with the operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "fabric: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
