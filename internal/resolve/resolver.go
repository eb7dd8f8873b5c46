// Package resolve maps inbound alarm events to the concrete hosts they
// concern, by alarm dimension: a single instance, the in-service members of
// a scaling group, or the unhealthy targets behind a routing target group.
package resolve

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/opsmend/opsmend/internal/incident"
)

// Dimension names recognized during target resolution.
const (
	DimInstanceID  = "InstanceId"
	DimGroupName   = "AutoScalingGroupName"
	DimTargetGroup = "TargetGroup"
)

const lifecycleInService = "InService"

// Instance is one group member as reported by the inventory backend.
type Instance struct {
	ID             string `json:"id"`
	LifecycleState string `json:"lifecycle_state"`
}

// TargetHealth is one routing target and its reported health state.
type TargetHealth struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Inventory is the fleet-lookup backend.
type Inventory interface {
	GroupInstances(ctx context.Context, group string) ([]Instance, error)
	TargetHealthDescriptions(ctx context.Context, targetGroup string) ([]TargetHealth, error)
}

// Resolver resolves alarm events to target hosts.
type Resolver struct {
	inv    Inventory
	logger *zap.Logger
}

// NewResolver creates a resolver over an inventory backend.
func NewResolver(inv Inventory, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{inv: inv, logger: logger}
}

// Resolve returns the hosts an alarm concerns. Dimension priority, first
// match wins: explicit instance id, then scaling group (in-service members),
// then target group (unhealthy, instance-shaped targets only). Backend
// failures degrade to an empty result instead of blocking the pipeline; an
// empty result is the caller's "no targets" condition.
func (r *Resolver) Resolve(ctx context.Context, event incident.AlarmEvent) []string {
	dims := event.DimensionMap()

	if id := dims[DimInstanceID]; id != "" {
		return []string{id}
	}

	if group := dims[DimGroupName]; group != "" {
		instances, err := r.inv.GroupInstances(ctx, group)
		if err != nil {
			r.logger.Error("group lookup failed, resolving to no targets",
				zap.String("group", group), zap.Error(err))
			return nil
		}
		var hosts []string
		for _, inst := range instances {
			if inst.LifecycleState == lifecycleInService {
				hosts = append(hosts, inst.ID)
			}
		}
		return hosts
	}

	if tg := dims[DimTargetGroup]; tg != "" {
		targets, err := r.inv.TargetHealthDescriptions(ctx, tg)
		if err != nil {
			r.logger.Error("target group lookup failed, resolving to no targets",
				zap.String("target_group", tg), zap.Error(err))
			return nil
		}
		var hosts []string
		for _, t := range targets {
			if t.State != "healthy" && strings.HasPrefix(t.ID, "i-") {
				hosts = append(hosts, t.ID)
			}
		}
		return hosts
	}

	r.logger.Warn("no resolvable dimension on alarm", zap.String("alarm", event.AlarmName))
	return nil
}
