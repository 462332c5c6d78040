package lifecycle

import (
	"context"
	"fmt"

	"github.com/karlorz/cmux-sub003/internal/provider"
)

// CleanupStep is one named, order-significant step of a teardown
// sequence. Steps run in slice order and the first failure stops the
// bundle; earlier steps are not rolled back, since each step is itself
// either idempotent (provider stop, template delete) or deliberately
// left for last (the store record), making a partial run safe to retry.
type CleanupStep struct {
	Name string
	Run  func(ctx context.Context) error
}

// CleanupBundle is the delete-environment teardown sequence of the
// pinned design decision on ordering: provider-instance teardown, then
// template/image removal, then snapshot-version and environment-record
// deletion. Keeping it as one ordered value makes the sequence
// reviewable at a glance instead of scattered across a handler.
type CleanupBundle struct {
	Steps []CleanupStep
}

// Run executes every step in order, stopping at the first error.
func (b CleanupBundle) Run(ctx context.Context) error {
	for _, step := range b.Steps {
		if err := step.Run(ctx); err != nil {
			return fmt.Errorf("lifecycle: cleanup step %q: %w", step.Name, err)
		}
	}
	return nil
}

// EnvironmentRegistry is the subset of *registry.Registry the delete
// teardown needs: template/image removal plus the final store-record
// deletion, per §4.6.
type EnvironmentRegistry interface {
	Delete(ctx context.Context, environmentID string) error
}

// DeleteEnvironment builds and runs the CleanupBundle for §4.6's
// delete-environment operation. instanceID is optional: a caller
// deleting an environment whose backing instance is already gone (or
// was never provided) skips the provider-teardown step.
func (c *Controller) DeleteEnvironment(ctx context.Context, environmentID, instanceID string, reg EnvironmentRegistry) error {
	bundle := CleanupBundle{}
	if instanceID != "" {
		bundle.Steps = append(bundle.Steps, CleanupStep{
			Name: "provider-instance-teardown",
			Run: func(ctx context.Context) error {
				client, _, err := c.providers.ForInstance(instanceID)
				if err != nil {
					// Unrecognized or already-vanished instance: nothing to tear down.
					return nil
				}
				if err := client.Stop(ctx, instanceID); err != nil && err != provider.ErrNotFound {
					return err
				}
				return nil
			},
		})
	}
	bundle.Steps = append(bundle.Steps, CleanupStep{
		Name: "template-and-record-removal",
		Run: func(ctx context.Context) error {
			return reg.Delete(ctx, environmentID)
		},
	})
	return bundle.Run(ctx)
}


