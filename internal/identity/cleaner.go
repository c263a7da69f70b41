// Package identity removes the IAM roles and instance profiles that worker
// instances were launched with.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/w-gao/nodeforge/internal/retry"
)

// IAMAPI defines the IAM operations used by the cleaner.
type IAMAPI interface {
	ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error)
	DeleteRolePolicy(ctx context.Context, params *iam.DeleteRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
	GetInstanceProfile(ctx context.Context, params *iam.GetInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error)
	RemoveRoleFromInstanceProfile(ctx context.Context, params *iam.RemoveRoleFromInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error)
	DeleteInstanceProfile(ctx context.Context, params *iam.DeleteInstanceProfileInput, optFns ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error)
}

// Cleaner deletes IAM roles and instance profiles together with whatever
// still references them.
type Cleaner struct {
	api IAMAPI
	log zerolog.Logger

	window time.Duration
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
}

// NewCleaner creates a cleaner. A nil logger selects the global one.
func NewCleaner(api IAMAPI, logger *zerolog.Logger) *Cleaner {
	c := &Cleaner{
		api:    api,
		log:    log.Logger.With().Str("component", "identity").Logger(),
		window: retry.ShortWindow,
		sleep:  retry.Sleep,
		now:    time.Now,
	}
	if logger != nil {
		c.log = *logger
	}
	return c
}

// DeleteRole detaches the role's managed policies, deletes its inline
// policies and then the role. A role that does not exist is not an error.
func (c *Cleaner) DeleteRole(ctx context.Context, name string) error {
	attached := iam.NewListAttachedRolePoliciesPaginator(c.api, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(name)})
	for attached.HasMorePages() {
		page, err := attached.NextPage(ctx)
		if err != nil {
			if isNoSuchEntity(err) {
				c.log.Debug().Ctx(ctx).Str("role", name).Msg("role already deleted")
				return nil
			}
			return fmt.Errorf("list attached policies of role %s: %w", name, err)
		}
		for _, p := range page.AttachedPolicies {
			_, err := c.api.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
				RoleName:  aws.String(name),
				PolicyArn: p.PolicyArn,
			})
			if err != nil && !isNoSuchEntity(err) {
				return fmt.Errorf("detach policy %s from role %s: %w", aws.ToString(p.PolicyArn), name, err)
			}
		}
	}

	inline := iam.NewListRolePoliciesPaginator(c.api, &iam.ListRolePoliciesInput{RoleName: aws.String(name)})
	for inline.HasMorePages() {
		page, err := inline.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list inline policies of role %s: %w", name, err)
		}
		for _, policyName := range page.PolicyNames {
			_, err := c.api.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   aws.String(name),
				PolicyName: aws.String(policyName),
			})
			if err != nil && !isNoSuchEntity(err) {
				return fmt.Errorf("delete inline policy %s of role %s: %w", policyName, name, err)
			}
		}
	}

	// Detaching is eventually consistent; the role stays in conflict for a moment.
	err := retry.Run(ctx, c.policy("DeleteRole"), func(ctx context.Context) error {
		_, err := c.api.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
		return err
	})
	if err != nil && !isNoSuchEntity(err) {
		return fmt.Errorf("delete role %s: %w", name, err)
	}
	c.log.Info().Ctx(ctx).Str("role", name).Msg("deleted role")
	return nil
}

// DeleteInstanceProfile removes all roles from the profile and deletes it.
// A profile that does not exist is not an error.
func (c *Cleaner) DeleteInstanceProfile(ctx context.Context, name string) error {
	out, err := c.api.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if err != nil {
		if isNoSuchEntity(err) {
			c.log.Debug().Ctx(ctx).Str("instance_profile", name).Msg("instance profile already deleted")
			return nil
		}
		return fmt.Errorf("get instance profile %s: %w", name, err)
	}

	if out.InstanceProfile != nil {
		for _, role := range out.InstanceProfile.Roles {
			_, err := c.api.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
				InstanceProfileName: aws.String(name),
				RoleName:            role.RoleName,
			})
			if err != nil && !isNoSuchEntity(err) {
				return fmt.Errorf("remove role %s from instance profile %s: %w", aws.ToString(role.RoleName), name, err)
			}
		}
	}

	err = retry.Run(ctx, c.policy("DeleteInstanceProfile"), func(ctx context.Context) error {
		_, err := c.api.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: aws.String(name)})
		return err
	})
	if err != nil && !isNoSuchEntity(err) {
		return fmt.Errorf("delete instance profile %s: %w", name, err)
	}
	c.log.Info().Ctx(ctx).Str("instance_profile", name).Msg("deleted instance profile")
	return nil
}

func (c *Cleaner) policy(name string) retry.Policy {
	return retry.Policy{
		Name:      name,
		Delays:    retry.DefaultDelays,
		Window:    c.window,
		Retryable: retry.Code(retry.CodeDeleteConflict),
		Sleep:     c.sleep,
		Now:       c.now,
	}
}

func isNoSuchEntity(err error) bool {
	return retry.ErrorCode(err) == retry.CodeNoSuchEntity
}
