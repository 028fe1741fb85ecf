// Package permission decides whether an account may invoke a class of bot
// commands. The check is a pure predicate over configured account lists;
// reporting a denial back to the pull request is the caller's business.
package permission

// Class is a permission class. Commands map onto classes: build commands
// check ClassBuild, deploy commands check ClassDeploy, everything else
// checks ClassCommand.
type Class string

const (
	ClassBuild   Class = "build"
	ClassCommand Class = "command"
	ClassDeploy  Class = "deploy"
)

// Denial template keys handed back to the comment layer.
const (
	DenialBuild   = "no_build_permission"
	DenialCommand = "no_command_permission"
	DenialDeploy  = "no_deploy_permission"
)

// ClassPolicy is the configured account list for one permission class.
//
// EmptyMeansAnyone controls the semantics of an empty Accounts list. The
// historical behavior differs per class: an unset build or command list
// admits everyone, while an unset deploy list admits no one. Keeping this
// a knob makes the asymmetry explicit and testable instead of hard-coded.
type ClassPolicy struct {
	Accounts         []string
	EmptyMeansAnyone bool
}

// Allows reports whether account passes this class policy.
func (p ClassPolicy) Allows(account string) bool {
	if len(p.Accounts) == 0 {
		return p.EmptyMeansAnyone
	}
	for _, a := range p.Accounts {
		if a == account {
			return true
		}
	}
	return false
}

// Policy holds the per-class account lists.
type Policy struct {
	Build   ClassPolicy
	Command ClassPolicy
	Deploy  ClassPolicy
}

// DefaultPolicy returns a policy with no accounts configured and the
// historical empty-list semantics: build and command open, deploy closed.
func DefaultPolicy() Policy {
	return Policy{
		Build:   ClassPolicy{EmptyMeansAnyone: true},
		Command: ClassPolicy{EmptyMeansAnyone: true},
		Deploy:  ClassPolicy{EmptyMeansAnyone: false},
	}
}

// Decision is the outcome of a permission check. DenialKey names the
// comment template to render when Allowed is false.
type Decision struct {
	Allowed   bool
	DenialKey string
}

// Check evaluates account against the policy for class.
func (p Policy) Check(account string, class Class) Decision {
	var cp ClassPolicy
	var denial string
	switch class {
	case ClassBuild:
		cp, denial = p.Build, DenialBuild
	case ClassDeploy:
		cp, denial = p.Deploy, DenialDeploy
	default:
		cp, denial = p.Command, DenialCommand
	}
	if cp.Allows(account) {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, DenialKey: denial}
}
