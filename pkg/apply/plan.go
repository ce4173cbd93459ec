// Package apply turns a manifest into a filtered plan and executes it with a
// pre-apply snapshot and post-apply verification.
package apply

import (
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/content"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
)

// Skip reasons.
const (
	SkipNotSelected  = "not_selected"
	SkipPolicyIgnore = "policy_ignore"
)

// Selection narrows a plan to specific artifacts. Empty selects everything.
type Selection struct {
	ArtifactUIDs []string `json:"artifact_uids,omitempty"`
}

// Options are per-call switches.
type Options struct {
	AllowDestructive bool `json:"allow_destructive,omitempty"`
	DryRun           bool `json:"dry_run,omitempty"`
}

// Policy is the site-wide governance configuration. Empty class defaults
// leave the registry default in place.
type Policy struct {
	BlockDestructive bool
	OptionDefault    artifact.Policy
	EntityDefault    artifact.Policy
	Overrides        map[string]artifact.Policy
}

// Step is one artifact the plan will write.
type Step struct {
	UID         string          `json:"artifact_uid"`
	Type        artifact.Type   `json:"artifact_type"`
	Policy      artifact.Policy `json:"policy"`
	TargetHash  string          `json:"target_hash"`
	Destructive bool            `json:"destructive"`

	key     string
	payload any
}

// Skipped names an artifact left out of the plan and why.
type Skipped struct {
	UID    string `json:"artifact_uid"`
	Reason string `json:"reason"`
}

// Plan is derived per call and never persisted.
type Plan struct {
	PackageID string    `json:"package_id,omitempty"`
	Options   []Step    `json:"options"`
	Entities  []Step    `json:"entities"`
	Skipped   []Skipped `json:"skipped"`
}

// UIDs lists every artifact the plan will touch, options first.
func (p *Plan) UIDs() []string {
	out := make([]string, 0, len(p.Options)+len(p.Entities))
	for _, s := range p.Options {
		out = append(out, s.UID)
	}
	for _, s := range p.Entities {
		out = append(out, s.UID)
	}
	return out
}

// Planner turns a manifest and a policy into a Plan. It never reads or writes
// the content store.
type Planner struct {
	registry *artifact.Registry
	policy   Policy
}

// NewPlanner returns a planner resolving artifact types in reg.
func NewPlanner(reg *artifact.Registry, policy Policy) *Planner {
	return &Planner{registry: reg, policy: policy}
}

// ResolvePolicy applies the registry default, then the class default, then
// the per-uid override.
func (p *Planner) ResolvePolicy(uid string, t artifact.Type) artifact.Policy {
	def, _ := p.registry.Lookup(t)
	pol := def.DefaultPolicy
	switch def.Kind {
	case artifact.KindOption:
		if p.policy.OptionDefault != "" {
			pol = p.policy.OptionDefault
		}
	case artifact.KindEntity:
		if p.policy.EntityDefault != "" {
			pol = p.policy.EntityDefault
		}
	}
	if o, ok := p.policy.Overrides[uid]; ok && o != "" {
		pol = o
	}
	return pol
}

// BuildPlan validates m against sel and opts. Nothing is planned when any
// check fails.
func (p *Planner) BuildPlan(m *manifest.Manifest, sel Selection, opts Options) (*Plan, error) {
	if m == nil || len(m.Artifacts) == 0 {
		return nil, errcode.New(errcode.EmptyManifest, "manifest has no artifacts")
	}

	selected := make(map[string]struct{}, len(sel.ArtifactUIDs))
	for _, uid := range sel.ArtifactUIDs {
		selected[uid] = struct{}{}
	}

	plan := &Plan{PackageID: m.PackageID, Options: []Step{}, Entities: []Step{}, Skipped: []Skipped{}}
	var candidates []manifest.Artifact
	for _, a := range m.Artifacts {
		if a.UID == "" || a.Type == "" {
			return nil, errcode.New(errcode.InvalidInput, "artifact_uid and artifact_type are required")
		}
		if len(selected) > 0 {
			if _, ok := selected[a.UID]; !ok {
				plan.Skipped = append(plan.Skipped, Skipped{UID: a.UID, Reason: SkipNotSelected})
				continue
			}
		}
		candidates = append(candidates, a)
	}

	if p.policy.BlockDestructive && !opts.AllowDestructive {
		for _, a := range candidates {
			if a.IsDelete() {
				return nil, errcode.Newf(errcode.DestructiveBlocked, "artifact %s deletes local state and destructive changes are blocked", a.UID).
					WithDetail("artifact_uid", a.UID)
			}
		}
	}

	for _, a := range candidates {
		pol := p.ResolvePolicy(a.UID, a.Type)
		if pol == artifact.PolicyIgnore {
			plan.Skipped = append(plan.Skipped, Skipped{UID: a.UID, Reason: SkipPolicyIgnore})
			continue
		}
		u, err := artifact.ParseUID(a.UID)
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidInput, err, "plan")
		}

		step := Step{
			UID:         a.UID,
			Type:        a.Type,
			Policy:      pol,
			TargetHash:  a.Hash,
			Destructive: a.IsDelete(),
			key:         u.Key,
		}
		if !step.Destructive {
			step.payload = a.Payload
		}
		if step.TargetHash == "" {
			h, err := content.Hash(p.registry, a.UID, a.Type, step.payload)
			if err != nil {
				return nil, errcode.Wrap(errcode.InvalidInput, err, "hash "+a.UID)
			}
			step.TargetHash = h
		}

		if u.Kind == artifact.KindOption {
			plan.Options = append(plan.Options, step)
		} else {
			plan.Entities = append(plan.Entities, step)
		}
	}
	return plan, nil
}
