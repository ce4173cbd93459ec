package manifest

import (
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
)

// Environment describes the site a manifest is about to be applied on.
type Environment struct {
	CoreVersion  string
	Capabilities []string
	SiteUID      string
	Role         string
}

// Checker evaluates manifest compatibility blocks. Compiled CEL programs are
// cached per expression.
type Checker struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewChecker builds the CEL environment rules are compiled in. Compiled
// programs are cached by rule text.
func NewChecker() (*Checker, error) {
	env, err := cel.NewEnv(
		cel.Variable("site", cel.DynType),
		cel.Variable("manifest", cel.DynType),
		cel.Variable("core_version", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("manifest: cel env: %w", err)
	}
	return &Checker{env: env, cache: make(map[string]cel.Program)}, nil
}

// Check returns an incompatible error when m cannot be applied in env.
func (c *Checker) Check(m *Manifest, env Environment) error {
	comp := m.Compatibility
	if comp == nil {
		return nil
	}

	if comp.MinCoreVersion != "" {
		ok, err := satisfiesCore(comp.MinCoreVersion, env.CoreVersion)
		if err != nil {
			return errcode.Wrap(errcode.Incompatible, err, "unreadable core version constraint")
		}
		if !ok {
			return errcode.Newf(errcode.Incompatible, "core version %s does not satisfy %s", env.CoreVersion, comp.MinCoreVersion)
		}
	}

	have := make(map[string]struct{}, len(env.Capabilities))
	for _, cp := range env.Capabilities {
		have[cp] = struct{}{}
	}
	var missing []string
	for _, req := range comp.RequiredCapabilities {
		if _, ok := have[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return errcode.New(errcode.Incompatible, "site lacks required capabilities").WithDetail("missing", missing)
	}

	if comp.Rule != "" {
		caps := make([]any, len(env.Capabilities))
		for i, cp := range env.Capabilities {
			caps[i] = cp
		}
		ok, err := c.eval(comp.Rule, map[string]any{
			"site": map[string]any{
				"uid":          env.SiteUID,
				"role":         env.Role,
				"capabilities": caps,
			},
			"manifest": map[string]any{
				"package_id":     m.PackageID,
				"version":        m.Version,
				"channel":        string(m.Channel),
				"artifact_count": int64(len(m.Artifacts)),
			},
			"core_version": env.CoreVersion,
		})
		if err != nil {
			return errcode.Wrap(errcode.Incompatible, err, "compatibility rule failed to evaluate")
		}
		if !ok {
			return errcode.Newf(errcode.Incompatible, "compatibility rule %q rejected this site", comp.Rule)
		}
	}
	return nil
}

// satisfiesCore accepts either a bare minimum version or a full constraint.
func satisfiesCore(constraint, current string) (bool, error) {
	if current == "" {
		return false, fmt.Errorf("local core version is unknown")
	}
	v, err := semver.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("parse core version: %w", err)
	}
	if floor, err := semver.NewVersion(constraint); err == nil {
		return !v.LessThan(floor), nil
	}
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("parse constraint: %w", err)
	}
	return cons.Check(v), nil
}

func (c *Checker) eval(expr string, input map[string]any) (bool, error) {
	c.mu.RLock()
	prg, hit := c.cache[expr]
	c.mu.RUnlock()

	if !hit {
		c.mu.Lock()
		if prg, hit = c.cache[expr]; !hit {
			ast, issues := c.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				c.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := c.env.Program(ast, cel.CostLimit(10000))
			if err != nil {
				c.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			c.cache[expr] = p
			prg = p
		}
		c.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a bool")
	}
	return val, nil
}
