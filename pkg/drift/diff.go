package drift

import (
	"sort"
	"strconv"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
)

// Change kinds.
const (
	ChangeAdded    = "added"
	ChangeRemoved  = "removed"
	ChangeModified = "modified"
)

// Sentinels stored for empty containers so they still occupy a path.
const (
	emptyObject = "{}"
	emptyList   = "[]"
)

// Change is one differing leaf. Local and Target hold JSON-encoded leaves.
type Change struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Local  string `json:"local,omitempty"`
	Target string `json:"target,omitempty"`
}

// Summary is a bounded diff. Total is always the full number of differing
// paths.
type Summary struct {
	Changes      []Change `json:"changes"`
	Total        int      `json:"total"`
	Truncated    bool     `json:"truncated"`
	RawAvailable bool     `json:"raw_available"`
}

// Diff flattens two canonical values and lists the differing paths in sorted
// order, keeping at most maxChanges of them. A nil side has no paths.
func Diff(local, target any, maxChanges int) (*Summary, error) {
	lf, err := flatten(local)
	if err != nil {
		return nil, err
	}
	tf, err := flatten(target)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(lf)+len(tf))
	for p := range lf {
		paths = append(paths, p)
	}
	for p := range tf {
		if _, ok := lf[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	sum := &Summary{Changes: []Change{}}
	for _, p := range paths {
		lv, inLocal := lf[p]
		tv, inTarget := tf[p]
		var c Change
		switch {
		case inLocal && !inTarget:
			c = Change{Path: p, Kind: ChangeRemoved, Local: lv}
		case !inLocal && inTarget:
			c = Change{Path: p, Kind: ChangeAdded, Target: tv}
		case lv != tv:
			c = Change{Path: p, Kind: ChangeModified, Local: lv, Target: tv}
		default:
			continue
		}
		sum.Total++
		if maxChanges <= 0 || len(sum.Changes) < maxChanges {
			sum.Changes = append(sum.Changes, c)
		}
	}
	if len(sum.Changes) < sum.Total {
		sum.Truncated = true
		sum.RawAvailable = true
	}
	return sum, nil
}

// hashOnlySummary reports a root-level change when neither side carries a
// payload to compare.
func hashOnlySummary(localHash, targetHash string) *Summary {
	return &Summary{
		Changes: []Change{{Path: "$", Kind: ChangeModified, Local: localHash, Target: targetHash}},
		Total:   1,
	}
}

func flatten(v any) (map[string]string, error) {
	out := make(map[string]string)
	if v == nil {
		return out, nil
	}
	if err := flattenInto(out, "$", v); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out map[string]string, path string, v any) error {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			out[path] = emptyObject
			return nil
		}
		for k, child := range t {
			if err := flattenInto(out, path+"."+k, child); err != nil {
				return err
			}
		}
	case []any:
		if len(t) == 0 {
			out[path] = emptyList
			return nil
		}
		for i, child := range t {
			if err := flattenInto(out, path+"["+strconv.Itoa(i)+"]", child); err != nil {
				return err
			}
		}
	default:
		b, err := artifact.Encode(t)
		if err != nil {
			return err
		}
		out[path] = string(b)
	}
	return nil
}
