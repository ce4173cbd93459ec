package packages

import (
	"slices"
	"strings"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
)

// Issue is one preflight finding.
type Issue struct {
	Code        errcode.Code `json:"code"`
	Message     string       `json:"message"`
	ArtifactUID string       `json:"artifact_uid,omitempty"`
}

// PreflightReport is what Preflight found. OK is false when Errors is not
// empty; warnings never fail a package.
type PreflightReport struct {
	OK               bool     `json:"ok"`
	SizeBytes        int64    `json:"size_bytes"`
	MaxBytes         int64    `json:"max_bytes"`
	SchemaVersion    string   `json:"schema_version,omitempty"`
	ParseMode        string   `json:"parse_mode"`
	ArtifactCount    int      `json:"artifact_count"`
	SupportedSchemas []string `json:"supported_schema_versions"`
	Errors           []Issue  `json:"errors"`
	Warnings         []Issue  `json:"warnings"`
}

// Err returns the first error as an *errcode.Error carrying every issue, or
// nil when the report passed.
func (r *PreflightReport) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	first := r.Errors[0]
	e := errcode.New(first.Code, first.Message).WithDetail("errors", r.Errors)
	if first.ArtifactUID != "" {
		e.WithDetail("artifact_uid", first.ArtifactUID)
	}
	return e
}

func (r *PreflightReport) fail(code errcode.Code, uid, msg string) {
	r.Errors = append(r.Errors, Issue{Code: code, Message: msg, ArtifactUID: uid})
}

// Preflight checks raw manifest bytes against the publish limits. It never
// mutates state.
func (m *Manager) Preflight(raw []byte) *PreflightReport {
	r := &PreflightReport{
		SizeBytes:        int64(len(raw)),
		MaxBytes:         m.settings.MaxBytes,
		ParseMode:        "strict",
		SupportedSchemas: append([]string(nil), m.settings.SchemaVersions...),
		Errors:           []Issue{},
		Warnings:         []Issue{},
	}
	if m.settings.Lenient {
		r.ParseMode = "lenient"
	}
	defer func() { r.OK = len(r.Errors) == 0 }()

	if m.settings.MaxBytes > 0 && r.SizeBytes > m.settings.MaxBytes {
		r.fail(errcode.PayloadTooLarge, "", "package exceeds the size ceiling")
		return r
	}

	man, err := manifest.Decode(raw)
	if err != nil {
		msg := err.Error()
		if e, ok := errcode.As(err); ok {
			msg = e.Message
		}
		r.fail(errcode.InvalidInput, "", msg)
		return r
	}
	r.SchemaVersion = man.SchemaVersion
	r.ArtifactCount = len(man.Artifacts)

	if !slices.Contains(m.settings.SchemaVersions, man.SchemaVersion) {
		issue := Issue{Code: errcode.SchemaUnsupported, Message: "schema_version " + man.SchemaVersion + " is not supported"}
		if m.settings.Lenient {
			r.Warnings = append(r.Warnings, issue)
		} else {
			r.Errors = append(r.Errors, issue)
		}
	}
	if man.Channel != "" {
		if _, err := manifest.ParseChannel(string(man.Channel)); err != nil {
			r.fail(errcode.InvalidInput, "", err.Error())
		}
	}

	if len(man.Artifacts) == 0 {
		r.fail(errcode.EmptyManifest, "", "manifest has no artifacts")
		return r
	}
	seen := make(map[string]struct{}, len(man.Artifacts))
	for _, a := range man.Artifacts {
		if a.UID == "" || a.Type == "" {
			r.fail(errcode.InvalidInput, a.UID, "artifact_uid and artifact_type are required")
			continue
		}
		if _, dup := seen[a.UID]; dup {
			r.fail(errcode.InvalidInput, a.UID, "duplicate artifact_uid")
			continue
		}
		seen[a.UID] = struct{}{}

		u, err := artifact.ParseUID(a.UID)
		if err != nil {
			r.fail(errcode.InvalidInput, a.UID, err.Error())
			continue
		}
		if u.Kind == artifact.KindOption && m.registry.IsExcludedOption(u.Key) {
			r.fail(errcode.ArtifactExcluded, a.UID, "option "+u.Key+" can never be packaged")
		}
		if _, known := m.registry.Lookup(a.Type); !known {
			r.Warnings = append(r.Warnings, Issue{
				Code:        errcode.InvalidInput,
				Message:     "unknown artifact type " + strings.TrimSpace(string(a.Type)) + " will require review",
				ArtifactUID: a.UID,
			})
		}
	}
	return r
}
