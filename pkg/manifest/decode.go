package manifest

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
)

// Decode parses a manifest in any supported shape.
//
// Legacy (schema 1) manifests may be wrapped in {"manifest": {...}}, carry
// package metadata under "meta", list artifacts under "items", key artifacts
// by uid, and use "uid"/"type"/"data"/"fingerprint" field names. Those shapes
// are rewritten to the current field layout before schema validation. The
// declared schema_version is kept so preflight can judge it.
func Decode(data []byte) (*Manifest, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, errcode.Wrap(errcode.InvalidInput, err, "manifest is not valid JSON")
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errcode.New(errcode.InvalidInput, "manifest must be a JSON object")
	}

	normalized := upgrade(obj)

	s, err := schema()
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "manifest schema unavailable")
	}
	if err := s.Validate(normalized); err != nil {
		return nil, errcode.Wrap(errcode.InvalidInput, err, "manifest failed schema validation")
	}

	b, err := json.Marshal(normalized)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "re-encode manifest")
	}
	var m Manifest
	dec = json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, errcode.Wrap(errcode.InvalidInput, err, "manifest fields have the wrong types")
	}
	return &m, nil
}

func upgrade(obj map[string]any) map[string]any {
	if inner, ok := obj["manifest"].(map[string]any); ok {
		merged := make(map[string]any, len(inner)+1)
		for k, v := range inner {
			merged[k] = v
		}
		if _, ok := merged["schema_version"]; !ok {
			if v, ok := obj["schema_version"]; ok {
				merged["schema_version"] = v
			}
		}
		obj = merged
	} else {
		cp := make(map[string]any, len(obj))
		for k, v := range obj {
			cp[k] = v
		}
		obj = cp
	}

	switch v := obj["schema_version"].(type) {
	case nil:
		obj["schema_version"] = "1"
	case json.Number:
		obj["schema_version"] = v.String()
	}

	if meta, ok := obj["meta"].(map[string]any); ok {
		for _, k := range []string{"package_id", "name", "version", "channel", "source_site"} {
			if _, set := obj[k]; !set {
				if v, ok := meta[k]; ok {
					obj[k] = v
				}
			}
		}
		delete(obj, "meta")
	}

	if _, ok := obj["artifacts"]; !ok {
		if items, ok := obj["items"]; ok {
			obj["artifacts"] = items
		}
	}
	delete(obj, "items")

	switch arts := obj["artifacts"].(type) {
	case map[string]any:
		uids := make([]string, 0, len(arts))
		for uid := range arts {
			uids = append(uids, uid)
		}
		sort.Strings(uids)
		list := make([]any, 0, len(arts))
		for _, uid := range uids {
			a, ok := arts[uid].(map[string]any)
			if !ok {
				a = map[string]any{"payload": arts[uid]}
			}
			a = upgradeArtifact(a)
			if _, ok := a["artifact_uid"]; !ok {
				a["artifact_uid"] = uid
			}
			list = append(list, a)
		}
		obj["artifacts"] = list
	case []any:
		list := make([]any, len(arts))
		for i, item := range arts {
			if a, ok := item.(map[string]any); ok {
				list[i] = upgradeArtifact(a)
			} else {
				list[i] = item
			}
		}
		obj["artifacts"] = list
	}
	return obj
}

var legacyArtifactFields = map[string]string{
	"uid":         "artifact_uid",
	"type":        "artifact_type",
	"data":        "payload",
	"fingerprint": "hash",
}

func upgradeArtifact(a map[string]any) map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v
	}
	for legacy, current := range legacyArtifactFields {
		if v, ok := out[legacy]; ok {
			if _, set := out[current]; !set {
				out[current] = v
			}
			delete(out, legacy)
		}
	}
	return out
}
