package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
)

type intro struct {
	SiteUID string `json:"site_uid" validate:"required,site_uid"`
	BaseURL string `json:"base_url" validate:"required,url"`
	Mode    string `json:"mode,omitempty" validate:"omitempty,oneof=a b"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(intro{SiteUID: "client-1", BaseURL: "https://client.example"}))

	err := Struct(intro{SiteUID: "bad uid!", BaseURL: "not a url", Mode: "c"})
	require.Error(t, err)
	assert.True(t, errcode.Has(err, errcode.InvalidInput))

	e, ok := errcode.As(err)
	require.True(t, ok)
	assert.Equal(t, map[string]string{
		"site_uid": "site_uid",
		"base_url": "url",
		"mode":     "oneof=a b",
	}, e.Details["fields"])
}

func TestStruct_Required(t *testing.T) {
	err := Struct(intro{})
	e, ok := errcode.As(err)
	require.True(t, ok)
	fields := e.Details["fields"].(map[string]string)
	assert.Equal(t, "required", fields["site_uid"])
	assert.Equal(t, "required", fields["base_url"])
}
