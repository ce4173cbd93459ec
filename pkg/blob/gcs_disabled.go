//go:build !gcp

package blob

import (
	"context"
	"errors"
)

func openGCS(context.Context, Config) (Store, error) {
	return nil, errors.New("blob: gcs storage is not enabled in this build (use -tags gcp)")
}
