//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSArchive(context.Context, Config) (Archive, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
