package storage

import (
	"fmt"

	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

// GCSURL builds the gocloud bucket URL for Google Cloud Storage.
func GCSURL(bucketName string) string {
	return fmt.Sprintf("gs://%s", bucketName)
}
