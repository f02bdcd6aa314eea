package storage

import (
	"fmt"
	"net/url"

	_ "gocloud.dev/blob/s3blob" // S3 driver
)

// S3URL builds the gocloud bucket URL for S3-compatible storage.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func S3URL(bucketName, endpoint, region string) string {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}
