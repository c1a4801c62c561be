package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketURLCustomEndpoint(t *testing.T) {
	c := &S3Client{endpointURL: "https://minio.example.org:9000"}
	assert.Equal(t, "https://minio.example.org:9000/eessi-staging", c.BucketURL("eessi-staging"))
}

func TestBucketURLAWSDefaultRegion(t *testing.T) {
	c := &S3Client{region: "us-east-1"}
	assert.Equal(t, "https://eessi-staging.s3.amazonaws.com", c.BucketURL("eessi-staging"))

	c = &S3Client{}
	assert.Equal(t, "https://eessi-staging.s3.amazonaws.com", c.BucketURL("eessi-staging"))
}

func TestBucketURLAWSNonDefaultRegion(t *testing.T) {
	c := &S3Client{region: "eu-west-1"}
	assert.Equal(t, "https://eessi-staging.s3.eu-west-1.amazonaws.com", c.BucketURL("eessi-staging"))
}
