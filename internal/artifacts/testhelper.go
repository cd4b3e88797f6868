package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// Credentials accepted by the fake server.
const (
	TestAccessKeyID     = "test-key"
	TestSecretAccessKey = "test-secret"
)

// StartTestServer starts an in-memory gofakes3 server with bucketName created
// and returns its endpoint URL. The server is closed when the test completes.
// Clients must use path-style addressing.
func StartTestServer(t testing.TB, bucketName string) string {
	t.Helper()

	faker := gofakes3.New(s3mem.New())
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	store := testClient(t, ts.URL, bucketName)
	if _, err := store.s3Client.CreateBucket(context.Background(), &s3.CreateBucketInput{Bucket: aws.String(bucketName)}); err != nil {
		t.Fatalf("failed to create test bucket: %v", err)
	}
	return ts.URL
}

// TestStore creates a Store backed by an in-memory gofakes3 server. Object URLs
// point at the fake server.
func TestStore(t testing.TB, bucketName string) *Store {
	t.Helper()
	return testClient(t, StartTestServer(t, bucketName), bucketName)
}

func testClient(t testing.TB, endpoint, bucketName string) *Store {
	t.Helper()
	store, err := New(context.Background(), Config{
		Endpoint:        endpoint,
		Region:          "us-east-1",
		AccessKeyID:     TestAccessKeyID,
		SecretAccessKey: TestSecretAccessKey,
		BucketName:      bucketName,
		PublicURL:       endpoint + "/" + bucketName,
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	return store
}

// ErrObjectNotFound is returned by GetObject when the key does not exist.
var ErrObjectNotFound = errors.New("artifacts: object not found")

// GetObject reads back an uploaded artifact. Tests use it to check what a run
// stored; the runner itself only writes.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("artifacts: failed to get object %q: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("artifacts: failed to read object body %q: %w", key, err)
	}
	return data, nil
}
