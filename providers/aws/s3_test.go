package aws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// s3Server fakes the handful of bucket calls over the real XML protocol.
type s3Server struct {
	mu         sync.Mutex
	buckets    map[string]bool
	versioning map[string]string
	bodies     []string
}

func (s *s3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := strings.Trim(r.URL.Path, "/")
	body, _ := io.ReadAll(r.Body)
	s.bodies = append(s.bodies, string(body))

	switch {
	case r.Method == http.MethodHead:
		if !s.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("X-Amz-Bucket-Region", "eu-west-1")
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && r.URL.Query().Has("versioning"):
		if strings.Contains(string(body), "Enabled") {
			s.versioning[bucket] = "Enabled"
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Query().Has("versioning"):
		w.Header().Set("Content-Type", "application/xml")
		status := ""
		if v := s.versioning[bucket]; v != "" {
			status = "<Status>" + v + "</Status>"
		}
		_, _ = w.Write([]byte(`<VersioningConfiguration xmlns="http://s3.amazonaws.com/doc/2006-03-01/">` + status + `</VersioningConfiguration>`))
	case r.Method == http.MethodPut:
		if s.buckets[bucket] {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`<Error><Code>BucketAlreadyOwnedByYou</Code><Message>owned</Message></Error>`))
			return
		}
		s.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		if !s.buckets[bucket] {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<Error><Code>NoSuchBucket</Code><Message>missing</Message></Error>`))
			return
		}
		delete(s.buckets, bucket)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func testS3Provider(t *testing.T) (*Provider, *s3Server) {
	t.Helper()
	fake := &s3Server{buckets: map[string]bool{}, versioning: map[string]string{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client := s3.New(s3.Options{
		Region:       "eu-west-1",
		BaseEndpoint: aws.String(server.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test-key", "test-secret", ""),
	})
	return &Provider{region: "eu-west-1", s3Client: client}, fake
}

func TestBucketLifecycle(t *testing.T) {
	p, fake := testS3Provider(t)
	ctx := context.Background()
	key := ir.Key{Kind: ir.KindBucket, Name: "converge-test"}

	h, err := p.Describe(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, h)

	h, err = p.Create(ctx, ir.Spec{Key: key})
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:s3:::converge-test", h.ARN)
	assert.Contains(t, strings.Join(fake.bodies, ""), "<LocationConstraint>eu-west-1</LocationConstraint>")

	_, err = p.Create(ctx, ir.Spec{Key: key})
	assert.True(t, adapter.IsAlreadyExists(err))

	h, err = p.Describe(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "eu-west-1", h.Attributes["region"])

	require.NoError(t, p.Delete(ctx, key))
	assert.True(t, adapter.IsNotFound(p.Delete(ctx, key)))
}

func TestBucketVersioning(t *testing.T) {
	p, fake := testS3Provider(t)
	fake.buckets["converge-test"] = true
	rule := ir.AttachmentRule{Parent: ir.Key{Kind: ir.KindBucket, Name: "converge-test"}, Kind: ir.AttachBucketVersioning}

	require.NoError(t, p.Attach(context.Background(), rule))
	assert.Equal(t, "Enabled", fake.versioning["converge-test"])
	assert.True(t, adapter.IsAlreadyExists(p.Attach(context.Background(), rule)))
}
