package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelcore/internal/config"
)

func stores(t *testing.T) map[string]Store {
	fsStore, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"fs":     fsStore,
		"memory": NewMemory(),
		"s3":     newMockS3(),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			info, err := s.Put(ctx, "projects/a.zip", bytes.NewReader([]byte("first")), PutOptions{ContentType: "application/zip"})
			require.NoError(t, err)
			assert.Equal(t, "projects/a.zip", info.Key)
			assert.EqualValues(t, 5, info.Size)

			// Put replaces
			_, err = s.Put(ctx, "projects/a.zip", bytes.NewReader([]byte("second")), PutOptions{ContentType: "application/zip"})
			require.NoError(t, err)

			data, err := ReadAll(ctx, s, "projects/a.zip")
			require.NoError(t, err)
			assert.Equal(t, "second", string(data))

			head, err := s.Head(ctx, "projects/a.zip")
			require.NoError(t, err)
			assert.EqualValues(t, 6, head.Size)
			assert.Equal(t, "application/zip", head.ContentType)

			_, err = s.Put(ctx, "other/b.zip", bytes.NewReader([]byte("b")), PutOptions{})
			require.NoError(t, err)
			list, err := s.List(ctx, "projects/")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "projects/a.zip", list[0].Key)

			ok, err := s.Delete(ctx, "projects/a.zip")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.Delete(ctx, "projects/a.zip")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Head(ctx, "projects/a.zip")
			assert.ErrorIs(t, err, ErrNotFound)
			_, _, err = s.Get(ctx, "projects/a.zip")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "/abs", "../escape", "a/../../b"} {
				_, err := s.Put(ctx, key, strings.NewReader("x"), PutOptions{})
				assert.ErrorIs(t, err, ErrInvalidKey, key)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.BlobConfig{Driver: "fs", Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	s, err = Open(ctx, config.BlobConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	_, err = Open(ctx, config.BlobConfig{Driver: "s3"})
	assert.Error(t, err)

	_, err = Open(ctx, config.BlobConfig{Driver: "ftp"})
	assert.Error(t, err)
}

func TestS3_Prefix(t *testing.T) {
	rt := &mockS3Transport{objs: make(map[string]mockObject)}
	s := newS3WithClient(mockS3Client(rt), "bucket", "team")
	ctx := context.Background()

	_, err := s.Put(ctx, "p.zip", strings.NewReader("zip"), PutOptions{})
	require.NoError(t, err)

	rt.mu.Lock()
	_, ok := rt.objs["team/p.zip"]
	rt.mu.Unlock()
	assert.True(t, ok)

	list, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p.zip", list[0].Key)
}

type mockObject struct {
	body        []byte
	contentType string
}

// mockS3Transport answers the handful of path-style S3 calls the store makes.
type mockS3Transport struct {
	mu   sync.Mutex
	objs map[string]mockObject
}

func newMockS3() *S3 {
	return newS3WithClient(mockS3Client(&mockS3Transport{objs: make(map[string]mockObject)}), "bucket", "")
}

func mockS3Client(rt http.RoundTripper) *s3.Client {
	return s3.New(s3.Options{
		Region:                     "us-east-1",
		Credentials:                aws.AnonymousCredentials{},
		HTTPClient:                 &http.Client{Transport: rt},
		BaseEndpoint:               aws.String("https://mock.s3.local"),
		UsePathStyle:               true,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	})
}

func (m *mockS3Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range m.objs {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(m.objs[k].body))
		}
		b.WriteString("</ListBucketResult>")
		return respond(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}}), nil
	}

	obj, exists := m.objs[key]
	switch req.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		m.objs[key] = mockObject{body: body, contentType: req.Header.Get("Content-Type")}
		return respond(http.StatusOK, nil, http.Header{"ETag": {`"etag"`}}), nil
	case http.MethodHead, http.MethodGet:
		if !exists {
			body := []byte(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			if req.Method == http.MethodHead {
				body = nil
			}
			return respond(http.StatusNotFound, body, http.Header{"Content-Type": {"application/xml"}}), nil
		}
		h := http.Header{
			"Content-Length": {fmt.Sprint(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"ETag":           {`"etag"`},
			"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
		}
		if req.Method == http.MethodHead {
			return respond(http.StatusOK, nil, h), nil
		}
		return respond(http.StatusOK, obj.body, h), nil
	case http.MethodDelete:
		delete(m.objs, key)
		return respond(http.StatusNoContent, nil, http.Header{}), nil
	}
	return respond(http.StatusNotImplemented, nil, http.Header{}), nil
}

func respond(status int, body []byte, h http.Header) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}
