package origin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

func staticCreds(id, secret string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: id, SecretAccessKey: secret, Source: "test"}, nil
	})
}

func TestSigV4Transport_SignsRequest(t *testing.T) {
	t.Parallel()

	rec := &recordingTransport{}
	tr := NewSigV4Transport(rec, staticCreds("AKIDEXAMPLE", "secret"), "eu-west-1", "")
	tr.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	req, _ := http.NewRequest(http.MethodGet, "https://assets.s3.eu-west-1.amazonaws.com/images/hero.jpg", nil)
	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	got := rec.lastReq
	authz := got.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20260301/eu-west-1/s3/aws4_request") {
		t.Errorf("Authorization = %q", authz)
	}
	if d := got.Header.Get("X-Amz-Date"); d != "20260301T120000Z" {
		t.Errorf("X-Amz-Date = %q", d)
	}
	// SHA-256 of the empty payload.
	if h := got.Header.Get("X-Amz-Content-Sha256"); h != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("payload hash = %q", h)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("original request must not be mutated")
	}
}

func TestSigV4Transport_PreservesBody(t *testing.T) {
	t.Parallel()

	rec := &recordingTransport{}
	tr := NewSigV4Transport(rec, staticCreds("AKID", "secret"), "us-east-1", "execute-api")

	req, _ := http.NewRequest(http.MethodPost, "https://api.test/upload", strings.NewReader("payload"))
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(rec.lastReq.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "payload" || rec.lastReq.ContentLength != 7 {
		t.Errorf("body = %q, length = %d", body, rec.lastReq.ContentLength)
	}
	if !strings.Contains(rec.lastReq.Header.Get("Authorization"), "/us-east-1/execute-api/") {
		t.Errorf("Authorization = %q", rec.lastReq.Header.Get("Authorization"))
	}
}

func TestSigV4Transport_CredentialError(t *testing.T) {
	t.Parallel()

	boom := errors.New("no credentials")
	rec := &recordingTransport{}
	tr := NewSigV4Transport(rec, aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{}, boom
	}), "us-east-1", "s3")

	req, _ := http.NewRequest(http.MethodGet, "https://bucket.test/a.png", nil)
	if _, err := tr.RoundTrip(req); !errors.Is(err, boom) {
		t.Errorf("err = %v, want credential error", err)
	}
	if rec.lastReq != nil {
		t.Error("unsigned request must not reach the origin")
	}
}
