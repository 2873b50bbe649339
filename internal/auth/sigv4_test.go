package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrusfs/internal/metadata"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

type staticUsers map[string]*metadata.User

func (u staticUsers) GetUserByAccessKey(ctx context.Context, accessKey string) (*metadata.User, error) {
	user, ok := u[accessKey]
	if !ok {
		return nil, metadata.ErrUserNotFound
	}
	return user, nil
}

func testVerifier() (*Verifier, staticUsers) {
	users := staticUsers{
		"AKIATEST": {Username: "test", AccessKey: "AKIATEST", SecretKey: "testsecret"},
	}
	return NewVerifier(users), users
}

// signHeader applies the SDK's SigV4 header signing to a request.
func signHeader(t *testing.T, r *http.Request, accessKey, secretKey string) {
	t.Helper()
	r.Header.Set("X-Amz-Content-Sha256", unsignedPayload)
	creds := aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}
	signer := v4.NewSigner()
	err := signer.SignHTTP(context.Background(), creds, r, unsignedPayload, "s3", "us-east-1", time.Now().UTC())
	require.NoError(t, err)
}

func TestAuthenticateHeaderSignature(t *testing.T) {
	verifier, users := testVerifier()

	r, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:8080/photos?prefix=2024%2F&max-keys=50", nil)
	require.NoError(t, err)
	signHeader(t, r, "AKIATEST", "testsecret")

	user, err := verifier.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, users["AKIATEST"], user)
}

func TestAuthenticateKeyWithSpecialCharacters(t *testing.T) {
	verifier, _ := testVerifier()

	r, err := http.NewRequest(http.MethodPut, "http://127.0.0.1:8080/photos/a%20b%2Bc.txt", nil)
	require.NoError(t, err)
	signHeader(t, r, "AKIATEST", "testsecret")

	_, err = verifier.Authenticate(context.Background(), r)
	assert.NoError(t, err)
}

func TestAuthenticateTamperedSignature(t *testing.T) {
	verifier, _ := testVerifier()

	r, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:8080/photos", nil)
	require.NoError(t, err)
	signHeader(t, r, "AKIATEST", "testsecret")

	// Tamper with the path after signing.
	r.URL.Path = "/secrets"

	_, err = verifier.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, s3err.ErrSignatureMismatch)
}

func TestAuthenticateWrongSecret(t *testing.T) {
	verifier, _ := testVerifier()

	r, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:8080/photos", nil)
	require.NoError(t, err)
	signHeader(t, r, "AKIATEST", "wrongsecret")

	_, err = verifier.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, s3err.ErrSignatureMismatch)
}

func TestAuthenticateUnknownAccessKey(t *testing.T) {
	verifier, _ := testVerifier()

	r, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:8080/photos", nil)
	require.NoError(t, err)
	signHeader(t, r, "AKIAGHOST", "whatever")

	_, err = verifier.Authenticate(context.Background(), r)
	// Unknown keys are indistinguishable from bad signatures.
	assert.ErrorIs(t, err, s3err.ErrSignatureMismatch)
}

func TestAuthenticateAnonymous(t *testing.T) {
	verifier, _ := testVerifier()

	r, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:8080/public/file.txt", nil)
	require.NoError(t, err)

	user, err := verifier.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestAuthenticateBothFormsRejected(t *testing.T) {
	verifier, _ := testVerifier()

	r, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:8080/photos?X-Amz-Algorithm=AWS4-HMAC-SHA256", nil)
	require.NoError(t, err)
	signHeader(t, r, "AKIATEST", "testsecret")

	_, err = verifier.Authenticate(context.Background(), r)
	var apiErr *s3err.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "InvalidRequest", apiErr.Code)
}

// presign builds a presigned GET URL with the SDK signer.
func presign(t *testing.T, rawURL, accessKey, secretKey string, expires int64, at time.Time) *http.Request {
	t.Helper()

	r, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)

	query := r.URL.Query()
	query.Set("X-Amz-Expires", strconv.FormatInt(expires, 10))
	r.URL.RawQuery = query.Encode()

	creds := aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}
	signer := v4.NewSigner()
	signedURL, _, err := signer.PresignHTTP(context.Background(), creds, r, unsignedPayload, "s3", "us-east-1", at)
	require.NoError(t, err)

	parsed, err := url.Parse(signedURL)
	require.NoError(t, err)
	signed, err := http.NewRequest(http.MethodGet, parsed.String(), nil)
	require.NoError(t, err)
	return signed
}

func TestAuthenticatePresigned(t *testing.T) {
	verifier, users := testVerifier()

	r := presign(t, "http://127.0.0.1:8080/photos/beach.jpg", "AKIATEST", "testsecret", 900, time.Now().UTC())

	user, err := verifier.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, users["AKIATEST"], user)
}

func TestAuthenticatePresignedExpired(t *testing.T) {
	verifier, _ := testVerifier()

	signedAt := time.Now().UTC().Add(-2 * time.Hour)
	r := presign(t, "http://127.0.0.1:8080/photos/beach.jpg", "AKIATEST", "testsecret", 60, signedAt)

	_, err := verifier.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, s3err.ErrExpiredToken)
}

func TestAuthenticatePresignedTampered(t *testing.T) {
	verifier, _ := testVerifier()

	r := presign(t, "http://127.0.0.1:8080/photos/beach.jpg", "AKIATEST", "testsecret", 900, time.Now().UTC())
	r.URL.Path = "/photos/other.jpg"

	_, err := verifier.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, s3err.ErrSignatureMismatch)
}

func TestIsUnsignedPayload(t *testing.T) {
	assert.True(t, IsUnsignedPayload(""))
	assert.True(t, IsUnsignedPayload("UNSIGNED-PAYLOAD"))
	assert.True(t, IsUnsignedPayload("STREAMING-AWS4-HMAC-SHA256-PAYLOAD"))
	assert.False(t, IsUnsignedPayload("deadbeef"))
}
