package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cirrusfs/cirrusfs/internal/metadata"
	"github.com/cirrusfs/cirrusfs/internal/s3err"
)

const (
	signV4Algorithm  = "AWS4-HMAC-SHA256"
	unsignedPayload  = "UNSIGNED-PAYLOAD"
	streamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	amzDateFormat    = "20060102T150405Z"
)

// UserStore resolves access keys to credential pairs.
type UserStore interface {
	GetUserByAccessKey(ctx context.Context, accessKey string) (*metadata.User, error)
}

// Verifier checks AWS Signature Version 4 on incoming requests, in both the
// Authorization-header form and the presigned query form.
type Verifier struct {
	users UserStore
}

// NewVerifier creates a signature verifier backed by the given user store.
func NewVerifier(users UserStore) *Verifier {
	return &Verifier{users: users}
}

// Authenticate verifies the request signature and returns the authenticated
// user. Requests carrying neither auth form are anonymous: (nil, nil).
// Requests carrying both forms fail InvalidRequest.
func (v *Verifier) Authenticate(ctx context.Context, r *http.Request) (*metadata.User, error) {
	headerAuth := strings.HasPrefix(r.Header.Get("Authorization"), signV4Algorithm)
	queryAuth := r.URL.Query().Get("X-Amz-Algorithm") != ""

	switch {
	case headerAuth && queryAuth:
		return nil, s3err.ErrInvalidRequest.WithMessage("request carries both header and query authentication")
	case headerAuth:
		return v.verifyHeaderAuth(ctx, r)
	case queryAuth:
		return v.verifyQueryAuth(ctx, r)
	default:
		return nil, nil
	}
}

// credentialScope is the parsed Credential component:
// AccessKey/YYYYMMDD/region/service/aws4_request.
type credentialScope struct {
	accessKey string
	dateStamp string
	region    string
	service   string
}

func parseCredential(credential string) (*credentialScope, error) {
	parts := strings.Split(credential, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return nil, s3err.ErrInvalidRequest.WithMessage("invalid credential scope %q", credential)
	}
	return &credentialScope{
		accessKey: parts[0],
		dateStamp: parts[1],
		region:    parts[2],
		service:   parts[3],
	}, nil
}

func (v *Verifier) verifyHeaderAuth(ctx context.Context, r *http.Request) (*metadata.User, error) {
	authHeader := r.Header.Get("Authorization")

	fields := strings.TrimPrefix(authHeader, signV4Algorithm)
	var credential, signedHeaders, signature string
	for _, field := range strings.Split(fields, ",") {
		kv := strings.SplitN(strings.TrimSpace(field), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "Credential":
			credential = kv[1]
		case "SignedHeaders":
			signedHeaders = kv[1]
		case "Signature":
			signature = kv[1]
		}
	}
	if credential == "" || signedHeaders == "" || signature == "" {
		return nil, s3err.ErrInvalidRequest.WithMessage("malformed Authorization header")
	}

	scope, err := parseCredential(credential)
	if err != nil {
		return nil, err
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate == "" {
		return nil, s3err.ErrInvalidRequest.WithMessage("request is missing a date header")
	}

	user, err := v.lookupUser(ctx, scope.accessKey)
	if err != nil {
		return nil, err
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}

	canonical := canonicalRequest(r, canonicalQuery(r.URL.Query(), nil), signedHeaders, payloadHash)
	expected := computeSignature(canonical, user.SecretKey, amzDate, scope)

	if !strings.EqualFold(expected, signature) {
		logrus.WithFields(logrus.Fields{
			"access_key": scope.accessKey,
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Debug("SigV4 header signature mismatch")
		return nil, s3err.ErrSignatureMismatch
	}
	return user, nil
}

func (v *Verifier) verifyQueryAuth(ctx context.Context, r *http.Request) (*metadata.User, error) {
	query := r.URL.Query()

	if algorithm := query.Get("X-Amz-Algorithm"); algorithm != signV4Algorithm {
		return nil, s3err.ErrInvalidRequest.WithMessage("unsupported signing algorithm %q", algorithm)
	}

	scope, err := parseCredential(query.Get("X-Amz-Credential"))
	if err != nil {
		return nil, err
	}

	amzDate := query.Get("X-Amz-Date")
	signedHeaders := query.Get("X-Amz-SignedHeaders")
	signature := query.Get("X-Amz-Signature")
	if amzDate == "" || signedHeaders == "" || signature == "" {
		return nil, s3err.ErrInvalidRequest.WithMessage("presigned URL is missing required parameters")
	}

	if expires := query.Get("X-Amz-Expires"); expires != "" {
		seconds, err := strconv.ParseInt(expires, 10, 64)
		if err != nil || seconds < 0 {
			return nil, s3err.ErrInvalidRequest.WithMessage("invalid X-Amz-Expires value %q", expires)
		}
		signedAt, err := time.Parse(amzDateFormat, amzDate)
		if err != nil {
			return nil, s3err.ErrInvalidRequest.WithMessage("invalid X-Amz-Date value %q", amzDate)
		}
		if time.Now().UTC().Sub(signedAt) > time.Duration(seconds)*time.Second {
			return nil, s3err.ErrExpiredToken
		}
	}

	user, err := v.lookupUser(ctx, scope.accessKey)
	if err != nil {
		return nil, err
	}

	// The signature itself is never part of the signed query string.
	canonical := canonicalRequest(r, canonicalQuery(query, func(key string) bool {
		return key == "X-Amz-Signature"
	}), signedHeaders, unsignedPayload)
	expected := computeSignature(canonical, user.SecretKey, amzDate, scope)

	if !strings.EqualFold(expected, signature) {
		logrus.WithFields(logrus.Fields{
			"access_key": scope.accessKey,
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Debug("SigV4 presigned signature mismatch")
		return nil, s3err.ErrSignatureMismatch
	}
	return user, nil
}

// lookupUser resolves the access key, collapsing "unknown key" into the
// signature error so probing cannot distinguish the two.
func (v *Verifier) lookupUser(ctx context.Context, accessKey string) (*metadata.User, error) {
	user, err := v.users.GetUserByAccessKey(ctx, accessKey)
	if err == metadata.ErrUserNotFound {
		return nil, s3err.ErrSignatureMismatch
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up access key: %w", err)
	}
	return user, nil
}

// canonicalRequest assembles the SigV4 canonical request string. Header
// names come from the SignedHeaders list in the order given there.
func canonicalRequest(r *http.Request, canonicalQueryString, signedHeaders, payloadHash string) string {
	uri := uriEncodePath(r.URL.Path)

	var headers strings.Builder
	for _, name := range strings.Split(signedHeaders, ";") {
		name = strings.ToLower(strings.TrimSpace(name))
		var value string
		if name == "host" {
			value = r.Host
		} else {
			value = r.Header.Get(name)
		}
		headers.WriteString(name)
		headers.WriteString(":")
		headers.WriteString(strings.TrimSpace(value))
		headers.WriteString("\n")
	}

	return strings.Join([]string{
		r.Method,
		uri,
		canonicalQueryString,
		headers.String(),
		signedHeaders,
		payloadHash,
	}, "\n")
}

// canonicalQuery renders the query parameters sorted by key with RFC 3986
// encoding. Keys for which skip returns true are excluded.
func canonicalQuery(query map[string][]string, skip func(key string) bool) string {
	keys := make([]string, 0, len(query))
	for key := range query {
		if skip != nil && skip(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var pairs []string
	for _, key := range keys {
		values := append([]string(nil), query[key]...)
		sort.Strings(values)
		for _, value := range values {
			pairs = append(pairs, uriEncode(key)+"="+uriEncode(value))
		}
	}
	return strings.Join(pairs, "&")
}

// computeSignature runs the SigV4 HMAC chain for the string-to-sign built
// from the canonical request.
func computeSignature(canonical, secretKey, amzDate string, scope *credentialScope) string {
	canonicalHash := sha256.Sum256([]byte(canonical))
	stringToSign := strings.Join([]string{
		signV4Algorithm,
		amzDate,
		scope.dateStamp + "/" + scope.region + "/" + scope.service + "/aws4_request",
		hex.EncodeToString(canonicalHash[:]),
	}, "\n")

	dateKey := hmacSHA256([]byte("AWS4"+secretKey), scope.dateStamp)
	regionKey := hmacSHA256(dateKey, scope.region)
	serviceKey := hmacSHA256(regionKey, scope.service)
	signingKey := hmacSHA256(serviceKey, "aws4_request")

	return hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// uriEncodePath applies RFC 3986 encoding to a URI path, leaving '/'
// unencoded.
func uriEncodePath(path string) string {
	if path == "" {
		return "/"
	}
	return uriEncodeWith(path, true)
}

// uriEncode applies RFC 3986 encoding, escaping '/' too. Space becomes
// %20, never '+'.
func uriEncode(s string) string {
	return uriEncodeWith(s, false)
}

func uriEncodeWith(s string, keepSlash bool) string {
	var encoded strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			encoded.WriteByte(c)
		case c == '/' && keepSlash:
			encoded.WriteByte(c)
		default:
			encoded.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return encoded.String()
}

// IsUnsignedPayload reports whether the x-amz-content-sha256 value opts out
// of payload verification.
func IsUnsignedPayload(value string) bool {
	return value == "" || value == unsignedPayload || strings.HasPrefix(value, "STREAMING-")
}
