package s3err

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
)

// Error is the uniform API error: an S3 error code, the HTTP status it maps
// to on the wire, and a human readable message. Handlers render it as the
// standard <Error> XML document.
type Error struct {
	Code       string
	Message    string
	StatusCode int
	Resource   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code, so annotated copies from WithMessage and
// WithResource still compare equal to their sentinel under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithResource returns a copy of the error annotated with the request resource.
func (e *Error) WithResource(resource string) *Error {
	dup := *e
	dup.Resource = resource
	return &dup
}

// WithMessage returns a copy of the error with a more specific message.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	dup := *e
	dup.Message = fmt.Sprintf(format, args...)
	return &dup
}

func newError(code string, status int, message string) *Error {
	return &Error{Code: code, Message: message, StatusCode: status}
}

// Error taxonomy. Codes and status mappings follow the S3 wire protocol.
var (
	ErrNoSuchBucket       = newError("NoSuchBucket", http.StatusNotFound, "The specified bucket does not exist")
	ErrNoSuchKey          = newError("NoSuchKey", http.StatusNotFound, "The specified key does not exist")
	ErrNoSuchUpload       = newError("NoSuchUpload", http.StatusNotFound, "The specified multipart upload does not exist")
	ErrNoSuchBucketPolicy = newError("NoSuchBucketPolicy", http.StatusNotFound, "The bucket policy does not exist")
	ErrNoSuchTagSet       = newError("NoSuchTagSet", http.StatusNotFound, "The TagSet does not exist")
	ErrNoSuchLifecycle    = newError("NoSuchLifecycleConfiguration", http.StatusNotFound, "The lifecycle configuration does not exist")
	ErrBucketExists       = newError("BucketAlreadyExists", http.StatusConflict, "The requested bucket name is not available")
	ErrBucketNotEmpty     = newError("BucketNotEmpty", http.StatusConflict, "The bucket you tried to delete is not empty")
	ErrInvalidArgument    = newError("InvalidArgument", http.StatusBadRequest, "Invalid argument")
	ErrInvalidRequest     = newError("InvalidRequest", http.StatusBadRequest, "Invalid request")
	ErrInvalidBucketName  = newError("InvalidBucketName", http.StatusBadRequest, "The specified bucket is not valid")
	ErrInvalidURI         = newError("InvalidURI", http.StatusBadRequest, "Couldn't parse the specified URI")
	ErrMethodNotAllowed   = newError("MethodNotAllowed", http.StatusMethodNotAllowed, "The specified method is not allowed against this resource")
	ErrInvalidPart        = newError("InvalidPart", http.StatusBadRequest, "One or more of the specified parts could not be found or did not match")
	ErrInvalidPartOrder   = newError("InvalidPartOrder", http.StatusBadRequest, "The list of parts was not in ascending order")
	ErrEntityTooSmall     = newError("EntityTooSmall", http.StatusBadRequest, "Your proposed upload is smaller than the minimum allowed object size")
	ErrInvalidRange       = newError("InvalidRange", http.StatusRequestedRangeNotSatisfiable, "The requested range is not satisfiable")
	ErrContentSHAMismatch = newError("XAmzContentSHA256Mismatch", http.StatusBadRequest, "The provided 'x-amz-content-sha256' header does not match what was computed")
	ErrMalformedPolicy    = newError("MalformedPolicy", http.StatusBadRequest, "Policy has invalid resource")
	ErrMalformedXML       = newError("MalformedXML", http.StatusBadRequest, "The XML you provided was not well-formed or did not validate against our published schema")
	ErrSignatureMismatch  = newError("SignatureDoesNotMatch", http.StatusForbidden, "The request signature we calculated does not match the signature you provided")
	ErrExpiredToken       = newError("ExpiredToken", http.StatusForbidden, "The provided token has expired")
	ErrAccessDenied       = newError("AccessDenied", http.StatusForbidden, "Access Denied")
	ErrInternal           = newError("InternalError", http.StatusInternalServerError, "We encountered an internal error. Please try again")
	ErrNotImplemented     = newError("NotImplemented", http.StatusNotImplemented, "A header you provided implies functionality that is not implemented")
)

// ErrorResponse is the XML document rendered for every failed request.
type ErrorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
}

// From normalizes any error into an *Error. Unrecognized errors become
// InternalError so the wire never leaks Go error text verbatim.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal.WithMessage("%s", err.Error())
}

// Write renders err as an S3 error document on w.
func Write(w http.ResponseWriter, err error, resource, requestID string) {
	apiErr := From(err)

	resp := ErrorResponse{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Resource:  resource,
		RequestID: requestID,
	}
	if apiErr.Resource != "" {
		resp.Resource = apiErr.Resource
	}

	body, marshalErr := xml.Marshal(resp)
	if marshalErr != nil {
		http.Error(w, apiErr.Code, apiErr.StatusCode)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(apiErr.StatusCode)
	w.Write([]byte(xml.Header))
	w.Write(body)
}
