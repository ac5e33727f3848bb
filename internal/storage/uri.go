package storage

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const scheme = "s3://"

// ErrInvalidURI is returned for locations that are not s3://bucket/key.
var ErrInvalidURI = errors.New("invalid S3 path")

// URI is a parsed s3://bucket/key location.
type URI struct {
	Bucket string
	Key    string
}

// ParseURI splits an s3:// location into bucket and key.
// The key may be empty ("s3://bucket/" or "s3://bucket").
func ParseURI(s string) (URI, error) {
	if !strings.HasPrefix(s, scheme) {
		return URI{}, fmt.Errorf("%w: %s", ErrInvalidURI, s)
	}
	rest := strings.TrimPrefix(s, scheme)
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return URI{}, fmt.Errorf("%w: %s", ErrInvalidURI, s)
	}
	return URI{Bucket: bucket, Key: key}, nil
}

// String formats the location as s3://bucket/key.
func (u URI) String() string {
	return scheme + u.Bucket + "/" + u.Key
}

// Join returns a child location. Trailing slashes of elem are preserved so
// that directory-style prefixes stay prefixes.
func (u URI) Join(elem ...string) URI {
	parts := append([]string{u.Key}, elem...)
	key := path.Join(parts...)
	if len(elem) > 0 && strings.HasSuffix(elem[len(elem)-1], "/") {
		key += "/"
	}
	key = strings.TrimPrefix(key, "/")
	return URI{Bucket: u.Bucket, Key: key}
}

// EnsureTrailingSlash appends "/" to p if it is missing.
func EnsureTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// StripBucket returns the part of an s3:// location after the bucket, without
// a leading slash. Non-s3 input is returned unchanged.
func StripBucket(s string) string {
	u, err := ParseURI(s)
	if err != nil {
		return s
	}
	return u.Key
}
