package model

import (
	"bytes"
	"encoding/json"
	"net/url"

	"github.com/hashicorp/go-multierror"
)

// Limits for test registration fields.
const (
	MaxBlobURLLen     = 2048
	MaxTestNameLen    = 512
	MaxTestVersionLen = 128
	MaxTestInputLen   = 4 * 1024 * 1024 // 4 MB
	MaxWorkerIDLen    = 256
)

// ValidateTestExecutionRequest checks a QueueTest request. Existence of the
// referenced test version is checked by storage, not here.
func ValidateTestExecutionRequest(r TestExecutionRequest) error {
	var merr *multierror.Error
	if r.SessionID <= 0 {
		merr = multierror.Append(merr, fieldErr("session_id", "must be positive"))
	}
	if r.Test.ID <= 0 {
		merr = multierror.Append(merr, fieldErr("versioned_test.id", "must be positive"))
	}
	if r.Test.Version <= 0 {
		merr = multierror.Append(merr, fieldErr("versioned_test.version", "must be positive"))
	}
	if r.RequestTimestamp.IsZero() {
		merr = multierror.Append(merr, fieldErr("request_timestamp", "is required"))
	}
	if len(r.TestInput) > MaxTestInputLen {
		merr = multierror.Append(merr, fieldErr("test_input", "exceeds maximum length of %d bytes", MaxTestInputLen))
	}
	return merr.ErrorOrNil()
}

// ValidateTestRegistration checks a registration before insert. The blob URL
// is opaque but must at least parse as an absolute URL.
func ValidateTestRegistration(r TestRegistration) error {
	var merr *multierror.Error
	switch {
	case r.BlobURL == "":
		merr = multierror.Append(merr, fieldErr("blob_url", "must not be empty"))
	case len(r.BlobURL) > MaxBlobURLLen:
		merr = multierror.Append(merr, fieldErr("blob_url", "exceeds maximum length of %d bytes", MaxBlobURLLen))
	case hasNUL(r.BlobURL):
		merr = multierror.Append(merr, nulErr("blob_url"))
	default:
		if u, err := url.Parse(r.BlobURL); err != nil || u.Scheme == "" {
			merr = multierror.Append(merr, fieldErr("blob_url", "must be an absolute URL"))
		}
	}
	switch {
	case len(r.Metadata) == 0:
	case !json.Valid(r.Metadata):
		merr = multierror.Append(merr, fieldErr("metadata", "must be valid JSON"))
	case bytes.Contains(r.Metadata, []byte(`\u0000`)):
		// jsonb has no representation for an escaped NUL.
		merr = multierror.Append(merr, fieldErr("metadata", "must not contain \\u0000 escapes"))
	}
	return merr.ErrorOrNil()
}

// ValidateTestVersion checks a new version before insert.
func ValidateTestVersion(v TestVersion) error {
	var merr *multierror.Error
	if v.TestRegistrationID <= 0 {
		merr = multierror.Append(merr, fieldErr("test_registration_id", "must be positive"))
	}
	if v.Name == "" {
		merr = multierror.Append(merr, fieldErr("name", "must not be empty"))
	} else if len(v.Name) > MaxTestNameLen {
		merr = multierror.Append(merr, fieldErr("name", "exceeds maximum length of %d bytes", MaxTestNameLen))
	} else if hasNUL(v.Name) {
		merr = multierror.Append(merr, nulErr("name"))
	}
	if err := versionLabelErr(v.Version); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// ValidateVersionLabel checks a test_version.version value used as a lookup key.
func ValidateVersionLabel(version string) error {
	if err := versionLabelErr(version); err != nil {
		return multierror.Append(nil, err)
	}
	return nil
}

func versionLabelErr(version string) *FieldError {
	switch {
	case version == "":
		return fieldErr("version", "must not be empty")
	case len(version) > MaxTestVersionLen:
		return fieldErr("version", "exceeds maximum length of %d bytes", MaxTestVersionLen)
	case hasNUL(version):
		return nulErr("version")
	}
	return nil
}

// ValidateWorkerID checks the identity a worker claims entries under.
func ValidateWorkerID(workerID string) error {
	if workerID == "" {
		return multierror.Append(nil, fieldErr("worker_id", "must not be empty"))
	}
	if len(workerID) > MaxWorkerIDLen {
		return multierror.Append(nil, fieldErr("worker_id", "exceeds maximum length of %d bytes", MaxWorkerIDLen))
	}
	if hasNUL(workerID) {
		return multierror.Append(nil, nulErr("worker_id"))
	}
	return nil
}
