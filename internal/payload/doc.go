// Package payload turns the input shapes a beacon accepts into one canonical form
// (no body, text, or bytes) and enforces the beacon size cap.
//
// Supported inputs are the Body implementations in this package. Multipart form data is
// recognised only to be refused with ErrUnsupportedPayload.
package payload
