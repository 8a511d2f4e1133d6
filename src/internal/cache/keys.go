package cache

import "path"

// Key builders for each cached concept.  The request id is always the first
// path segment so DeletePrefix(RequestPrefix(id)) wipes every entry a request
// ever wrote.

// RequestPrefix returns the prefix under which all of a request's entries
// live.
func RequestPrefix(requestID string) string {
	return path.Join("/privacy-request", requestID) + "/"
}

// IdentityKey addresses one provided or derived identity value.
func IdentityKey(requestID, identityField string) string {
	return path.Join("/privacy-request", requestID, "identity", identityField)
}

// IdentityPrefix addresses all identity values for a request.
func IdentityPrefix(requestID string) string {
	return path.Join("/privacy-request", requestID, "identity") + "/"
}

// CheckpointKey addresses the paused/failed checkpoint for a request.
func CheckpointKey(requestID string) string {
	return path.Join("/privacy-request", requestID, "checkpoint")
}

// DispatchKey addresses the id of the queued dispatch driving a request, so
// cancellation can revoke it.
func DispatchKey(requestID string) string {
	return path.Join("/privacy-request", requestID, "dispatch")
}

// ConsentKey addresses the consent preferences provided with a request.
func ConsentKey(requestID string) string {
	return path.Join("/privacy-request", requestID, "consent")
}

// MaskingSecretKey addresses a generated masking secret (e.g. a hash salt)
// for one strategy.
func MaskingSecretKey(requestID, strategy string) string {
	return path.Join("/privacy-request", requestID, "masking-secret", strategy)
}

// AccessResultKey addresses the filtered access rows for one collection.
func AccessResultKey(requestID, collectionAddress string) string {
	return path.Join("/privacy-request", requestID, "access-result", collectionAddress)
}

// AccessResultPrefix addresses all access results for a request.
func AccessResultPrefix(requestID string) string {
	return path.Join("/privacy-request", requestID, "access-result") + "/"
}
