// Package kodo is a client SDK for the Qiniu Kodo multi-region object store.
//
// The heart of the SDK is the request-execution core in the client package:
// it projects a logical API call onto a dynamically discovered set of service
// endpoints, resolving domains, choosing IPs, signing, retrying with backoff
// and feeding per-attempt outcomes back into the endpoint selection.
//
// On top of that core sit the objects manager (stat / copy / move / delete /
// batch / paginated listing), the resumable multi-part uploader and the
// download manager.
package kodo

// Version is the release version of the SDK.
const Version = "1.0.0"

// SDKName is the SDK's short name, also the name of its user cache
// directory.
const SDKName = "kodo"
