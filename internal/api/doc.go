// Package api exposes the REST surface of the lending host: agent
// registration, reputation administration, the loan lifecycle and the
// settlement token. Mutating routes expect a signed request envelope; reads
// are anonymous.
package api
