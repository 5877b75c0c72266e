// Package incident defines the incident record, its lifecycle state
// machine, and the persistence contract shared by the store backends.
package incident
