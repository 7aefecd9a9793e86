// Package security groups the access-control packages of the Cohort API.
// See the auth subpackage.
package security
