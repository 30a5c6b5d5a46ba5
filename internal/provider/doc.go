// Package provider sends templated messages to the messaging provider and
// resolves the projects and templates a job refers to.
package provider
