// Package service implements the mutation and resolution collaborators.
//
// Mutations write through the store and then publish a change notification
// on the router. Resolution builds event views level by level through one
// loader scope, so each level costs one batch call per entity kind.
package service
