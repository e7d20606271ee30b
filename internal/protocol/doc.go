// Package protocol defines the JSON frames exchanged over a subscription
// connection.
//
// Every frame is an object with a "type" and an optional "id" naming the
// subscription it belongs to. The remaining fields depend on the type:
//
//	{"type":"connection_init","payload":{"token":"...","connectionId":"...","timestamp":1700000000000}}
//	{"type":"subscribe","id":"1","topic":"event.updated","filter":{"kind":"id","id":"E1"}}
//	{"type":"next","id":"1","payload":{...}}
//	{"type":"error","id":"1","errors":[{"code":"unknown_topic","message":"..."}]}
//
// The credential travels only in connection_init, never in the URL.
package protocol
